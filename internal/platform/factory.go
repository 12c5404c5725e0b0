// Package platform assembles tessera hosts and local clients from options.
package platform

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/worker"

	"github.com/aretw0/tessera/pkg/adapters/gitfs"
	"github.com/aretw0/tessera/pkg/client"
	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/server"
	"github.com/aretw0/tessera/pkg/transport/local"
)

const (
	// DefaultSystemDir holds tessera's own state inside a repository.
	DefaultSystemDir = ".tessera"
	// DefaultGapTimeout bounds the wait for a missing callback.
	DefaultGapTimeout = 5 * time.Second
)

// New opens a host over the repository at path.
func New(ctx context.Context, path string, opts ...Option) (*server.Host, error) {
	o := apply(opts)
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	config := server.Config{
		Name:     o.name,
		Version:  o.version,
		Store:    o.store,
		Secret:   o.secret,
		TokenTTL: o.tokenTTL,
		Logger:   o.logger,
		Admin: server.AdminConfig{
			ID:       o.adminID,
			Name:     o.adminName,
			Password: o.adminPassword,
		},
	}
	if config.Store == nil {
		store := openStore(path, o)
		config.Store = store
		if o.watch {
			config.Watch = func() (worker.Worker, error) {
				return gitfs.NewWatchWorker(store), nil
			}
		}
	}

	h, err := server.Open(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("open host: %w", err)
	}
	return h, nil
}

func openStore(path string, o *options) *gitfs.Store {
	bypass := o.readOnly || !o.devSafety
	sandbox := o.forceTemp || (IsDevRun() && !bypass)
	resolved := ResolvePath(path, sandbox)

	if IsDevRun() {
		switch {
		case o.readOnly:
			o.logger.Debug("running read-only, dev sandbox skipped", "path", resolved)
		case bypass:
			o.logger.Warn("running without dev sandbox", "path", resolved)
		default:
			o.logger.Debug("running in dev sandbox", "path", resolved)
		}
	}
	if sandbox && resolved != path {
		o.logger.Warn("repository moved to sandbox", "original_path", path, "resolved_path", resolved)
	}

	return gitfs.NewStore(gitfs.Config{
		Path:         resolved,
		AutoInit:     o.autoInit,
		Gitless:      !versioned(resolved, o),
		MustExist:    o.mustExist || (!o.autoInit && !sandbox),
		ReadOnly:     o.readOnly,
		Logger:       o.logger,
		SystemDir:    o.systemDir,
		ErrorHandler: o.watchErrors,
		Author:       server.SignerOf,
	})
}

// versioned decides whether the repository at dir uses git. An existing .git
// directory always means git. Otherwise a repository about to be created
// gets git unless it already carries a system directory.
func versioned(dir string, o *options) bool {
	if o.versioning != nil {
		return *o.versioning
	}
	if exists(filepath.Join(dir, ".git")) {
		return true
	}
	if !o.autoInit || exists(filepath.Join(dir, o.systemDir)) {
		o.logger.Debug("auto-detected gitless mode", "reason", ".git missing")
		return false
	}
	return true
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// Connect logs userID into h over an in-process transport.
func Connect(ctx context.Context, h *server.Host, userID string, password []byte, opts ...Option) (*client.Context, error) {
	o := apply(opts)
	t := local.New(h, local.WithLogger(o.logger))
	c, err := client.Open(ctx, t, userID, password,
		client.WithLogger(o.logger),
		client.WithGapTimeout(o.gapTimeout),
	)
	if err != nil {
		_ = t.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return c, nil
}

var _ core.Store = (*gitfs.Store)(nil)
