package tessera

import (
	"context"
	"log/slog"
	"time"

	"github.com/aretw0/tessera/internal/platform"
	"github.com/aretw0/tessera/pkg/client"
	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/server"
)

// --- Types ---

// Host is an authoritative tessera process.
type Host = server.Host

// Client is a signed-in view of a host.
type Client = client.Context

// --- Configuration ---

// Option configures a host or a local connection.
type Option = platform.Option

// WithLogger sets the logger shared by the host, its store and its clients.
func WithLogger(logger *slog.Logger) Option {
	return platform.WithLogger(logger)
}

// WithVersioning enables or disables git versioning of the repository.
func WithVersioning(enabled bool) Option {
	return platform.WithVersioning(enabled)
}

// WithAutoInit creates the repository when it is missing.
func WithAutoInit(auto bool) Option {
	return platform.WithAutoInit(auto)
}

// WithMustExist fails when the repository directory does not exist.
func WithMustExist(must bool) Option {
	return platform.WithMustExist(must)
}

// WithSystemDir names the directory holding tessera's own state.
func WithSystemDir(dir string) Option {
	return platform.WithSystemDir(dir)
}

// WithStore injects a custom store.
func WithStore(s core.Store) Option {
	return platform.WithStore(s)
}

// WithSecret sets the key that signs session tokens.
func WithSecret(secret []byte) Option {
	return platform.WithSecret(secret)
}

// WithTokenTTL sets the lifetime of an authentication.
func WithTokenTTL(d time.Duration) Option {
	return platform.WithTokenTTL(d)
}

// WithGapTimeout bounds how long a client waits for a missing callback.
func WithGapTimeout(d time.Duration) Option {
	return platform.WithGapTimeout(d)
}

// WithAdmin seeds the administrator into an empty repository.
func WithAdmin(id, name string, password []byte) Option {
	return platform.WithAdmin(id, name, password)
}

// WithWatch reports out-of-band modifications of the working copy.
func WithWatch(enabled bool) Option {
	return platform.WithWatch(enabled)
}

// WithWatcherErrorHandler receives watcher failures.
func WithWatcherErrorHandler(fn func(error)) Option {
	return platform.WithWatcherErrorHandler(fn)
}

// WithReadOnly refuses every write to the repository.
func WithReadOnly(readOnly bool) Option {
	return platform.WithReadOnly(readOnly)
}

// WithDevSafety controls the dev sandbox used under `go run` and `go test`.
func WithDevSafety(enabled bool) Option {
	return platform.WithDevSafety(enabled)
}

// WithForceTemp places the repository in the dev sandbox.
func WithForceTemp(force bool) Option {
	return platform.WithForceTemp(force)
}

// WithIdentity sets the name and version the host reports.
func WithIdentity(name, version string) Option {
	return platform.WithIdentity(name, version)
}

// --- Factories ---

// Open starts a host over the repository at path.
func Open(ctx context.Context, path string, opts ...Option) (*Host, error) {
	return platform.New(ctx, path, opts...)
}

// Connect signs userID into h in the same process.
func Connect(ctx context.Context, h *Host, userID string, password []byte, opts ...Option) (*Client, error) {
	return platform.Connect(ctx, h, userID, password, opts...)
}

// FindRoot walks upward from dir to the enclosing repository.
func FindRoot(dir string) (string, error) {
	return platform.FindRoot(dir)
}

// IsDevRun reports whether the process runs under `go run` or `go test`.
func IsDevRun() bool {
	return platform.IsDevRun()
}
