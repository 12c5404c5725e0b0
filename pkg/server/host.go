// Package server is the authoritative side: the users, data bases and
// domains of one repository, served to sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/introspection"
	"github.com/aretw0/lifecycle/pkg/core/supervisor"
	"github.com/aretw0/lifecycle/pkg/core/worker"

	"github.com/aretw0/tessera/pkg/core"
)

// DefaultTokenTTL is the lifetime of an authentication.
const DefaultTokenTTL = 12 * time.Hour

// AdminConfig names the administrator seeded into an empty users tree.
type AdminConfig struct {
	ID       string
	Name     string
	Password []byte
}

// Config holds everything a host is built from.
type Config struct {
	Name    string
	Version string

	Store       core.Store
	Credentials core.CredentialStore
	// Secret signs session tokens. At least 16 bytes.
	Secret   []byte
	TokenTTL time.Duration
	Admin    AdminConfig
	Logger   *slog.Logger

	// Watch, when set, builds the repository watch worker. The host runs it
	// under a supervisor that restarts it on failure.
	Watch func() (worker.Worker, error)
}

// Host is one authoritative server process over a repository.
type Host struct {
	config Config
	logger *slog.Logger
	store  core.Store
	wlog   *WriteLog
	signer *Signer

	users   *UserContext
	dbs     *DataBaseContext
	domains *DomainContext

	watcher supervisor.Supervisor

	routesOnce sync.Once
	table      map[string]handlerFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// Open loads the repository and starts serving it.
func Open(ctx context.Context, config Config) (*Host, error) {
	if config.Store == nil {
		return nil, errors.New("server: no store configured")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Credentials == nil {
		config.Credentials = BcryptCredentials{}
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = DefaultTokenTTL
	}
	if config.Admin.ID == "" {
		config.Admin.ID = "admin"
	}
	if config.Admin.Name == "" {
		config.Admin.Name = config.Admin.ID
	}
	if config.Name == "" {
		config.Name = "tessera"
	}
	signer, err := NewSigner(config.Secret)
	if err != nil {
		return nil, err
	}
	if err := config.Store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize repository: %w", err)
	}

	h := &Host{
		config:   config,
		logger:   config.Logger,
		store:    config.Store,
		signer:   signer,
		sessions: make(map[string]*Session),
	}
	h.wlog = NewWriteLog(h.store, h.logger)
	h.users = newUserContext(h)
	h.dbs = newDataBaseContext(h)
	h.domains = newDomainContext(h)

	if err := h.load(ctx); err != nil {
		h.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	if config.Watch != nil {
		if err := h.startWatcher(ctx); err != nil {
			h.Close(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	h.logger.Info("host opened", "name", config.Name, "version", config.Version)
	return h, nil
}

func (h *Host) load(ctx context.Context) error {
	if err := h.users.load(ctx); err != nil {
		return err
	}
	if len(h.config.Admin.Password) > 0 {
		if err := h.users.seed(ctx, h.config.Admin); err != nil {
			return fmt.Errorf("seed administrator: %w", err)
		}
	}
	return h.dbs.load(ctx)
}

func (h *Host) startWatcher(ctx context.Context) error {
	spec := supervisor.Spec{
		Name:    "repository-watcher",
		Type:    string(worker.TypeGoroutine),
		Factory: h.config.Watch,
		Backoff: supervisor.Backoff{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2,
			ResetDuration:   time.Minute,
			MaxRestarts:     10,
			MaxDuration:     10 * time.Minute,
		},
		RestartPolicy: supervisor.RestartOnFailure,
	}
	h.watcher = supervisor.New("tessera", supervisor.StrategyOneForOne, spec)
	return h.watcher.Start(context.WithoutCancel(ctx))
}

// Users returns the users context.
func (h *Host) Users() *UserContext { return h.users }

// DataBases returns the data-base context.
func (h *Host) DataBases() *DataBaseContext { return h.dbs }

// Domains returns the domain context.
func (h *Host) Domains() *DomainContext { return h.domains }

// Close logs every authentication out, drains and disposes every dispatcher
// and stops the watcher. It is idempotent.
func (h *Host) Close(ctx context.Context) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
	h.users.close(ctx)
	h.dbs.closeAll(ctx)
	h.domains.d.Close(ctx)
	h.wlog.Close(ctx)
	if h.watcher != nil {
		if err := h.watcher.Stop(ctx); err != nil {
			h.logger.Warn("stopping watcher", "error", err)
		}
	}
	h.logger.Info("host closed", "name", h.config.Name)
}

// HostState is the observable state of a host.
type HostState struct {
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Sessions     int                 `json:"sessions"`
	Online       int                 `json:"online"`
	DataBases    []core.DataBaseInfo `json:"databases"`
	Domains      int                 `json:"domains"`
	Transactions []string            `json:"transactions,omitempty"`
	Repository   WriteLogState       `json:"repository"`
}

// State implements introspection.Introspectable.
func (h *Host) State() any {
	h.mu.Lock()
	sessions := len(h.sessions)
	closed := h.closed
	h.mu.Unlock()

	st := HostState{
		Name:       h.config.Name,
		Version:    h.config.Version,
		Sessions:   sessions,
		Online:     len(h.users.Online()),
		Repository: h.wlog.state(),
	}
	if closed {
		return st
	}
	ctx := context.Background()
	_ = h.dbs.d.Invoke(ctx, func(context.Context) error {
		for _, db := range h.dbs.sorted() {
			st.DataBases = append(st.DataBases, db.snapshot())
			if db.tx != nil {
				st.Transactions = append(st.Transactions, db.name+":"+db.tx.ID.String())
			}
		}
		return nil
	})
	if domains, err := h.domains.Domains(ctx); err == nil {
		st.Domains = len(domains)
	}
	sort.Strings(st.Transactions)
	return st
}

// ComponentType implements introspection.Component.
func (h *Host) ComponentType() string {
	return "host"
}

var _ introspection.Introspectable = (*Host)(nil)
var _ introspection.Component = (*Host)(nil)
