package platform

import (
	"log/slog"
	"time"

	"github.com/aretw0/tessera/pkg/core"
)

// options holds the configuration of a tessera host.
type options struct {
	store          core.Store
	logger         *slog.Logger
	versioning     *bool // nil: detect from the working copy
	autoInit       bool
	mustExist      bool
	systemDir      string
	secret         []byte
	tokenTTL       time.Duration
	gapTimeout     time.Duration
	adminID        string
	adminName      string
	adminPassword  []byte
	watch          bool
	watchErrors    func(error)
	readOnly       bool
	devSafety      bool
	forceTemp      bool
	name           string
	version        string
}

// Option configures a host or a local connection.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		systemDir:  DefaultSystemDir,
		gapTimeout: DefaultGapTimeout,
		devSafety:  true,
	}
}

func apply(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger shared by the host and its store.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithVersioning enables or disables git versioning of the repository.
// Without it the directory's state decides: a .git directory means git.
func WithVersioning(enabled bool) Option {
	return func(o *options) {
		o.versioning = &enabled
	}
}

// WithAutoInit creates the repository directory (and git repository) when
// it is missing.
func WithAutoInit(auto bool) Option {
	return func(o *options) {
		o.autoInit = auto
	}
}

// WithMustExist fails when the repository directory does not exist.
func WithMustExist(must bool) Option {
	return func(o *options) {
		o.mustExist = must
	}
}

// WithSystemDir names the directory holding tessera's own state.
func WithSystemDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.systemDir = dir
		}
	}
}

// WithStore injects a custom store. The path is then ignored.
func WithStore(s core.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithSecret sets the key that signs session tokens.
func WithSecret(secret []byte) Option {
	return func(o *options) {
		o.secret = secret
	}
}

// WithTokenTTL sets the lifetime of an authentication.
func WithTokenTTL(d time.Duration) Option {
	return func(o *options) {
		o.tokenTTL = d
	}
}

// WithGapTimeout bounds how long a client waits for a missing callback.
func WithGapTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gapTimeout = d
		}
	}
}

// WithAdmin seeds the administrator into an empty repository.
func WithAdmin(id, name string, password []byte) Option {
	return func(o *options) {
		o.adminID = id
		o.adminName = name
		o.adminPassword = password
	}
}

// WithWatch reports modifications of the working copy made behind the
// host's back.
func WithWatch(enabled bool) Option {
	return func(o *options) {
		o.watch = enabled
	}
}

// WithWatcherErrorHandler receives watcher failures and out-of-band writes.
func WithWatcherErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.watchErrors = fn
	}
}

// WithReadOnly refuses every write to the repository. A read-only host
// skips the dev sandbox.
func WithReadOnly(readOnly bool) Option {
	return func(o *options) {
		o.readOnly = readOnly
	}
}

// WithDevSafety controls the dev sandbox. When enabled (default) and the
// process runs under `go run`/`go test`, the repository is moved into a
// temporary directory.
func WithDevSafety(enabled bool) Option {
	return func(o *options) {
		o.devSafety = enabled
	}
}

// WithForceTemp places the repository in the sandbox regardless of how the
// process runs.
func WithForceTemp(force bool) Option {
	return func(o *options) {
		o.forceTemp = force
	}
}

// WithIdentity sets the name and version the host reports.
func WithIdentity(name, version string) Option {
	return func(o *options) {
		o.name = name
		o.version = version
	}
}
