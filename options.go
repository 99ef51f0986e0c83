package ninchat

import (
	"log/slog"
	"time"

	"github.com/ninchat/ninchat-go/internal/diag"
	"github.com/ninchat/ninchat-go/internal/transport"
	"github.com/ninchat/ninchat-go/internal/validate"
)

const (
	defaultServerHost   = "api.ninchat.com"
	defaultRetryCount   = 3
	defaultRetryTimeout = 15 * time.Second
)

// config holds everything New needs to build a Session, assembled
// from defaults plus any Options the caller supplied.
type config struct {
	serverHost   string
	retryCount   int
	retryTimeout time.Duration
	validator    Validator
	logger       *slog.Logger
	diagBus      *diag.Bus
	dialer       transport.Dialer
}

func defaultConfig() config {
	return config{
		serverHost:   defaultServerHost,
		retryCount:   defaultRetryCount,
		retryTimeout: defaultRetryTimeout,
		logger:       slog.Default(),
		dialer:       transport.DefaultDialer{},
	}
}

// Option configures a Session at construction time.
type Option func(*config)

// WithServerHost sets the server host to connect to, e.g.
// "api.ninchat.com". Overridden at runtime if the server supplies a
// different session_host on session_created.
func WithServerHost(host string) Option {
	return func(c *config) { c.serverHost = host }
}

// WithRetryPolicy sets the per-action retry count and timeout used by
// the send loop. The zero values of either argument leave the
// respective default (3 attempts, 15s) in place.
func WithRetryPolicy(retryCount int, retryTimeout time.Duration) Option {
	return func(c *config) {
		if retryCount > 0 {
			c.retryCount = retryCount
		}
		if retryTimeout > 0 {
			c.retryTimeout = retryTimeout
		}
	}
}

// WithValidator sets the action parameter validator. If not supplied,
// New resolves the embedded default schema bundle via
// WithDefaultValidator.
func WithValidator(v Validator) Option {
	return func(c *config) { c.validator = v }
}

// WithDefaultValidator selects the schema-driven validator built from
// the embedded actions.json/paramtypes.json bundle. This is the
// default when no validator is configured at all, so callers only
// need this option when they want to be explicit. It always uses the
// embedded bundle; any other validator is supplied via WithValidator.
func WithDefaultValidator() Option {
	return func(c *config) {
		v, err := validate.NewDefault()
		if err != nil {
			// The embedded bundle is built into the binary; a failure
			// here indicates a packaging bug, not a runtime condition
			// callers can recover from.
			panic("ninchat: embedded action schema bundle failed to load: " + err.Error())
		}
		c.validator = v
	}
}

// WithLogger sets the structured logger used for transport and
// protocol diagnostics. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDiagnostics attaches a diagnostic event bus the engine publishes
// internal lifecycle events to (connecting, reconnecting,
// session_reset, retry_exhausted, closed). Purely observational; does
// not affect the four public signals.
func WithDiagnostics(bus *diag.Bus) Option {
	return func(c *config) { c.diagBus = bus }
}

// withDialer overrides the transport dialer. Unexported: real callers
// always dial real WebSocket connections; this exists so tests can
// substitute a fake transport.
func withDialer(d transport.Dialer) Option {
	return func(c *config) { c.dialer = d }
}
