package server

import (
	"log/slog"
	"net/http"
	"os"
	"time"
)

type options struct {
	logger        *slog.Logger
	retryAttempts int
	retryDelay    time.Duration
	autoCreate    bool
	pingInterval  time.Duration
	writeTimeout  time.Duration
	checkOrigin   func(r *http.Request) bool
	now           func() time.Time
}

func defaultOptions() options {
	return options{
		logger:        slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		retryAttempts: 5,
		retryDelay:    100 * time.Millisecond,
		autoCreate:    true,
		pingInterval:  30 * time.Second,
		writeTimeout:  10 * time.Second,
		checkOrigin:   func(*http.Request) bool { return true },
		now:           time.Now,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures the document service, broadcast store and handler.
type Option func(*options)

// WithLogger sets the structured logger.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetry bounds how often a conflicting storage transaction is retried
// and sets the initial delay, which doubles after every attempt.
func WithRetry(attempts int, initialDelay time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.retryAttempts = attempts
		}
		if initialDelay >= 0 {
			o.retryDelay = initialDelay
		}
	}
}

// WithAutoCreate controls whether connecting to an unknown document
// creates it. When disabled such connections receive document-not-found.
func WithAutoCreate(enabled bool) Option {
	return func(o *options) {
		o.autoCreate = enabled
	}
}

// WithPingInterval sets how often idle WebSocket connections are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingInterval = d
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithCheckOrigin sets the WebSocket origin check. All origins are allowed
// by default because access is decided by the session key.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(o *options) {
		if fn != nil {
			o.checkOrigin = fn
		}
	}
}
