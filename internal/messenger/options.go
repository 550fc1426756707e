package messenger

import (
	"time"

	"dsmessenger/internal/config"
	"dsmessenger/internal/store"
	"dsmessenger/internal/transport"
	"dsmessenger/internal/usage"
)

// Config holds what a session needs to reach the server.
type Config struct {
	Server         string
	Proxy          string
	Username       string
	Password       string
	NotebookPath   string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	MaxLineBytes   int
}

// ConfigFrom maps the application configuration onto a session Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Server:         cfg.ServerAddr(),
		Proxy:          cfg.Server.Proxy,
		Username:       cfg.Account.Username,
		Password:       cfg.Account.Password,
		NotebookPath:   cfg.NotebookPath(),
		DialTimeout:    cfg.GetDialTimeout(),
		RequestTimeout: cfg.GetRequestTimeout(),
		MaxLineBytes:   cfg.Server.MaxLineBytes,
	}
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithDialer replaces the transport dialer.
func WithDialer(d transport.Dialer) Option {
	return func(m *Messenger) {
		m.dialer = d
	}
}

// WithStore mirrors reconciled messages into a SQLite cache.
func WithStore(s *store.Store) Option {
	return func(m *Messenger) {
		m.store = s
	}
}

// WithTracker records traffic statistics.
func WithTracker(t *usage.Tracker) Option {
	return func(m *Messenger) {
		m.tracker = t
	}
}

// WithClock replaces time.Now for outgoing timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Messenger) {
		m.now = now
	}
}
