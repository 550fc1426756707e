package main

import (
	"context"
	"errors"
	"fmt"

	"dsmessenger/internal/config"
	"dsmessenger/internal/messenger"
	"dsmessenger/internal/notebook"
	"dsmessenger/internal/store"
	"dsmessenger/internal/usage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// session bundles everything a networked command needs.
type session struct {
	cfg     *config.Config
	nb      *notebook.Notebook
	cache   *store.Store
	tracker *usage.Tracker
	dm      *messenger.Messenger
}

// openNotebook loads (or creates) the notebook for the configured user.
// It needs no server.
func openNotebook(c *config.Config) (*notebook.Notebook, error) {
	if c.Account.Username == "" {
		return nil, errors.New("username not configured (set account.username, DSM_USERNAME or --username)")
	}
	nb, err := notebook.Open(c.NotebookPath(), c.Account.Username, c.Account.Password)
	if err != nil {
		return nil, fmt.Errorf("open notebook: %w", err)
	}
	if c.Account.Bio != "" && nb.Bio() == "" {
		nb.SetBio(c.Account.Bio)
	}
	return nb, nil
}

// openCache opens the message cache, or returns nil when it is disabled.
func openCache(c *config.Config) (*store.Store, error) {
	if !c.Storage.CacheEnabled {
		return nil, nil
	}
	s, err := store.Open(c.CachePath())
	if err != nil {
		return nil, fmt.Errorf("open message cache: %w", err)
	}
	return s, nil
}

// newSession validates c and wires the notebook, cache and usage tracker
// into a disconnected messenger.
func newSession(c *config.Config) (*session, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	nb, err := openNotebook(c)
	if err != nil {
		return nil, err
	}

	tracker, err := usage.NewTracker(c.UsagePath())
	if err != nil {
		return nil, fmt.Errorf("open usage stats: %w", err)
	}

	cache, err := openCache(c)
	if err != nil {
		// The cache is optional; the notebook still records history.
		logger.Warn("message cache unavailable", zap.Error(err))
	}

	opts := []messenger.Option{messenger.WithTracker(tracker)}
	if cache != nil {
		opts = append(opts, messenger.WithStore(cache))
	}

	return &session{
		cfg:     c,
		nb:      nb,
		cache:   cache,
		tracker: tracker,
		dm:      messenger.New(messenger.ConfigFrom(c), nb, opts...),
	}, nil
}

// connect opens a session and authenticates.
func connect(ctx context.Context, c *config.Config) (*session, error) {
	s, err := newSession(c)
	if err != nil {
		return nil, err
	}
	logger.Debug("connecting", zap.String("server", c.ServerAddr()), zap.String("user", c.Account.Username))
	if err := s.dm.Connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	logger.Info("connected", zap.String("server", c.ServerAddr()))
	return s, nil
}

// Close disconnects and flushes local state.
func (s *session) Close() error {
	var errs []error
	errs = append(errs, s.dm.Close())
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	errs = append(errs, s.tracker.Close())
	return errors.Join(errs...)
}

// commandContext returns the command's context, or Background when the
// command was invoked without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
