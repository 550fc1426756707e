package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dsmessenger/internal/messenger"
	"dsmessenger/internal/notebook"
	"dsmessenger/internal/poller"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var watchInterval time.Duration

// watchCmd streams incoming messages until interrupted
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print incoming messages as they arrive",
	Long: `Polls the server for unread messages and prints them until interrupted.
A dropped connection is re-established with backoff. Edits made to the
notebook file by other programs are merged in while watching.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	interval := cfg.GetPollInterval()
	if watchInterval > 0 {
		interval = watchInterval
	}
	fmt.Fprintf(cmd.OutOrStdout(), "watching for messages to %s every %s (ctrl+c to stop)\n", cfg.Account.Username, interval)

	return watchMessages(ctx, s, interval, cmd.OutOrStdout())
}

// watchMessages runs the poller and the notebook watcher until ctx ends.
// Cancellation is a clean exit.
func watchMessages(ctx context.Context, s *session, interval time.Duration, out io.Writer) error {
	p := poller.New(s.dm, interval,
		poller.WithReconnect(s.dm.Connect),
		poller.WithMaxBackoff(s.cfg.GetMaxBackoff()))

	w, err := notebook.NewWatcher(s.cfg.NotebookPath(), func(disk *notebook.Notebook, err error) {
		if err != nil {
			logger.Warn("notebook reload failed", zap.Error(err))
			return
		}
		if n := s.nb.Merge(disk); n > 0 {
			logger.Info("merged notebook edits from disk", zap.Int("entries", n))
		}
	})
	if err != nil {
		return fmt.Errorf("watch notebook: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := w.Start(gctx); err != nil {
		logger.Warn("notebook watcher disabled", zap.Error(err))
	}
	defer w.Stop()

	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		for ev := range p.Events() {
			printEvent(out, ev)
		}
		return nil
	})

	err = g.Wait()
	stats := p.Stats()
	logger.Info("watch finished",
		zap.Int64("polls", stats.Polls),
		zap.Int64("messages", stats.Messages),
		zap.Int64("errors", stats.Errors),
		zap.Int64("reconnects", stats.Reconnects))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// printEvent writes the messages of ev, then its error if any. A failed
// poll can still carry messages the server has already handed over.
func printEvent(out io.Writer, ev poller.Event) {
	for _, m := range ev.Messages {
		fmt.Fprintln(out, formatMessage(m))
	}
	switch {
	case ev.Err == nil:
	case errors.Is(ev.Err, messenger.ErrNotConnected):
		fmt.Fprintf(out, "%s  disconnected, retrying\n", ev.At.Local().Format("15:04:05"))
	default:
		fmt.Fprintf(out, "%s  error: %v\n", ev.At.Local().Format("15:04:05"), ev.Err)
	}
}
