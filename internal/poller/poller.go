// Package poller fetches unread messages on an interval in the background
// and delivers them as events, so no network call runs on a UI thread.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"dsmessenger/internal/logging"
	"dsmessenger/internal/messenger"
	"dsmessenger/internal/protocol"
)

// DefaultInterval matches the two second refresh of the desktop client.
const DefaultInterval = 2 * time.Second

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("poller already running")

// Source is the part of the messenger the poller uses.
type Source interface {
	RetrieveNew(ctx context.Context) ([]protocol.DirectMessage, error)
}

// ReconnectFunc re-establishes the session after it dropped.
type ReconnectFunc func(ctx context.Context) error

// Event is one poll outcome worth reporting: new messages or an error.
type Event struct {
	Messages []protocol.DirectMessage
	Err      error
	At       time.Time
}

// Stats summarizes poller activity.
type Stats struct {
	Polls      int64
	Errors     int64
	Reconnects int64
	Messages   int64
}

// Option configures a Poller.
type Option func(*Poller)

// WithReconnect sets the hook called when the source reports it is not
// connected.
func WithReconnect(fn ReconnectFunc) Option {
	return func(p *Poller) { p.reconnect = fn }
}

// WithMaxBackoff caps the delay between failed reconnect attempts.
func WithMaxBackoff(d time.Duration) Option {
	return func(p *Poller) { p.maxBackoff = d }
}

// WithBuffer sets the event channel capacity.
func WithBuffer(n int) Option {
	return func(p *Poller) { p.buffer = n }
}

// Poller polls a Source for unread messages.
type Poller struct {
	src        Source
	interval   time.Duration
	maxBackoff time.Duration
	buffer     int
	reconnect  ReconnectFunc

	events   chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	polls      atomic.Int64
	errs       atomic.Int64
	reconnects atomic.Int64
	messages   atomic.Int64
}

// New creates a poller. A non-positive interval means DefaultInterval.
func New(src Source, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		src:        src,
		interval:   interval,
		maxBackoff: 30 * time.Second,
		buffer:     16,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxBackoff < interval {
		p.maxBackoff = interval
	}
	p.events = make(chan Event, p.buffer)
	return p
}

// Events delivers poll results. It is closed when Run returns.
func (p *Poller) Events() <-chan Event {
	return p.events
}

// Stop ends Run. It is safe to call more than once, and before Run.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// Stats returns activity counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Polls:      p.polls.Load(),
		Errors:     p.errs.Load(),
		Reconnects: p.reconnects.Load(),
		Messages:   p.messages.Load(),
	}
}

// Run polls immediately and then every interval until ctx is done or Stop
// is called. Errors are delivered as events and never end the loop. Run
// returns nil after Stop and ctx.Err() after cancellation.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(p.events)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	logging.Poller("polling every %v", p.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	var backoff time.Duration
	for {
		select {
		case <-ctx.Done():
			return p.exitErr(ctx)
		case <-timer.C:
		}

		next := p.interval
		msgs, err := p.src.RetrieveNew(ctx)
		if ctx.Err() != nil {
			return p.exitErr(ctx)
		}
		p.polls.Add(1)

		switch {
		case err == nil:
			backoff = 0
			if len(msgs) > 0 {
				p.messages.Add(int64(len(msgs)))
				logging.PollerDebug("%d new messages", len(msgs))
				p.emit(ctx, Event{Messages: msgs, At: time.Now()})
			}

		case p.reconnect != nil && errors.Is(err, messenger.ErrNotConnected):
			p.reconnects.Add(1)
			if rerr := p.reconnect(ctx); rerr != nil {
				p.errs.Add(1)
				backoff = p.nextBackoff(backoff)
				next = backoff
				logging.Get(logging.CategoryPoller).Warn("reconnect failed, retrying in %v: %v", backoff, rerr)
				p.emit(ctx, Event{Err: rerr, At: time.Now()})
			} else {
				backoff = 0
				next = 0
				logging.Poller("reconnected")
			}

		default:
			// Messages that came back alongside the error are already
			// marked read on the server, so they travel with it.
			p.errs.Add(1)
			p.messages.Add(int64(len(msgs)))
			logging.Get(logging.CategoryPoller).Warn("poll failed with %d messages: %v", len(msgs), err)
			p.emit(ctx, Event{Messages: msgs, Err: err, At: time.Now()})
		}

		timer.Reset(next)
	}
}

func (p *Poller) nextBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return p.interval
	}
	cur *= 2
	if cur > p.maxBackoff {
		cur = p.maxBackoff
	}
	return cur
}

func (p *Poller) emit(ctx context.Context, ev Event) {
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}

func (p *Poller) exitErr(ctx context.Context) error {
	select {
	case <-p.stopCh:
		logging.Poller("stopped")
		return nil
	default:
	}
	logging.PollerDebug("context done: %v", ctx.Err())
	return ctx.Err()
}
