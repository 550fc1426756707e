// Package transport carries newline-delimited documents between the client
// and the message server.
//
// Two transports exist. The default is a raw TCP stream where each document
// ends in CRLF. Servers fronted by a websocket gateway are reached through
// ws:// or wss:// addresses, where each text frame carries one document.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultPort is used when a tcp address omits the port.
const DefaultPort = 3001

// DefaultMaxLineBytes bounds a single reply line.
const DefaultMaxLineBytes = 1 << 20

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrLineTooLong is returned when a reply exceeds the configured limit.
	ErrLineTooLong = errors.New("line exceeds maximum length")

	// ErrUnsupportedScheme is returned for addresses with an unknown scheme.
	ErrUnsupportedScheme = errors.New("unsupported address scheme")
)

// Conn is a line-oriented connection. Implementations are not safe for
// concurrent writers or concurrent readers; the messenger serializes access.
type Conn interface {
	// WriteLine sends one document. The terminator is added by the transport.
	WriteLine(ctx context.Context, line []byte) error
	// ReadLine blocks until one document arrives, without its terminator.
	ReadLine(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Options configures Dial.
type Options struct {
	// Address is host, host:port, tcp://host:port, ws://... or wss://...
	Address string
	// Proxy is an optional socks5:// URL used for tcp addresses.
	Proxy string
	// DialTimeout bounds connection establishment when ctx has no deadline.
	DialTimeout time.Duration
	// MaxLineBytes bounds reply size; zero means DefaultMaxLineBytes.
	MaxLineBytes int
}

// Dialer opens connections. The messenger takes one so tests can inject a
// fake server.
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, opts Options) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, opts Options) (Conn, error) {
	return f(ctx, opts)
}

// DefaultDialer dispatches on the address scheme.
var DefaultDialer Dialer = DialerFunc(Dial)

// Dial connects according to the address scheme.
func Dial(ctx context.Context, opts Options) (Conn, error) {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	if opts.DialTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
			defer cancel()
		}
	}

	scheme, rest := splitScheme(opts.Address)
	switch scheme {
	case "", "tcp":
		return dialTCP(ctx, rest, opts)
	case "ws", "wss":
		return dialWebSocket(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

func splitScheme(addr string) (string, string) {
	addr = strings.TrimSpace(addr)
	if i := strings.Index(addr, "://"); i >= 0 {
		u, err := url.Parse(addr)
		if err == nil {
			return strings.ToLower(u.Scheme), u.Host
		}
		return strings.ToLower(addr[:i]), addr[i+3:]
	}
	return "", addr
}

// deadlineFrom returns the context deadline or the zero time.
func deadlineFrom(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}

// ctxError reports the context error behind a failed I/O call. The
// connection deadline can fire a moment before the context's own timer.
func ctxError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return context.DeadlineExceeded
		}
	}
	return nil
}
