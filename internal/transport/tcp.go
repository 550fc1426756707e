package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"dsmessenger/internal/logging"

	"golang.org/x/net/proxy"
)

const terminator = "\r\n"

type tcpConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	maxLine int

	mu     sync.Mutex
	closed bool
}

func dialTCP(ctx context.Context, addr string, opts Options) (Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}

	timer := logging.StartTimer(logging.CategoryTransport, "dial "+addr)
	defer timer.Stop()

	var (
		conn net.Conn
		err  error
	)
	if opts.Proxy != "" {
		conn, err = dialViaProxy(ctx, opts.Proxy, addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		logging.Get(logging.CategoryTransport).Error("dial %s failed: %v", addr, err)
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	logging.Transport("connected to %s", conn.RemoteAddr())
	return newTCPConn(conn, opts.MaxLineBytes), nil
}

func dialViaProxy(ctx context.Context, proxyURL, addr string) (net.Conn, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	d, err := proxy.FromURL(u, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", u.Redacted(), err)
	}
	logging.TransportDebug("dialing %s through proxy %s", addr, u.Redacted())
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.Dial("tcp", addr)
}

// NewConn wraps an established stream connection, such as one half of
// net.Pipe, as a line Conn.
func NewConn(conn net.Conn, maxLine int) Conn {
	return newTCPConn(conn, maxLine)
}

func newTCPConn(conn net.Conn, maxLine int) *tcpConn {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &tcpConn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		maxLine: maxLine,
	}
}

func (c *tcpConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// watch makes blocking I/O observe ctx cancellation by expiring the
// connection deadline.
func (c *tcpConn) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
}

func (c *tcpConn) WriteLine(ctx context.Context, line []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := c.watch(ctx)
	defer stop()

	c.conn.SetWriteDeadline(deadlineFrom(ctx))
	buf := make([]byte, 0, len(line)+len(terminator))
	buf = append(buf, line...)
	buf = append(buf, terminator...)
	if _, err := c.conn.Write(buf); err != nil {
		if ctxErr := ctxError(ctx, err); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("write: %w", err)
	}
	logging.TransportDebug("wrote %d bytes to %s", len(buf), c.RemoteAddr())
	return nil
}

func (c *tcpConn) ReadLine(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := c.watch(ctx)
	defer stop()

	c.conn.SetReadDeadline(deadlineFrom(ctx))
	for {
		line, err := c.readLine()
		if err != nil {
			if ctxErr := ctxError(ctx, err); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if len(line) == 0 {
			continue
		}
		logging.TransportDebug("read %d bytes from %s", len(line), c.RemoteAddr())
		return line, nil
	}
}

// readLine reads one line. maxLine bounds the payload; the terminator is
// not counted against it.
func (c *tcpConn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if len(line)+len(chunk) > c.maxLine+len(terminator) {
			return nil, ErrLineTooLong
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return c.trimmed(line)
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return c.trimmed(line)
		default:
			return nil, err
		}
	}
}

func (c *tcpConn) trimmed(line []byte) ([]byte, error) {
	line = bytes.TrimRight(line, terminator)
	if len(line) > c.maxLine {
		return nil, ErrLineTooLong
	}
	return line, nil
}

func (c *tcpConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	logging.Transport("closing connection to %s", c.RemoteAddr())
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
