package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"dsmessenger/internal/logging"

	"github.com/gorilla/websocket"
)

const wsCloseGrace = time.Second

type wsConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func dialWebSocket(ctx context.Context, opts Options) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.DialTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if opts.Proxy != "" {
		u, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		dialer.Proxy = http.ProxyURL(u)
	}

	conn, _, err := dialer.DialContext(ctx, opts.Address, nil)
	if err != nil {
		logging.Get(logging.CategoryTransport).Error("websocket dial %s failed: %v", opts.Address, err)
		return nil, fmt.Errorf("dial %s: %w", opts.Address, err)
	}
	conn.SetReadLimit(int64(opts.MaxLineBytes))

	logging.Transport("websocket connected to %s", conn.RemoteAddr())
	return &wsConn{conn: conn}, nil
}

// NewWebSocketConn wraps an established websocket connection.
func NewWebSocketConn(conn *websocket.Conn, maxLine int) Conn {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	conn.SetReadLimit(int64(maxLine))
	return &wsConn{conn: conn}
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsConn) WriteLine(ctx context.Context, line []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.conn.SetWriteDeadline(deadlineFrom(ctx))
	if err := c.conn.WriteMessage(websocket.TextMessage, line); err != nil {
		if ctxErr := ctxError(ctx, err); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *wsConn) ReadLine(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.conn.SetReadDeadline(deadlineFrom(ctx))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctxError(ctx, err); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, ErrLineTooLong
			}
			return nil, fmt.Errorf("read: %w", err)
		}
		data = bytes.TrimRight(data, terminator)
		if len(data) == 0 {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
