package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// echoServer accepts one connection and answers every line with reply(line).
func echoServer(t *testing.T, reply func(string) string) (addr string, done <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ch := make(chan struct{})
	go func() {
		defer close(ch)
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			line := strings.TrimRight(sc.Text(), "\r")
			if _, err := conn.Write([]byte(reply(line) + "\r\n")); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), ch
}

func TestDialTCPRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	addr, done := echoServer(t, func(s string) string { return "echo:" + s })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, Options{Address: "tcp://" + addr, DialTimeout: time.Second})
	require.NoError(t, err)

	require.NoError(t, conn.WriteLine(ctx, []byte(`{"a":1}`)))
	line, err := conn.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, `echo:{"a":1}`, string(line))
	assert.NotEmpty(t, conn.RemoteAddr())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "close is idempotent")
	<-done
}

func TestDialBareHostPort(t *testing.T) {
	defer goleak.VerifyNone(t)

	addr, done := echoServer(t, func(s string) string { return s })
	conn, err := Dial(context.Background(), Options{Address: addr})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	<-done
}

func TestDialUnsupportedScheme(t *testing.T) {
	_, err := Dial(context.Background(), Options{Address: "udp://127.0.0.1:1"})
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), Options{Address: addr, DialTimeout: time.Second})
	assert.Error(t, err)
}

func TestReadLineSkipsBlankLinesAndTrims(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, server := net.Pipe()
	conn := NewConn(client, 0)
	defer conn.Close()

	go func() {
		server.Write([]byte("\r\n\r\nhello\r\nworld\n"))
	}()

	ctx := context.Background()
	line, err := conn.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(line))

	line, err = conn.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "world", string(line))
	server.Close()
}

func TestReadLineTooLong(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, server := net.Pipe()
	conn := NewConn(client, 8)
	defer conn.Close()

	go func() {
		server.Write([]byte("0123456789abcdef\r\n"))
		server.Close()
	}()

	_, err := conn.ReadLine(context.Background())
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReadLineLimitExcludesTerminator(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, server := net.Pipe()
	conn := NewConn(client, 8)
	defer conn.Close()

	go func() {
		server.Write([]byte("01234567\r\n012345678\n"))
		server.Close()
	}()

	line, err := conn.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(line))

	_, err = conn.ReadLine(context.Background())
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReadLineHonorsCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, server := net.Pipe()
	defer server.Close()
	conn := NewConn(client, 0)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.ReadLine(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLine did not return after cancel")
	}
}

func TestReadLineDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, server := net.Pipe()
	defer server.Close()
	conn := NewConn(client, 0)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := conn.ReadLine(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedConn(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := NewConn(client, 0)
	require.NoError(t, conn.Close())

	_, err := conn.ReadLine(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, conn.WriteLine(context.Background(), []byte("x")), ErrClosed)
}

func TestWriteLineAppendsTerminator(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, server := net.Pipe()
	conn := NewConn(client, 0)
	defer conn.Close()

	got := make(chan string, 1)
	go func() {
		r := bufio.NewReader(server)
		s, _ := r.ReadString('\n')
		got <- s
		server.Close()
	}()

	require.NoError(t, conn.WriteLine(context.Background(), []byte(`{"fetch":"all"}`)))
	assert.Equal(t, "{\"fetch\":\"all\"}\r\n", <-got)
}

func TestSplitScheme(t *testing.T) {
	cases := []struct {
		in, scheme, rest string
	}{
		{"127.0.0.1:3001", "", "127.0.0.1:3001"},
		{"tcp://example.com:3001", "tcp", "example.com:3001"},
		{"WS://example.com/chat", "ws", "example.com"},
		{"  host  ", "", "host"},
	}
	for _, tc := range cases {
		scheme, rest := splitScheme(tc.in)
		assert.Equal(t, tc.scheme, scheme, tc.in)
		assert.Equal(t, tc.rest, rest, tc.in)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, append([]byte("ws:"), data...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Dial(ctx, Options{Address: addr})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteLine(ctx, []byte(`{"fetch":"unread"}`)))
	line, err := conn.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, `ws:{"fetch":"unread"}`, string(line))
	assert.NotEmpty(t, conn.RemoteAddr())
}

func TestWebSocketReadLineTooLong(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		if err := c.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 200))); err != nil {
			return
		}
		// Wait for the client to go away.
		c.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Dial(ctx, Options{Address: addr, MaxLineBytes: 64})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadLine(ctx)
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestDialerFunc(t *testing.T) {
	sentinel := errors.New("boom")
	var d Dialer = DialerFunc(func(ctx context.Context, opts Options) (Conn, error) {
		return nil, sentinel
	})
	_, err := d.Dial(context.Background(), Options{})
	assert.ErrorIs(t, err, sentinel)
}
