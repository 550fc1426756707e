package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dsmessenger/internal/config"
	"dsmessenger/internal/messenger"
	"dsmessenger/internal/notebook"
	"dsmessenger/internal/poller"
	"dsmessenger/internal/protocol"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	replyAuth = `{"response": {"type": "ok", "message": "Welcome", "token": "tok-1"}}`
	replySent = `{"response": {"type": "ok", "message": "Direct message sent"}}`
	replyNone = `{"response": {"type": "ok", "messages": []}}`
	replyOne  = `{"response": {"type": "ok", "messages": [{"message": "hello alice", "from": "bob", "timestamp": "1700000000.5"}]}}`
	replyAll  = `{"response": {"type": "ok", "messages": [` +
		`{"message": "hello alice", "from": "bob", "timestamp": "1700000000.5"},` +
		`{"message": "hi bob", "recipient": "bob", "timestamp": "1700000001.5"}]}}`
)

// lineServer speaks the line protocol on loopback. Each unread fetch is
// answered from unread in turn, then with an empty list.
type lineServer struct {
	ln     net.Listener
	wg     sync.WaitGroup
	unread []string
	next   atomic.Int32
	sent   atomic.Int32
}

func newLineServer(t *testing.T, unread ...string) *lineServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &lineServer{ln: ln, unread: unread}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *lineServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			sc := bufio.NewScanner(conn)
			for sc.Scan() {
				var req map[string]json.RawMessage
				if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
					return
				}
				conn.Write([]byte(s.reply(req) + "\r\n"))
			}
		}()
	}
}

func (s *lineServer) reply(req map[string]json.RawMessage) string {
	if _, ok := req["authenticate"]; ok {
		return replyAuth
	}
	if _, ok := req["directmessage"]; ok {
		s.sent.Add(1)
		return replySent
	}
	var kind string
	json.Unmarshal(req["fetch"], &kind)
	if kind == "all" {
		return replyAll
	}
	i := int(s.next.Add(1)) - 1
	if i < len(s.unread) {
		return s.unread[i]
	}
	return replyNone
}

// setupCLI points the global configuration at addr and a fresh data dir.
func setupCLI(t *testing.T, addr string) {
	t.Helper()
	logger = zap.NewNop()

	c := config.DefaultConfig()
	c.Server.Address = addr
	c.Server.RequestTimeout = "2s"
	c.Account.Username = "alice"
	c.Account.Password = "pw"
	c.Storage.DataDir = t.TempDir()
	cfg = c
	t.Cleanup(func() { cfg = nil })
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetContext(context.Background())
	return cmd, &buf
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: file.example\naccount:\n  username: fromfile\n"), 0600))
	t.Setenv("DSM_USERNAME", "")
	t.Setenv("DSM_SERVER", "")

	configPath, serverAddr, password, timeout = path, "flag.example:4000", "secret", 3*time.Second
	defer func() { configPath, serverAddr, password, timeout = "", "", "", 0 }()

	c, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "flag.example:4000", c.ServerAddr())
	assert.Equal(t, "fromfile", c.Account.Username)
	assert.Equal(t, "secret", c.Account.Password)
	assert.Equal(t, 3*time.Second, c.GetRequestTimeout())
}

func TestContactsCommands(t *testing.T) {
	setupCLI(t, "127.0.0.1:1")

	cmd, out := newTestCmd()
	require.NoError(t, runContactsList(cmd, nil))
	assert.Contains(t, out.String(), "no contacts")

	out.Reset()
	require.NoError(t, runContactsAdd(cmd, []string{"bob"}))
	require.NoError(t, runContactsAdd(cmd, []string{"bob"}))
	assert.Contains(t, out.String(), "added bob")
	assert.Contains(t, out.String(), "bob is already a contact")

	assert.Error(t, runContactsAdd(cmd, []string{"alice"}))

	out.Reset()
	require.NoError(t, runContactsList(cmd, nil))
	assert.Contains(t, out.String(), "bob")
	assert.Contains(t, out.String(), "0 messages")

	// A notebook owned by someone else is not readable.
	cfg.Account.Password = "wrong"
	assert.ErrorIs(t, runContactsList(cmd, nil), notebook.ErrPermission)
}

func TestDiaryCommands(t *testing.T) {
	setupCLI(t, "127.0.0.1:1")
	cmd, out := newTestCmd()

	require.NoError(t, runDiaryList(cmd, nil))
	assert.Contains(t, out.String(), "no diary entries")

	require.NoError(t, runDiaryAdd(cmd, []string{"first", "entry"}))
	require.NoError(t, runDiaryAdd(cmd, []string{"second"}))
	assert.Error(t, runDiaryAdd(cmd, []string{"  "}))

	out.Reset()
	require.NoError(t, runDiaryList(cmd, nil))
	assert.Contains(t, out.String(), "first entry")
	assert.Contains(t, out.String(), "second")

	require.NoError(t, runDiaryDelete(cmd, []string{"0"}))
	assert.Error(t, runDiaryDelete(cmd, []string{"7"}))
	assert.Error(t, runDiaryDelete(cmd, []string{"x"}))

	nb, err := notebook.Load(cfg.NotebookPath())
	require.NoError(t, err)
	require.Len(t, nb.Diaries(), 1)
	assert.Equal(t, "second", nb.Diaries()[0].Entry)
}

func TestSendAndFetch(t *testing.T) {
	srv := newLineServer(t, replyOne)
	setupCLI(t, srv.ln.Addr().String())
	cmd, out := newTestCmd()

	require.NoError(t, runSend(cmd, []string{"bob", "see", "you"}))
	assert.Contains(t, out.String(), "sent to bob")
	assert.Equal(t, int32(1), srv.sent.Load())

	out.Reset()
	require.NoError(t, runFetch(cmd, nil))
	assert.Contains(t, out.String(), "<- bob: hello alice")

	out.Reset()
	require.NoError(t, runFetch(cmd, nil))
	assert.Contains(t, out.String(), "no new messages")

	fetchAll, fetchJSON = true, true
	defer func() { fetchAll, fetchJSON = false, false }()
	out.Reset()
	require.NoError(t, runFetch(cmd, nil))
	var msgs []protocol.DirectMessage
	require.NoError(t, json.Unmarshal(out.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "bob", msgs[0].From)
	assert.Equal(t, "bob", msgs[1].Recipient)

	nb, err := notebook.Load(cfg.NotebookPath())
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, nb.ContactsList())
	assert.Len(t, nb.History("bob"), 3)
}

func TestHistory(t *testing.T) {
	srv := newLineServer(t)
	setupCLI(t, srv.ln.Addr().String())
	cmd, out := newTestCmd()

	require.NoError(t, runHistory(cmd, []string{"bob"}))
	assert.Contains(t, out.String(), "no messages with bob")

	fetchAll = true
	require.NoError(t, runFetch(cmd, nil))
	fetchAll = false

	// From the cache.
	out.Reset()
	require.NoError(t, runHistory(cmd, []string{"bob"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "bob: hello alice")
	assert.Contains(t, lines[1], "alice: hi bob")

	// From the notebook, limited.
	cfg.Storage.CacheEnabled = false
	historyLimit = 1
	defer func() { historyLimit = 50 }()
	out.Reset()
	require.NoError(t, runHistory(cmd, []string{"bob"}))
	assert.NotContains(t, out.String(), "hello alice")
	assert.Contains(t, out.String(), "hi bob")
}

func TestHistoryMarkdown(t *testing.T) {
	md := historyMarkdown("alice", "bob", []notebook.ChatEntry{
		{Text: "line one\nline two"},
		{Text: "reply", Outgoing: true},
	})
	assert.True(t, strings.HasPrefix(md, "# alice and bob"))
	assert.Contains(t, md, "**bob**")
	assert.Contains(t, md, "> line one\n> line two\n")
	assert.Contains(t, md, "**alice**")
}

func TestWatchPrintsNewMessages(t *testing.T) {
	srv := newLineServer(t, replyNone, replyOne)
	setupCLI(t, srv.ln.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := connect(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()

	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- watchMessages(ctx, s, 10*time.Millisecond, out) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "bob: hello alice")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean exit")
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestPrintEventKeepsMessagesOnError(t *testing.T) {
	var out bytes.Buffer
	printEvent(&out, poller.Event{
		Messages: []protocol.DirectMessage{{Text: "still here", From: "bob", Timestamp: "1700000000"}},
		Err:      errors.New("save notebook: disk full"),
		At:       time.Now(),
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "<- bob: still here")
	assert.Contains(t, lines[1], "error: save notebook: disk full")

	out.Reset()
	printEvent(&out, poller.Event{Err: messenger.ErrNotConnected, At: time.Now()})
	assert.Contains(t, out.String(), "disconnected, retrying")
}

func TestConnectFailsWithoutCredentials(t *testing.T) {
	setupCLI(t, "127.0.0.1:1")
	cfg.Account.Password = ""
	_, err := connect(context.Background(), cfg)
	assert.ErrorContains(t, err, "password not configured")
}

func TestConfigInitAndShow(t *testing.T) {
	setupCLI(t, "dm.example")
	configPath = filepath.Join(t.TempDir(), "dsm", "config.yaml")
	defer func() { configPath = "" }()
	cmd, out := newTestCmd()

	require.NoError(t, runConfigInit(cmd, nil))
	assert.FileExists(t, configPath)
	assert.Error(t, runConfigInit(cmd, nil), "refuses to overwrite")

	loaded, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "dm.example", loaded.Server.Address)

	out.Reset()
	require.NoError(t, runConfigShow(cmd, nil))
	assert.Contains(t, out.String(), "dm.example:3001")
	assert.Contains(t, out.String(), "********")
	assert.NotContains(t, out.String(), "password: pw")
	assert.Equal(t, "pw", cfg.Account.Password, "show does not mutate the config")
}

func TestStatsAfterTraffic(t *testing.T) {
	srv := newLineServer(t, replyOne)
	setupCLI(t, srv.ln.Addr().String())
	cmd, out := newTestCmd()

	require.NoError(t, runFetch(cmd, nil))
	out.Reset()
	require.NoError(t, runStats(cmd, nil))
	assert.Contains(t, out.String(), "fetch_unread")
	assert.Contains(t, out.String(), "authenticate")
	assert.Contains(t, out.String(), "Cached: 1 messages with 1 contacts")
}

// lockedBuffer is a goroutine-safe bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
