// Package messenger is the client session: it authenticates once, keeps the
// token, and issues send and fetch requests over a single connection.
//
// A Messenger is either connected or not. Any transport failure drops the
// connection and clears the token; callers reconnect with Connect. Only one
// request is in flight at a time.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dsmessenger/internal/logging"
	"dsmessenger/internal/notebook"
	"dsmessenger/internal/protocol"
	"dsmessenger/internal/store"
	"dsmessenger/internal/transport"
	"dsmessenger/internal/usage"

	"github.com/google/uuid"
)

// Messenger is a session with the message server.
type Messenger struct {
	cfg     Config
	nb      *notebook.Notebook
	dialer  transport.Dialer
	store   *store.Store
	tracker *usage.Tracker
	now     func() time.Time
	audit   *logging.AuditLogger

	// reqMu serializes request/reply exchanges.
	reqMu sync.Mutex

	// stateMu guards conn, token and sessionID.
	stateMu   sync.RWMutex
	conn      transport.Conn
	token     string
	sessionID string
}

// New creates a disconnected Messenger. A nil notebook is replaced with an
// empty one for cfg.Username.
func New(cfg Config, nb *notebook.Notebook, opts ...Option) *Messenger {
	if nb == nil {
		nb = notebook.New(cfg.Username, cfg.Password, "")
	}
	m := &Messenger{
		cfg:    cfg,
		nb:     nb,
		dialer: transport.DefaultDialer,
		now:    time.Now,
		audit:  logging.AuditFor(cfg.Username),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect dials the server and authenticates. It is a no-op when already
// connected.
func (m *Messenger) Connect(ctx context.Context) error {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()

	if m.Connected() {
		return nil
	}

	timer := logging.StartTimer(logging.CategorySession, "connect")
	defer timer.Stop()

	conn, err := m.dialer.Dial(ctx, transport.Options{
		Address:      m.cfg.Server,
		Proxy:        m.cfg.Proxy,
		DialTimeout:  m.cfg.DialTimeout,
		MaxLineBytes: m.cfg.MaxLineBytes,
	})
	if err != nil {
		m.audit.Log(logging.AuditEvent{EventType: logging.AuditConnect, Peer: m.cfg.Server, Error: err.Error()})
		return fmt.Errorf("connect: %w", err)
	}
	m.audit.Log(logging.AuditEvent{EventType: logging.AuditConnect, Peer: conn.RemoteAddr(), Success: true})

	payload, err := protocol.AuthRequest(m.cfg.Username, m.cfg.Password)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	sessionID := uuid.NewString()
	resp, err := m.exchange(ctx, conn, sessionID, "authenticate", payload)
	if err != nil {
		conn.Close()
		if errors.Is(err, protocol.ErrMalformedReply) || errors.Is(err, protocol.ErrNotResponse) {
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		return fmt.Errorf("authenticate: %w", err)
	}
	if !resp.OK() {
		conn.Close()
		m.audit.Log(logging.AuditEvent{EventType: logging.AuditAuthenticate, RequestID: sessionID, Error: resp.Message})
		logging.SessionWarn("authentication rejected for %s: %s", m.cfg.Username, resp.Message)
		return fmt.Errorf("%w: %w", ErrAuthFailed, resp.Err())
	}
	if resp.Token == "" {
		conn.Close()
		return fmt.Errorf("%w: reply carried no token", ErrAuthFailed)
	}

	m.stateMu.Lock()
	m.conn = conn
	m.token = resp.Token
	m.sessionID = sessionID
	m.stateMu.Unlock()

	m.audit.Log(logging.AuditEvent{EventType: logging.AuditAuthenticate, RequestID: sessionID, Peer: conn.RemoteAddr(), Success: true})
	logging.Session("authenticated as %s on %s", m.cfg.Username, conn.RemoteAddr())
	return nil
}

// Send delivers text to recipient. The message is recorded locally only
// after the server accepts it.
func (m *Messenger) Send(ctx context.Context, text, recipient string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if strings.TrimSpace(recipient) == "" {
		return ErrNoRecipient
	}

	m.reqMu.Lock()
	defer m.reqMu.Unlock()

	conn, token, sessionID := m.session()
	if conn == nil {
		return ErrNotConnected
	}

	ts := protocol.Timestamp(m.now())
	payload, err := protocol.DirectMessageRequest(token, recipient, text, ts)
	if err != nil {
		return err
	}

	resp, err := m.request(ctx, conn, sessionID, "directmessage", payload)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		logging.SessionWarn("send to %s rejected: %v", recipient, err)
		return err
	}

	sent := protocol.DirectMessage{Text: text, Recipient: recipient, Timestamp: ts}
	if _, err := m.reconcile([]protocol.DirectMessage{sent}); err != nil {
		return fmt.Errorf("message sent but not recorded: %w", err)
	}
	logging.SessionDebug("sent %d chars to %s", len(text), recipient)
	return nil
}

// RetrieveNew fetches unread messages and reconciles them into the
// notebook. The messages are returned even when persisting them fails.
func (m *Messenger) RetrieveNew(ctx context.Context) ([]protocol.DirectMessage, error) {
	return m.retrieve(ctx, protocol.FetchUnread)
}

// RetrieveAll fetches the full history and reconciles it into the
// notebook.
func (m *Messenger) RetrieveAll(ctx context.Context) ([]protocol.DirectMessage, error) {
	return m.retrieve(ctx, protocol.FetchAll)
}

func (m *Messenger) retrieve(ctx context.Context, kind protocol.FetchKind) ([]protocol.DirectMessage, error) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()

	conn, token, sessionID := m.session()
	if conn == nil {
		return nil, ErrNotConnected
	}

	payload, err := protocol.FetchRequest(token, kind)
	if err != nil {
		return nil, err
	}

	resp, err := m.request(ctx, conn, sessionID, "fetch_"+string(kind), payload)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}

	msgs := resp.Messages
	if msgs == nil {
		msgs = []protocol.DirectMessage{}
	}
	if _, err := m.reconcile(msgs); err != nil {
		return msgs, err
	}
	return msgs, nil
}

// request runs one exchange on the live connection and drops the
// connection on transport failure.
func (m *Messenger) request(ctx context.Context, conn transport.Conn, sessionID, verb string, payload []byte) (*protocol.Response, error) {
	resp, err := m.exchange(ctx, conn, sessionID, verb, payload)
	if err != nil && !errors.Is(err, protocol.ErrMalformedReply) && !errors.Is(err, protocol.ErrNotResponse) {
		m.drop(conn, err)
	}
	return resp, err
}

// exchange writes payload and reads exactly one reply line, bounded by
// RequestTimeout unless ctx already carries a deadline.
func (m *Messenger) exchange(ctx context.Context, conn transport.Conn, sessionID, verb string, payload []byte) (*protocol.Response, error) {
	if m.cfg.RequestTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
			defer cancel()
		}
	}
	reqID := uuid.NewString()
	log := logging.WithRequestID(logging.CategorySession, reqID).WithField("verb", verb)
	start := time.Now()
	ctx = usage.WithSession(ctx, sessionID)

	var (
		resp    *protocol.Response
		bytesIn int
		err     error
	)
	defer func() {
		dur := time.Since(start)
		m.audit.Exchange(reqID, verb, len(payload), dur, err)
		if m.tracker != nil {
			m.tracker.Track(ctx, verb, len(payload)+len(protocol.Terminator), bytesIn, err)
		}
	}()

	log.Debug("request %d bytes", len(payload))
	logging.ProtocolDebug("%s request: %d bytes encoded", verb, len(payload))
	if err = conn.WriteLine(ctx, payload); err != nil {
		log.Error("write failed: %v", err)
		return nil, fmt.Errorf("send %s: %w", verb, err)
	}

	var line []byte
	line, err = conn.ReadLine(ctx)
	if err != nil {
		log.Error("read failed: %v", err)
		return nil, fmt.Errorf("read %s reply: %w", verb, err)
	}
	bytesIn = len(line)

	resp, err = protocol.ParseResponse(line)
	if err != nil {
		log.Warn("unparseable reply: %v", err)
		logging.Protocol("%s reply rejected (%d bytes): %v", verb, len(line), err)
		return nil, err
	}
	logging.ProtocolDebug("%s reply: type=%s kind=%s messages=%d", verb, resp.Type, resp.Kind(), len(resp.Messages))
	log.Debug("reply type=%s kind=%s in %v", resp.Type, resp.Kind(), time.Since(start))
	return resp, nil
}

// drop closes conn if it is still the live connection.
func (m *Messenger) drop(conn transport.Conn, cause error) {
	m.stateMu.Lock()
	if m.conn != conn {
		m.stateMu.Unlock()
		return
	}
	m.conn = nil
	m.token = ""
	m.sessionID = ""
	m.stateMu.Unlock()

	conn.Close()
	m.audit.Log(logging.AuditEvent{EventType: logging.AuditDisconnect, Peer: conn.RemoteAddr(), Error: cause.Error()})
	logging.SessionWarn("connection dropped: %v", cause)
}

func (m *Messenger) session() (transport.Conn, string, string) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.conn, m.token, m.sessionID
}

// Close ends the session. It is safe to call more than once.
func (m *Messenger) Close() error {
	m.stateMu.Lock()
	conn := m.conn
	m.conn = nil
	m.token = ""
	m.sessionID = ""
	m.stateMu.Unlock()

	if conn == nil {
		return nil
	}
	m.audit.Log(logging.AuditEvent{EventType: logging.AuditDisconnect, Peer: conn.RemoteAddr(), Success: true})
	logging.Session("closing session for %s", m.cfg.Username)
	return conn.Close()
}

// Connected reports whether a session is live.
func (m *Messenger) Connected() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.conn != nil
}

// Token returns the session token, or "" when disconnected.
func (m *Messenger) Token() string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.token
}

// Username returns the configured account name.
func (m *Messenger) Username() string {
	return m.cfg.Username
}

// NotebookPath returns where the notebook is saved.
func (m *Messenger) NotebookPath() string {
	return m.cfg.NotebookPath
}

// Notebook returns the notebook messages are reconciled into.
func (m *Messenger) Notebook() *notebook.Notebook {
	return m.nb
}

// Store returns the message cache, or nil when none is configured.
func (m *Messenger) Store() *store.Store {
	return m.store
}
