package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType names one wire-level event.
type AuditEventType string

const (
	AuditConnect      AuditEventType = "connect"
	AuditAuthenticate AuditEventType = "authenticate"
	AuditRequest      AuditEventType = "request"
	AuditReply        AuditEventType = "reply"
	AuditDisconnect   AuditEventType = "disconnect"
	AuditReconcile    AuditEventType = "reconcile"
)

// AuditEvent is one JSON line in the audit log. Credentials never appear
// here: callers pass the verb, not the payload.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`
	EventType  AuditEventType         `json:"event"`
	User       string                 `json:"user,omitempty"`
	RequestID  string                 `json:"req,omitempty"`
	Peer       string                 `json:"peer,omitempty"`
	Verb       string                 `json:"verb,omitempty"`
	Bytes      int                    `json:"bytes,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger writes AuditEvents scoped to one user.
type AuditLogger struct {
	user string
}

// InitAudit opens the audit log. It is a no-op unless debug mode is on.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	file, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("%s_audit.log", date)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditFor returns an audit logger that stamps every event with user.
func AuditFor(user string) *AuditLogger {
	return &AuditLogger{user: user}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.User == "" {
		event.User = a.user
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// Exchange records one request/reply round trip.
func (a *AuditLogger) Exchange(requestID, verb string, bytesOut int, dur time.Duration, err error) {
	ev := AuditEvent{
		EventType:  AuditRequest,
		RequestID:  requestID,
		Verb:       verb,
		Bytes:      bytesOut,
		Success:    err == nil,
		DurationMs: dur.Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	a.Log(ev)
}
