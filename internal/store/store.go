// Package store is a SQLite cache of every direct message the client has
// seen. It is independent of the notebook file, so history survives a
// notebook being deleted or rewritten by another tool.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"dsmessenger/internal/logging"
	"dsmessenger/internal/protocol"

	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Message is a cached direct message.
type Message struct {
	ID        string
	Owner     string
	Contact   string
	Direction protocol.Direction
	Body      string
	SentAt    string
	Status    string
	CreatedAt time.Time
}

// Time parses SentAt as float seconds.
func (m Message) Time() time.Time {
	t, err := protocol.ParseTimestamp(m.SentAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ContactSummary is one row of Contacts.
type ContactSummary struct {
	Contact  string
	Messages int
	LastAt   string
}

// Store is the message cache.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	path   string
	closed bool
}

// Open opens or creates the cache at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			logging.Get(logging.CategoryStore).Error("failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		logging.Get(logging.CategoryStore).Error("failed to migrate %s: %v", path, err)
		return nil, err
	}

	logging.Store("message cache ready at %s (driver %s)", path, driverName)
	return &Store{db: db, path: path}, nil
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Record stores messages for owner, skipping ones already cached. It
// returns how many rows were new.
func (s *Store) Record(owner string, msgs []protocol.DirectMessage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO messages (id, owner, contact, direction, body, sent_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	added := 0
	for _, m := range msgs {
		contact := m.Contact()
		if contact == "" {
			continue
		}
		res, err := stmt.Exec(uuid.NewString(), owner, contact, string(m.Direction()), m.Text, m.Timestamp, m.Status, now)
		if err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	logging.StoreDebug("recorded %d/%d messages for %s", added, len(msgs), owner)
	return added, nil
}

// History returns the conversation between owner and contact in send
// order. A positive limit keeps only the most recent messages.
func (s *Store) History(owner, contact string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	query := `
		SELECT id, owner, contact, direction, body, sent_at, status, created_at
		FROM messages
		WHERE owner = ? AND contact = ?
		ORDER BY CAST(sent_at AS REAL) DESC, created_at DESC`
	args := []interface{}{owner, contact}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			direction string
			created   string
		)
		if err := rows.Scan(&m.ID, &m.Owner, &m.Contact, &direction, &m.Body, &m.SentAt, &m.Status, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Direction = protocol.Direction(direction)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Contacts lists everyone owner has exchanged messages with, most recent
// first.
func (s *Store) Contacts(owner string) ([]ContactSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`
		SELECT contact, COUNT(*), MAX(CAST(sent_at AS REAL))
		FROM messages
		WHERE owner = ?
		GROUP BY contact
		ORDER BY MAX(CAST(sent_at AS REAL)) DESC, contact ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var out []ContactSummary
	for rows.Next() {
		var (
			c    ContactSummary
			last sql.NullFloat64
		)
		if err := rows.Scan(&c.Contact, &c.Messages, &last); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		if last.Valid {
			c.LastAt = strconv.FormatFloat(last.Float64, 'f', -1, 64)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Count returns how many messages are cached for owner.
func (s *Store) Count(owner string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE owner = ?`, owner).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	logging.StoreDebug("closing message cache %s", s.path)
	return s.db.Close()
}
