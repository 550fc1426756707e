// Package usage keeps running traffic statistics for the client: requests
// per protocol verb, bytes on the wire, and messages per contact.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"dsmessenger/internal/logging"
	"dsmessenger/internal/protocol"
)

type sessionKey struct{}

// DefaultSaveDelay is how long Track waits before persisting.
const DefaultSaveDelay = 5 * time.Second

// Tracker records traffic and persists it with a debounced save.
type Tracker struct {
	mu            sync.Mutex
	data          UsageData
	filePath      string
	dirty         bool
	saveDelay     time.Duration
	autoSaveTimer *time.Timer
}

// NewTracker creates a tracker persisted at filePath, loading existing
// counters when the file is present.
func NewTracker(filePath string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create usage dir: %w", err)
	}

	t := &Tracker{
		filePath:  filePath,
		saveDelay: DefaultSaveDelay,
		data:      emptyData(),
	}

	if err := t.Load(); err != nil {
		logging.Get(logging.CategoryUsage).Warn("usage file %s unreadable, starting fresh: %v", filePath, err)
		t.data = emptyData()
	}
	return t, nil
}

func emptyData() UsageData {
	return UsageData{
		Version: "1.0",
		Since:   time.Now().UTC(),
		Aggregate: AggregatedStats{
			ByVerb:    make(map[string]TrafficCounts),
			ByContact: make(map[string]MessageCounts),
			BySession: make(map[string]TrafficCounts),
		},
	}
}

// SetSaveDelay changes the debounce window for automatic saves.
func (t *Tracker) SetSaveDelay(d time.Duration) {
	t.mu.Lock()
	t.saveDelay = d
	t.mu.Unlock()
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	if t.data.Aggregate.ByVerb == nil {
		t.data.Aggregate.ByVerb = make(map[string]TrafficCounts)
	}
	if t.data.Aggregate.ByContact == nil {
		t.data.Aggregate.ByContact = make(map[string]MessageCounts)
	}
	if t.data.Aggregate.BySession == nil {
		t.data.Aggregate.BySession = make(map[string]TrafficCounts)
	}
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	t.dirty = false
	return os.WriteFile(t.filePath, data, 0600)
}

// Track records one request/reply exchange for verb. A non-nil err counts
// as a failed exchange.
func (t *Tracker) Track(ctx context.Context, verb string, bytesOut, bytesIn int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessionID := "unknown"
	if val, ok := ctx.Value(sessionKey{}).(string); ok && val != "" {
		sessionID = val
	}

	t.data.Aggregate.Total.Add(bytesOut, bytesIn)
	addTraffic(t.data.Aggregate.ByVerb, verb, bytesOut, bytesIn)
	addTraffic(t.data.Aggregate.BySession, sessionID, bytesOut, bytesIn)
	if err != nil {
		t.data.Aggregate.Errors++
	}
	t.data.Aggregate.LastRequest = time.Now().UTC()

	t.scheduleSaveLocked()
}

// TrackMessages counts delivered or fetched messages per contact.
func (t *Tracker) TrackMessages(msgs []protocol.DirectMessage) {
	if len(msgs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range msgs {
		contact := m.Contact()
		if contact == "" {
			continue
		}
		entry := t.data.Aggregate.ByContact[contact]
		if m.Direction() == protocol.Sent {
			entry.Sent++
		} else {
			entry.Received++
		}
		t.data.Aggregate.ByContact[contact] = entry
	}
	t.scheduleSaveLocked()
}

// scheduleSaveLocked arms a single pending save.
func (t *Tracker) scheduleSaveLocked() {
	if t.dirty {
		return
	}
	t.dirty = true
	t.autoSaveTimer = time.AfterFunc(t.saveDelay, func() {
		if err := t.Save(); err != nil {
			logging.Get(logging.CategoryUsage).Error("usage autosave failed: %v", err)
		}
	})
}

// Close cancels any pending autosave and writes the current counters.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.autoSaveTimer != nil {
		t.autoSaveTimer.Stop()
		t.autoSaveTimer = nil
	}
	if !t.dirty {
		return nil
	}
	return t.saveLocked()
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByVerb = copyTrafficMap(stats.ByVerb)
	stats.BySession = copyTrafficMap(stats.BySession)
	stats.ByContact = make(map[string]MessageCounts, len(t.data.Aggregate.ByContact))
	for k, v := range t.data.Aggregate.ByContact {
		stats.ByContact[k] = v
	}
	return stats
}

// Since returns when counting started.
func (t *Tracker) Since() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.Since
}

// ContactRank is one row of TopContacts.
type ContactRank struct {
	Contact string
	Counts  MessageCounts
}

// TopContacts returns up to n contacts ordered by message volume.
func (t *Tracker) TopContacts(n int) []ContactRank {
	stats := t.Stats()
	out := make([]ContactRank, 0, len(stats.ByContact))
	for k, v := range stats.ByContact {
		out = append(out, ContactRank{Contact: k, Counts: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Counts.Total() != out[j].Counts.Total() {
			return out[i].Counts.Total() > out[j].Counts.Total()
		}
		return out[i].Contact < out[j].Contact
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func copyTrafficMap(src map[string]TrafficCounts) map[string]TrafficCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TrafficCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addTraffic(m map[string]TrafficCounts, key string, out, in int) {
	entry := m[key]
	entry.Add(out, in)
	m[key] = entry
}

// Context Helpers

// WithSession tags traffic recorded under ctx with a session id.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}
