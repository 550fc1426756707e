package messenger

import (
	"fmt"

	"dsmessenger/internal/logging"
	"dsmessenger/internal/notebook"
	"dsmessenger/internal/protocol"
)

// reconcile merges msgs into the notebook and the message cache. Each
// contact is added to the notebook, entries already present are skipped,
// and the notebook is saved once when anything changed. It returns the
// messages that were new to the notebook.
func (m *Messenger) reconcile(msgs []protocol.DirectMessage) ([]protocol.DirectMessage, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	var (
		fresh   []protocol.DirectMessage
		changed bool
	)
	for _, msg := range msgs {
		contact := msg.Contact()
		if contact == "" {
			continue
		}
		if m.nb.AddContact(contact) {
			changed = true
		}
		entry := notebook.ChatEntry{
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
			Outgoing:  msg.Direction() == protocol.Sent,
		}
		if m.nb.Record(contact, entry) {
			changed = true
			fresh = append(fresh, msg)
		}
	}

	if m.tracker != nil {
		m.tracker.TrackMessages(fresh)
	}

	var firstErr error
	if changed && m.cfg.NotebookPath != "" {
		if err := m.nb.Save(m.cfg.NotebookPath); err != nil {
			logging.Get(logging.CategorySession).Error("save notebook %s: %v", m.cfg.NotebookPath, err)
			firstErr = fmt.Errorf("save notebook: %w", err)
		}
	}

	if m.store != nil {
		added, err := m.store.Record(m.cfg.Username, msgs)
		if err != nil {
			logging.Get(logging.CategorySession).Error("cache messages: %v", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("cache messages: %w", err)
			}
		} else {
			logging.SessionDebug("cached %d new of %d messages", added, len(msgs))
		}
	}

	m.audit.Log(logging.AuditEvent{
		EventType: logging.AuditReconcile,
		Success:   firstErr == nil,
		Fields:    map[string]interface{}{"received": len(msgs), "new": len(fresh)},
	})
	return fresh, firstErr
}
