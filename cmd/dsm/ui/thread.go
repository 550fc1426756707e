package ui

import (
	"strings"
	"time"

	"dsmessenger/internal/notebook"
	"dsmessenger/internal/protocol"

	"github.com/charmbracelet/lipgloss"
)

// RenderThread renders one conversation for the thread viewport. me labels
// outgoing entries and contact labels incoming ones.
func RenderThread(styles Styles, me, contact string, entries []notebook.ChatEntry, width int) string {
	if contact == "" {
		return styles.Muted.Render("Select a contact to start chatting.")
	}
	if len(entries) == 0 {
		return styles.Muted.Render("No messages with " + contact + " yet.")
	}
	if width < 10 {
		width = 10
	}

	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteString("\n")
		}
		who, body := contact, styles.Incoming
		if e.Outgoing {
			who, body = me, styles.Outgoing
		}
		head := styles.Bold.Render(who)
		if ts := FormatTimestamp(e.Timestamp); ts != "" {
			head += " " + styles.Timestamp.Render(ts)
		}
		sb.WriteString(head)
		sb.WriteString("\n")
		sb.WriteString(body.Width(width - 2).Render(e.Text))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatTimestamp renders a wire timestamp as local time. Unparseable or
// empty timestamps render as "".
func FormatTimestamp(ts string) string {
	if ts == "" {
		return ""
	}
	t, err := protocol.ParseTimestamp(ts)
	if err != nil {
		return ""
	}
	t = t.Local()
	if sameDay(t, time.Now()) {
		return t.Format("15:04")
	}
	return t.Format("Jan 2 15:04")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Frame draws content inside a pane border, highlighted when focused.
func Frame(styles Styles, content string, width, height int, focused bool) string {
	st := styles.Pane
	if focused {
		st = styles.Focused
	}
	// The border adds one cell on every edge.
	return st.Width(max(width-2, 1)).Height(max(height-2, 1)).Render(content)
}

// JoinColumns lays panes out side by side, top aligned.
func JoinColumns(panes ...string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, panes...)
}
