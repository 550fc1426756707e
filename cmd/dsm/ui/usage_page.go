package ui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"dsmessenger/internal/usage"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// RenderUsage renders traffic statistics as text. top limits the
// per-contact table; zero shows every contact.
func RenderUsage(styles Styles, tracker *usage.Tracker, top int) string {
	if tracker == nil {
		return styles.Muted.Render("Usage tracking not available.")
	}
	stats := tracker.Stats()

	var sb strings.Builder
	sb.WriteString(styles.Header.Render("Traffic"))
	sb.WriteString("\n\n")

	since := tracker.Since()
	if !since.IsZero() {
		sb.WriteString(styles.Muted.Render("since " + since.Local().Format(time.RFC1123)))
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("Requests:  %d\n", stats.Total.Requests))
	sb.WriteString(fmt.Sprintf("Bytes out: %s\n", formatBytes(stats.Total.BytesOut)))
	sb.WriteString(fmt.Sprintf("Bytes in:  %s\n", formatBytes(stats.Total.BytesIn)))
	sb.WriteString(fmt.Sprintf("Errors:    %d\n", stats.Errors))
	if !stats.LastRequest.IsZero() {
		sb.WriteString(fmt.Sprintf("Last:      %s\n", stats.LastRequest.Local().Format(time.Kitchen)))
	}
	sb.WriteString("\n")

	if len(stats.ByVerb) > 0 {
		verbs := make([]string, 0, len(stats.ByVerb))
		for v := range stats.ByVerb {
			verbs = append(verbs, v)
		}
		sort.Strings(verbs)

		table := NewTable("By Request", "Verb", "Requests", "Out", "In").AlignRight(1, 2, 3)
		for _, v := range verbs {
			c := stats.ByVerb[v]
			table.AddRow(v, strconv.FormatInt(c.Requests, 10), formatBytes(c.BytesOut), formatBytes(c.BytesIn))
		}
		sb.WriteString(table.View(styles))
		sb.WriteString("\n")
	}

	if ranks := tracker.TopContacts(top); len(ranks) > 0 {
		table := NewTable("By Contact", "Contact", "Sent", "Received", "Total").AlignRight(1, 2, 3)
		for _, r := range ranks {
			table.AddRow(truncate(r.Contact, 24),
				strconv.FormatInt(r.Counts.Sent, 10),
				strconv.FormatInt(r.Counts.Received, 10),
				strconv.FormatInt(r.Counts.Total(), 10))
		}
		sb.WriteString(table.View(styles))
	}
	return sb.String()
}

// StatusLine is the one-line traffic summary shown in the chat footer.
func StatusLine(tracker *usage.Tracker) string {
	if tracker == nil {
		return ""
	}
	total := tracker.Stats().Total
	return fmt.Sprintf("%d req • ↑%s ↓%s", total.Requests, formatBytes(total.BytesOut), formatBytes(total.BytesIn))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncate(s string, l int) string {
	r := []rune(s)
	if len(r) > l {
		return string(r[:l-1]) + "…"
	}
	return s
}

// UsagePageModel is the scrollable usage overlay in the chat view.
type UsagePageModel struct {
	viewport viewport.Model
	tracker  *usage.Tracker
	styles   Styles
}

// NewUsagePageModel creates a usage page backed by tracker.
func NewUsagePageModel(tracker *usage.Tracker, styles Styles) UsagePageModel {
	return UsagePageModel{
		viewport: viewport.New(80, 20),
		tracker:  tracker,
		styles:   styles,
	}
}

// SetSize resizes the page and re-renders it.
func (m *UsagePageModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h
	m.Refresh()
}

// Refresh re-reads the tracker.
func (m *UsagePageModel) Refresh() {
	m.viewport.SetContent(RenderUsage(m.styles, m.tracker, 10))
}

// Update forwards scrolling keys to the viewport.
func (m UsagePageModel) Update(msg tea.Msg) (UsagePageModel, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the page.
func (m UsagePageModel) View() string {
	return m.viewport.View()
}
