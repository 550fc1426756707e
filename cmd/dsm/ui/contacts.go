package ui

import (
	"fmt"
	"strings"
)

// ContactList is the sidebar of conversations with a cursor and unread
// counters.
type ContactList struct {
	items  []string
	unread map[string]int
	cursor int
}

// NewContactList creates an empty list.
func NewContactList() ContactList {
	return ContactList{unread: make(map[string]int)}
}

// SetItems replaces the contacts, keeping the cursor on the same name when
// it is still present.
func (c *ContactList) SetItems(items []string) {
	current := c.Selected()
	c.items = append([]string(nil), items...)
	c.cursor = 0
	for i, name := range c.items {
		if name == current {
			c.cursor = i
			break
		}
	}
}

// Items returns the contacts in display order.
func (c ContactList) Items() []string {
	return c.items
}

// Selected returns the contact under the cursor, or "".
func (c ContactList) Selected() string {
	if c.cursor < 0 || c.cursor >= len(c.items) {
		return ""
	}
	return c.items[c.cursor]
}

// Select moves the cursor to name. It reports false when name is not listed.
func (c *ContactList) Select(name string) bool {
	for i, n := range c.items {
		if n == name {
			c.cursor = i
			delete(c.unread, name)
			return true
		}
	}
	return false
}

// Up moves the cursor up, wrapping at the top.
func (c *ContactList) Up() {
	if len(c.items) == 0 {
		return
	}
	c.cursor = (c.cursor - 1 + len(c.items)) % len(c.items)
	delete(c.unread, c.Selected())
}

// Down moves the cursor down, wrapping at the bottom.
func (c *ContactList) Down() {
	if len(c.items) == 0 {
		return
	}
	c.cursor = (c.cursor + 1) % len(c.items)
	delete(c.unread, c.Selected())
}

// MarkUnread adds n unread messages for name unless it is selected.
func (c *ContactList) MarkUnread(name string, n int) {
	if name == c.Selected() || n <= 0 {
		return
	}
	c.unread[name] += n
}

// Unread returns the unread count for name.
func (c ContactList) Unread(name string) int {
	return c.unread[name]
}

// View renders the list into width columns and at most height rows,
// scrolling to keep the cursor visible.
func (c ContactList) View(styles Styles, width, height int, focused bool) string {
	if len(c.items) == 0 {
		return styles.Muted.Render("no contacts\npress a to add")
	}
	if height < 1 {
		height = len(c.items)
	}

	start := 0
	if c.cursor >= height {
		start = c.cursor - height + 1
	}
	end := start + height
	if end > len(c.items) {
		end = len(c.items)
	}

	lines := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		name := c.items[i]
		label := truncate(name, max(width-6, 4))
		if n := c.unread[name]; n > 0 {
			label += " " + styles.Badge.Render(fmt.Sprintf("%d", n))
		}
		switch {
		case i == c.cursor && focused:
			lines = append(lines, styles.Selected.Render("▸ "+label))
		case i == c.cursor:
			lines = append(lines, styles.Bold.Render("  "+label))
		default:
			lines = append(lines, styles.Body.Render("  "+label))
		}
	}
	return strings.Join(lines, "\n")
}
