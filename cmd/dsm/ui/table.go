package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders static rows under a title. Columns size to their widest
// cell; numeric columns listed in RightAlign are right aligned.
type Table struct {
	Title      string
	Headers    []string
	Rows       [][]string
	RightAlign map[int]bool
}

// NewTable creates a table with the given title and headers.
func NewTable(title string, headers ...string) *Table {
	return &Table{
		Title:      title,
		Headers:    headers,
		Rows:       make([][]string, 0),
		RightAlign: make(map[int]bool),
	}
}

// AlignRight right-aligns the given column indexes.
func (t *Table) AlignRight(cols ...int) *Table {
	for _, c := range cols {
		t.RightAlign[c] = true
	}
	return t
}

// AddRow appends a row. Missing cells render empty; extra cells are dropped.
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.Headers))
	copy(row, cells)
	t.Rows = append(t.Rows, row)
}

// View renders the table. An empty table renders as "".
func (t *Table) View(styles Styles) string {
	if len(t.Rows) == 0 {
		return ""
	}

	var sb strings.Builder
	if t.Title != "" {
		sb.WriteString(styles.Title.Render(t.Title))
		sb.WriteString("\n")
	}

	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	sep := styles.Muted.Render(" │ ")
	cell := func(style lipgloss.Style, i int, s string) string {
		st := style.Width(widths[i])
		if t.RightAlign[i] {
			st = st.Align(lipgloss.Right)
		}
		return st.Render(s)
	}

	header := make([]string, len(t.Headers))
	for i, h := range t.Headers {
		header[i] = cell(styles.Bold, i, h)
	}
	sb.WriteString(strings.Join(header, sep))
	sb.WriteString("\n")

	total := (len(widths) - 1) * 3
	for _, w := range widths {
		total += w
	}
	sb.WriteString(styles.Muted.Render(strings.Repeat("─", total)))
	sb.WriteString("\n")

	for _, row := range t.Rows {
		out := make([]string, len(row))
		for i, c := range row {
			out[i] = cell(styles.Body, i, c)
		}
		sb.WriteString(strings.Join(out, sep))
		sb.WriteString("\n")
	}
	return sb.String()
}
