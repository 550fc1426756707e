package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"dsmessenger/cmd/dsm/ui"
	"dsmessenger/internal/notebook"
	"dsmessenger/internal/protocol"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	fetchAll      bool
	fetchJSON     bool
	historyLimit  int
	historyRender bool
)

// sendCmd delivers one message
var sendCmd = &cobra.Command{
	Use:   "send <recipient> <message...>",
	Short: "Send a direct message",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

// fetchCmd retrieves messages from the server
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch unread messages (or the full history with --all)",
	Args:  cobra.NoArgs,
	RunE:  runFetch,
}

// historyCmd prints a conversation from local state
var historyCmd = &cobra.Command{
	Use:   "history <contact>",
	Short: "Show the conversation with a contact",
	Long: `Prints the locally recorded conversation with a contact. The SQLite
message cache is used when enabled; otherwise the notebook is read.
No server connection is made.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func runSend(cmd *cobra.Command, args []string) error {
	recipient := args[0]
	text := strings.Join(args[1:], " ")

	ctx := commandContext(cmd)
	s, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.dm.Send(ctx, text, recipient); err != nil {
		return fmt.Errorf("send to %s: %w", recipient, err)
	}
	logger.Info("message sent", zap.String("recipient", recipient), zap.Int("chars", len(text)))
	fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", recipient)
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	s, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	fetch := s.dm.RetrieveNew
	if fetchAll {
		fetch = s.dm.RetrieveAll
	}
	msgs, err := fetch(ctx)
	if err != nil {
		if msgs == nil {
			return fmt.Errorf("fetch: %w", err)
		}
		// Delivered but not persisted locally.
		logger.Warn("messages fetched but not recorded", zap.Error(err))
	}

	out := cmd.OutOrStdout()
	if fetchJSON {
		return writeMessagesJSON(out, msgs)
	}
	if len(msgs) == 0 {
		if fetchAll {
			fmt.Fprintln(out, "no messages")
		} else {
			fmt.Fprintln(out, "no new messages")
		}
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintln(out, formatMessage(m))
	}
	return nil
}

func writeMessagesJSON(w io.Writer, msgs []protocol.DirectMessage) error {
	if msgs == nil {
		msgs = []protocol.DirectMessage{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(msgs)
}

// formatMessage renders one message as a single line.
func formatMessage(m protocol.DirectMessage) string {
	arrow := "<-"
	if m.Direction() == protocol.Sent {
		arrow = "->"
	}
	ts := ui.FormatTimestamp(m.Timestamp)
	if ts == "" {
		ts = "-"
	}
	return fmt.Sprintf("%-11s %s %s: %s", ts, arrow, m.Contact(), m.Text)
}

func runHistory(cmd *cobra.Command, args []string) error {
	contact := args[0]

	entries, err := loadHistory(contact)
	if err != nil {
		return err
	}
	if historyLimit > 0 && len(entries) > historyLimit {
		entries = entries[len(entries)-historyLimit:]
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintf(out, "no messages with %s\n", contact)
		return nil
	}

	if historyRender {
		rendered, err := renderMarkdown(historyMarkdown(cfg.Account.Username, contact, entries))
		if err != nil {
			return err
		}
		fmt.Fprint(out, rendered)
		return nil
	}

	for _, e := range entries {
		who := contact
		if e.Outgoing {
			who = cfg.Account.Username
		}
		ts := ui.FormatTimestamp(e.Timestamp)
		if ts == "" {
			ts = "-"
		}
		fmt.Fprintf(out, "%-11s %s: %s\n", ts, who, e.Text)
	}
	return nil
}

// loadHistory prefers the message cache and falls back to the notebook.
func loadHistory(contact string) ([]notebook.ChatEntry, error) {
	cache, err := openCache(cfg)
	if err != nil {
		logger.Warn("message cache unavailable", zap.Error(err))
	}
	if cache != nil {
		defer cache.Close()
		rows, err := cache.History(cfg.Account.Username, contact, 0)
		if err != nil {
			logger.Warn("cache history failed", zap.Error(err))
		} else if len(rows) > 0 {
			entries := make([]notebook.ChatEntry, len(rows))
			for i, r := range rows {
				entries[i] = notebook.ChatEntry{
					Text:      r.Body,
					Timestamp: r.SentAt,
					Outgoing:  r.Direction == protocol.Sent,
				}
			}
			return entries, nil
		}
	}

	nb, err := openNotebook(cfg)
	if err != nil {
		return nil, err
	}
	chats, err := nb.ChatsFor(cfg.Account.Username, cfg.Account.Password)
	if err != nil {
		return nil, err
	}
	if _, ok := chats[contact]; !ok {
		return nil, nil
	}
	return nb.History(contact), nil
}

// historyMarkdown formats a conversation for glamour.
func historyMarkdown(me, contact string, entries []notebook.ChatEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s and %s\n\n", me, contact)
	for _, e := range entries {
		who := contact
		if e.Outgoing {
			who = me
		}
		fmt.Fprintf(&sb, "**%s**", who)
		if ts := ui.FormatTimestamp(e.Timestamp); ts != "" {
			fmt.Fprintf(&sb, " _%s_", ts)
		}
		sb.WriteString("\n\n")
		for _, line := range strings.Split(e.Text, "\n") {
			fmt.Fprintf(&sb, "> %s\n", line)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderMarkdown renders with glamour, falling back to the raw text if the
// renderer cannot be built or panics.
func renderMarkdown(content string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = content, nil
		}
	}()

	style := "light"
	if ui.ThemeFor(cfg.UI.Theme).IsDark {
		style = "dark"
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return content, nil
	}
	return r.Render(content)
}
