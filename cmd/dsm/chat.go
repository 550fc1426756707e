// This file implements the interactive chat interface using bubbletea.
package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dsmessenger/cmd/dsm/ui"
	"dsmessenger/internal/logging"
	"dsmessenger/internal/messenger"
	"dsmessenger/internal/notebook"
	"dsmessenger/internal/protocol"
	"dsmessenger/internal/usage"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// chatCmd starts the terminal UI
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive chat interface",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

// chatClient is the part of the messenger the chat view drives.
type chatClient interface {
	Username() string
	Connected() bool
	Connect(ctx context.Context) error
	Send(ctx context.Context, text, recipient string) error
	RetrieveNew(ctx context.Context) ([]protocol.DirectMessage, error)
	RetrieveAll(ctx context.Context) ([]protocol.DirectMessage, error)
}

type focusPane int

const (
	focusContacts focusPane = iota
	focusCompose
)

// Messages produced by commands. Network calls only run inside commands,
// never in Update.
type (
	pollTickMsg    time.Time
	fetchResultMsg struct {
		msgs []protocol.DirectMessage
		all  bool
		err  error
	}
	sendResultMsg struct {
		recipient string
		text      string
		err       error
	}
	connectResultMsg struct {
		err error
	}
	notebookChangedMsg struct {
		entries int
	}
)

const (
	headerHeight = 2
	footerHeight = 1
	inputHeight  = 3
)

// chatModel is the main model for the interactive chat interface
type chatModel struct {
	// UI Components
	contacts  ui.ContactList
	input     textinput.Model
	addInput  textinput.Model
	thread    viewport.Model
	usagePage ui.UsagePageModel
	styles    ui.Styles

	// Backend
	client       chatClient
	nb           *notebook.Notebook
	notebookPath string
	tracker      *usage.Tracker
	interval     time.Duration
	timeout      time.Duration

	// State
	focus        focusPane
	adding       bool
	showUsage    bool
	polling      bool
	sending      bool
	reconnecting bool
	status       string
	err          error
	width        int
	height       int
	ready        bool
}

func newChatModel(client chatClient, nb *notebook.Notebook, notebookPath string, tracker *usage.Tracker, styles ui.Styles, interval, timeout time.Duration) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Type a message (Enter to send, Esc for contacts)"
	ti.Prompt = "│ "
	ti.CharLimit = 4096
	ti.PromptStyle = styles.Prompt
	ti.TextStyle = styles.UserInput

	add := textinput.New()
	add.Placeholder = "username"
	add.Prompt = "add contact: "
	add.CharLimit = 64
	add.PromptStyle = styles.Prompt

	contacts := ui.NewContactList()
	contacts.SetItems(nb.ContactsList())

	return chatModel{
		contacts:     contacts,
		input:        ti,
		addInput:     add,
		thread:       viewport.New(60, 20),
		usagePage:    ui.NewUsagePageModel(tracker, styles),
		styles:       styles,
		client:       client,
		nb:           nb,
		notebookPath: notebookPath,
		tracker:      tracker,
		interval:     interval,
		timeout:      timeout,
		focus:        focusContacts,
		status:       "connecting…",
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.connectCmd(),
	)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.layout()
		logging.UIDebug("resize %dx%d", msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case connectResultMsg:
		m.reconnecting = false
		if msg.err != nil {
			m.err = msg.err
			m.status = "offline"
			logging.UI("offline: %v", msg.err)
			return m, m.tickCmd()
		}
		m.err = nil
		m.status = "connected as " + m.client.Username()
		logging.UI("online as %s", m.client.Username())
		m.polling = true
		return m, m.fetchCmd(true)

	case pollTickMsg:
		if m.polling || m.reconnecting {
			return m, nil
		}
		if !m.client.Connected() {
			m.reconnecting = true
			m.status = "reconnecting…"
			logging.UIDebug("poll tick while offline, reconnecting")
			return m, m.connectCmd()
		}
		m.polling = true
		return m, m.fetchCmd(false)

	case fetchResultMsg:
		m.polling = false
		if msg.err != nil {
			m.err = msg.err
			if logger != nil {
				logger.Debug("poll failed", zap.Error(msg.err))
			}
		} else {
			m.err = nil
		}
		m.applyMessages(msg.msgs, !msg.all)
		return m, m.tickCmd()

	case sendResultMsg:
		m.sending = false
		if msg.err != nil {
			m.err = fmt.Errorf("send to %s: %w", msg.recipient, msg.err)
			if m.input.Value() == "" {
				m.input.SetValue(msg.text)
			}
			if errors.Is(msg.err, messenger.ErrNotConnected) && !m.reconnecting {
				m.reconnecting = true
				return m, m.connectCmd()
			}
			return m, nil
		}
		m.err = nil
		m.status = "sent to " + msg.recipient
		m.refreshContacts()
		return m, nil

	case notebookChangedMsg:
		m.refreshContacts()
		return m, nil
	}

	var cmd tea.Cmd
	if m.adding {
		m.addInput, cmd = m.addInput.Update(msg)
	} else {
		m.input, cmd = m.input.Update(msg)
	}
	return m, cmd
}

func (m chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyCtrlU:
		m.showUsage = !m.showUsage
		logging.UIDebug("usage page visible=%v", m.showUsage)
		if m.showUsage {
			m.usagePage.Refresh()
		}
		return m, nil
	}

	if m.showUsage {
		if msg.Type == tea.KeyEsc || msg.String() == "q" {
			m.showUsage = false
			return m, nil
		}
		var cmd tea.Cmd
		m.usagePage, cmd = m.usagePage.Update(msg)
		return m, cmd
	}

	if m.adding {
		return m.handleAddKey(msg)
	}

	if msg.Type == tea.KeyTab {
		m.setFocus(1 - m.focus)
		return m, nil
	}

	if m.focus == focusCompose {
		switch msg.Type {
		case tea.KeyEsc:
			m.setFocus(focusContacts)
			return m, nil
		case tea.KeyEnter:
			return m.handleSubmit()
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.thread, cmd = m.thread.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "up", "k":
		m.contacts.Up()
		m.refreshThread()
	case "down", "j":
		m.contacts.Down()
		m.refreshThread()
	case "enter", "right", "l":
		if m.contacts.Selected() != "" {
			m.setFocus(focusCompose)
		}
	case "a":
		m.adding = true
		m.addInput.Reset()
		return m, m.addInput.Focus()
	case "r":
		if !m.polling && m.client.Connected() {
			m.polling = true
			m.status = "refreshing…"
			return m, m.fetchCmd(true)
		}
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.thread, cmd = m.thread.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m chatModel) handleAddKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.adding = false
		m.addInput.Blur()
		return m, nil
	case tea.KeyEnter:
		name := strings.TrimSpace(m.addInput.Value())
		m.adding = false
		m.addInput.Blur()
		if name == "" {
			return m, nil
		}
		if name == m.client.Username() {
			m.err = errors.New("cannot add yourself as a contact")
			return m, nil
		}
		if err := m.nb.AddContactAndMessage(m.notebookPath, name, notebook.ChatEntry{}); err != nil {
			m.err = err
			return m, nil
		}
		m.err = nil
		m.status = "added " + name
		m.contacts.SetItems(m.nb.ContactsList())
		m.contacts.Select(name)
		m.refreshThread()
		m.setFocus(focusCompose)
		return m, nil
	}
	var cmd tea.Cmd
	m.addInput, cmd = m.addInput.Update(msg)
	return m, cmd
}

func (m chatModel) handleSubmit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	recipient := m.contacts.Selected()
	if text == "" || m.sending {
		return m, nil
	}
	if recipient == "" {
		m.err = messenger.ErrNoRecipient
		return m, nil
	}
	m.sending = true
	m.status = "sending…"
	m.input.Reset()
	return m, m.sendCmd(text, recipient)
}

func (m *chatModel) setFocus(f focusPane) {
	if m.focus != f {
		logging.UIDebug("focus %d -> %d", m.focus, f)
	}
	m.focus = f
	if f == focusCompose {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

// applyMessages updates unread badges and redraws after a fetch.
func (m *chatModel) applyMessages(msgs []protocol.DirectMessage, unread bool) {
	m.contacts.SetItems(m.nb.ContactsList())
	if unread {
		counts := make(map[string]int)
		for _, dm := range msgs {
			if dm.Direction() == protocol.Received {
				counts[dm.Contact()]++
			}
		}
		for name, n := range counts {
			m.contacts.MarkUnread(name, n)
		}
		if len(counts) > 0 {
			m.status = fmt.Sprintf("%d new message(s)", len(msgs))
		}
	} else if len(msgs) > 0 || m.status == "refreshing…" {
		m.status = fmt.Sprintf("loaded %d message(s)", len(msgs))
	}
	m.refreshThread()
}

func (m *chatModel) refreshContacts() {
	m.contacts.SetItems(m.nb.ContactsList())
	m.refreshThread()
}

func (m *chatModel) refreshThread() {
	sel := m.contacts.Selected()
	var entries []notebook.ChatEntry
	if sel != "" {
		entries = m.nb.History(sel)
	}
	m.thread.SetContent(ui.RenderThread(m.styles, m.client.Username(), sel, entries, m.thread.Width))
	m.thread.GotoBottom()
}

// layout sizes the panes for the current window.
func (m *chatModel) layout() {
	sidebar := m.sidebarWidth()
	mainWidth := max(m.width-sidebar, 20)
	bodyHeight := max(m.height-headerHeight-footerHeight, 6)

	m.thread.Width = max(mainWidth-4, 10)
	m.thread.Height = max(bodyHeight-inputHeight-2, 3)
	m.input.Width = max(mainWidth-8, 10)
	m.usagePage.SetSize(max(m.width-4, 20), max(bodyHeight-2, 3))
	m.refreshThread()
}

func (m chatModel) sidebarWidth() int {
	return min(max(m.width/4, 16), 30)
}

func (m chatModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	header := m.renderHeader()
	bodyHeight := max(m.height-headerHeight-footerHeight, 6)

	var body string
	if m.showUsage {
		body = ui.Frame(m.styles, m.usagePage.View(), m.width, bodyHeight, true)
	} else {
		sidebar := m.sidebarWidth()
		mainWidth := max(m.width-sidebar, 20)

		list := ui.Frame(m.styles,
			m.contacts.View(m.styles, sidebar-4, bodyHeight-2, m.focus == focusContacts && !m.adding),
			sidebar, bodyHeight, m.focus == focusContacts)

		compose := m.input.View()
		if m.adding {
			compose = m.addInput.View()
		}
		right := lipgloss.JoinVertical(lipgloss.Left,
			ui.Frame(m.styles, m.thread.View(), mainWidth, bodyHeight-inputHeight, false),
			ui.Frame(m.styles, compose, mainWidth, inputHeight, m.focus == focusCompose || m.adding),
		)
		body = ui.JoinColumns(list, right)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.renderFooter())
}

func (m chatModel) renderHeader() string {
	title := m.styles.Header.Render("dsm")
	user := m.styles.Bold.Render(" " + m.client.Username())

	var state string
	if m.client.Connected() {
		state = m.styles.Success.Render("● online")
	} else {
		state = m.styles.Warning.Render("● offline")
	}
	line := lipgloss.JoinHorizontal(lipgloss.Center, title, user, "  ", state)
	if sel := m.contacts.Selected(); sel != "" && !m.showUsage {
		line += m.styles.Muted.Render("  ↔ " + sel)
	}
	return lipgloss.JoinVertical(lipgloss.Left, line, m.styles.RenderDivider(m.width))
}

func (m chatModel) renderFooter() string {
	var left string
	if m.err != nil {
		left = m.styles.Error.Render(m.err.Error())
	} else {
		left = m.styles.Info.Render(m.status)
	}

	var help string
	switch {
	case m.showUsage:
		help = "esc: back • ctrl+u: close"
	case m.adding:
		help = "enter: add • esc: cancel"
	case m.focus == focusCompose:
		help = "enter: send • esc/tab: contacts • ctrl+u: usage • ctrl+c: quit"
	default:
		help = "↑/↓: select • enter: chat • a: add • r: refresh • ctrl+u: usage • q: quit"
	}
	if line := ui.StatusLine(m.tracker); line != "" {
		help = line + " • " + help
	}
	return m.styles.Footer.Render(left + "  " + m.styles.Muted.Render(help))
}

// Commands

func (m chatModel) connectCmd() tea.Cmd {
	client, timeout := m.client, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return connectResultMsg{err: client.Connect(ctx)}
	}
}

func (m chatModel) fetchCmd(all bool) tea.Cmd {
	client, timeout := m.client, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fetch := client.RetrieveNew
		if all {
			fetch = client.RetrieveAll
		}
		msgs, err := fetch(ctx)
		return fetchResultMsg{msgs: msgs, all: all, err: err}
	}
}

func (m chatModel) sendCmd(text, recipient string) tea.Cmd {
	client, timeout := m.client, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return sendResultMsg{recipient: recipient, text: text, err: client.Send(ctx, text, recipient)}
	}
}

func (m chatModel) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return pollTickMsg(t)
	})
}

func runChat(cmd *cobra.Command, args []string) error {
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	styles := ui.NewStyles(ui.ThemeFor(cfg.UI.Theme))
	timeout := cfg.GetDialTimeout() + cfg.GetRequestTimeout()
	model := newChatModel(s.dm, s.nb, cfg.NotebookPath(), s.tracker, styles, cfg.GetPollInterval(), timeout)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	w, err := notebook.NewWatcher(cfg.NotebookPath(), func(disk *notebook.Notebook, err error) {
		if err != nil {
			logger.Debug("notebook reload failed", zap.Error(err))
			return
		}
		if n := s.nb.Merge(disk); n > 0 {
			p.Send(notebookChangedMsg{entries: n})
		}
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := w.Start(gctx); err != nil {
		logger.Warn("notebook watcher disabled", zap.Error(err))
	}
	g.Go(func() error {
		defer cancel()
		_, err := p.Run()
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		w.Stop()
		return nil
	})
	return g.Wait()
}
