package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/puyokura/boardchat/render"
	"github.com/puyokura/boardchat/session"
)

type screen int

const (
	screenConnect screen = iota
	screenChat
)

// dispatchMsg carries work queued by transport goroutines onto Update.
type dispatchMsg func()

type connectedMsg struct {
	sess *session.Session
	err  error
}

type imageMsg struct {
	data []byte
	err  error
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#0B6E4F"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#B00020"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
)

type modelState struct {
	ctrl   *session.Controller
	sess   *session.Session
	log    *render.Log
	logger zerolog.Logger

	screen      screen
	serverInput textinput.Model
	nameInput   textinput.Model
	chatInput   textinput.Model
	status      string
	connecting  bool

	width int
	ready bool
}

func initialModel(ctrl *session.Controller, server, username string, logger zerolog.Logger) *modelState {
	si := textinput.New()
	si.Placeholder = "localhost:8765"
	si.Prompt = "Server: "
	si.SetValue(server)
	si.Focus()

	ni := textinput.New()
	ni.Placeholder = "your name"
	ni.Prompt = "Name:   "
	ni.CharLimit = 64
	ni.SetValue(username)

	ci := textinput.New()
	ci.Placeholder = "Type a message... (/image <path>, /ai <prompt>, /disconnect, /quit)"

	m := &modelState{
		ctrl:        ctrl,
		log:         render.NewLog(0, 0),
		logger:      logger,
		serverInput: si,
		nameInput:   ni,
		chatInput:   ci,
	}
	return m
}

// ShowChat, ShowConnectForm and ClearInput implement session.View. They
// run on the Update goroutine.
func (m *modelState) ShowChat() {
	m.screen = screenChat
	m.status = ""
	m.serverInput.Blur()
	m.nameInput.Blur()
	m.chatInput.Focus()
}

func (m *modelState) ShowConnectForm() {
	m.screen = screenConnect
	m.sess = nil
	m.connecting = false
	m.status = session.DisconnectNotice
	m.chatInput.Blur()
	m.chatInput.SetValue("")
	m.serverInput.Focus()
}

func (m *modelState) ClearInput() {
	m.chatInput.SetValue("")
}

// Init connects right away when both details were given up front.
func (m *modelState) Init() tea.Cmd {
	if strings.TrimSpace(m.serverInput.Value()) == "" || strings.TrimSpace(m.nameInput.Value()) == "" {
		return textinput.Blink
	}
	return tea.Batch(textinput.Blink, m.connectCmd())
}

func (m *modelState) Update(msg tea.Msg) (model tea.Model, cmd tea.Cmd) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			m.logger.Error().Interface("panic", r).Str("stack", string(buf[:n])).Msg("[ui] panic in Update")
			model, cmd = m, nil
		}
	}()

	switch msg := msg.(type) {
	case dispatchMsg:
		msg()
		return m, nil

	case connectedMsg:
		m.connecting = false
		switch {
		case errors.Is(msg.err, session.ErrMissingDetails):
			m.status = "Enter a server address and a name."
		case errors.Is(msg.err, session.ErrReservedName):
			m.status = reservedNameStatus
		case msg.err != nil:
			m.logger.Warn().Err(msg.err).Msg("[ui] connect failed")
		case msg.sess.Open():
			m.sess = msg.sess
		}
		return m, nil

	case imageMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
			return m, nil
		}
		if m.sess != nil && m.sess.SendImage(msg.data) {
			m.status = ""
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.ready = true
		m.log.SetSize(msg.Width, max(msg.Height-3, 1))
		m.serverInput.Width = msg.Width - len(m.serverInput.Prompt) - 1
		m.nameInput.Width = msg.Width - len(m.nameInput.Prompt) - 1
		m.chatInput.Width = msg.Width - len(m.chatInput.Prompt) - 1
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, m.quit()
		}
		if m.screen == screenConnect {
			return m.updateForm(msg)
		}
		return m.updateChat(msg)
	}

	if m.screen == screenChat {
		return m, m.log.Update(msg)
	}
	return m, nil
}

func (m *modelState) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyTab, tea.KeyShiftTab, tea.KeyUp, tea.KeyDown:
		if m.serverInput.Focused() {
			m.serverInput.Blur()
			m.nameInput.Focus()
		} else {
			m.nameInput.Blur()
			m.serverInput.Focus()
		}
		return m, nil
	case tea.KeyEnter:
		if m.connecting {
			return m, nil
		}
		return m, m.connectCmd()
	}

	var cmd tea.Cmd
	if m.serverInput.Focused() {
		m.serverInput, cmd = m.serverInput.Update(msg)
	} else {
		m.nameInput, cmd = m.nameInput.Update(msg)
	}
	return m, cmd
}

func (m *modelState) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyPgUp, tea.KeyPgDown:
		return m, m.log.Update(msg)
	case tea.KeyEnter:
		return m, m.submit(m.chatInput.Value())
	}
	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

// connectCmd runs Connect off the Update goroutine.
func (m *modelState) connectCmd() tea.Cmd {
	m.connecting = true
	m.status = "Connecting..."
	ctrl, server, name := m.ctrl, m.serverInput.Value(), m.nameInput.Value()
	return func() tea.Msg {
		s, err := connect(ctrl, server, name)
		return connectedMsg{sess: s, err: err}
	}
}

// submit handles one line of chat input.
func (m *modelState) submit(line string) tea.Cmd {
	in := parseInput(line)
	switch in.name {
	case "quit":
		return m.quit()
	case "connect":
		m.status = "Already connected. Use /disconnect first."
		return nil
	}
	if m.sess == nil {
		return nil
	}

	switch in.name {
	case "disconnect":
		m.ClearInput()
		if err := m.sess.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("[ui] close")
		}
	case "image":
		if in.arg == "" {
			return nil
		}
		m.ClearInput()
		path := in.arg
		return func() tea.Msg {
			data, err := readImage(path)
			return imageMsg{data: data, err: err}
		}
	case "ai":
		if m.sess.RequestAssistant(in.arg) {
			m.ClearInput()
		}
	default:
		m.sess.SendText(in.arg)
	}
	return nil
}

func (m *modelState) quit() tea.Cmd {
	if m.sess != nil {
		_ = m.sess.Close()
	}
	return tea.Quit
}

func (m *modelState) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	if m.screen == screenConnect {
		return m.formView()
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s",
		m.log.View(),
		borderStyle.Render(strings.Repeat("─", m.width)),
		m.chatInput.View(),
		statusStyle.Render(m.status),
	)
}

func (m *modelState) formView() string {
	var b strings.Builder
	b.WriteString("\n  ")
	b.WriteString(titleStyle.Render("boardchat"))
	b.WriteString("\n\n  ")
	b.WriteString(m.serverInput.View())
	b.WriteString("\n  ")
	b.WriteString(m.nameInput.View())
	b.WriteString("\n\n  ")
	b.WriteString(statusStyle.Render(m.status))
	b.WriteString("\n\n  ")
	b.WriteString(helpStyle.Render("tab: switch field • enter: connect • esc: quit"))
	b.WriteString("\n")
	return b.String()
}
