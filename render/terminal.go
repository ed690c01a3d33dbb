package render

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"

	"github.com/puyokura/boardchat/model"
)

const fallbackWidth = 80

// Styles holds the lipgloss style of each entry class.
type Styles struct {
	Me     lipgloss.Style
	Server lipgloss.Style
	AI     lipgloss.Style
	Other  lipgloss.Style
	Meta   lipgloss.Style
	Image  lipgloss.Style
}

// DefaultStyles mirrors the chat bubble colours of the web client.
func DefaultStyles() Styles {
	bubble := lipgloss.NewStyle().Padding(0, 1)
	return Styles{
		Me:     bubble.Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#0B6E4F")),
		Server: lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")).Italic(true),
		AI:     bubble.Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#6A3FA0")),
		Other:  bubble.Foreground(lipgloss.Color("#000000")).Background(lipgloss.Color("#D9D9D9")),
		Meta:   lipgloss.NewStyle().Foreground(lipgloss.Color("#505050")),
		Image:  lipgloss.NewStyle().Italic(true),
	}
}

func (s Styles) body(c Class) lipgloss.Style {
	switch c {
	case ClassMe:
		return s.Me
	case ClassServer:
		return s.Server
	case ClassAI:
		return s.AI
	}
	return s.Other
}

// Log is the terminal chat log: a viewport that is repainted from scratch
// on every snapshot and kept scrolled to the newest entry.
type Log struct {
	viewport viewport.Model
	entries  []Entry
	username string
	loc      *time.Location
	styles   Styles
}

// NewLog creates a log of the given size.
func NewLog(width, height int) *Log {
	return &Log{
		viewport: viewport.New(width, height),
		loc:      time.Local,
		styles:   DefaultStyles(),
	}
}

// SetLocation changes the zone timestamps are shown in.
func (l *Log) SetLocation(loc *time.Location) {
	l.loc = loc
}

// SetStyles replaces the entry styles.
func (l *Log) SetStyles(s Styles) {
	l.styles = s
	l.repaint()
}

// SetSize resizes the viewport and reflows the entries.
func (l *Log) SetSize(width, height int) {
	l.viewport.Width = width
	l.viewport.Height = height
	l.repaint()
}

// RenderSnapshot clears the log and paints msgs in order.
func (l *Log) RenderSnapshot(currentUsername string, msgs []model.Message) {
	l.username = currentUsername
	l.entries = Entries(msgs, currentUsername, l.loc)
	l.repaint()
}

// AppendSystemMessage adds one local server notice.
func (l *Log) AppendSystemMessage(text string) {
	l.entries = append(l.entries, NewEntry(SystemMessage(text), l.username, l.loc))
	l.repaint()
}

// Entries returns the entries currently shown.
func (l *Log) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

// AtBottom reports whether the newest entry is in view.
func (l *Log) AtBottom() bool {
	return l.viewport.AtBottom()
}

// Update forwards scrolling input to the viewport.
func (l *Log) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	l.viewport, cmd = l.viewport.Update(msg)
	return cmd
}

func (l *Log) View() string {
	return l.viewport.View()
}

func (l *Log) repaint() {
	width := l.viewport.Width
	if width <= 0 {
		width = fallbackWidth
	}
	blocks := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		blocks = append(blocks, l.renderEntry(e, width))
	}
	l.viewport.SetContent(strings.Join(blocks, "\n"))
	l.viewport.GotoBottom()
}

func (l *Log) renderEntry(e Entry, width int) string {
	maxBody := width * 3 / 4
	if maxBody < 10 {
		maxBody = width
	}

	var body string
	if e.IsImage {
		body = l.styles.Image.Render(ImagePlaceholder(e.Image))
	} else {
		text := Sanitize(e.Text)
		style := l.styles.body(e.Class)
		if lipgloss.Width(text) > maxBody {
			style = style.Width(maxBody)
		}
		body = style.Render(text)
	}

	block := body
	if e.Meta != "" {
		block = lipgloss.JoinVertical(alignment(e.Class), body, l.styles.Meta.Render(Sanitize(e.Meta)))
	}
	return lipgloss.PlaceHorizontal(width, alignment(e.Class), block)
}

func alignment(c Class) lipgloss.Position {
	switch c {
	case ClassMe:
		return lipgloss.Right
	case ClassServer:
		return lipgloss.Center
	}
	return lipgloss.Left
}

// Sanitize strips escape sequences and control characters other than
// newline and tab, so message content cannot restyle the terminal.
func Sanitize(s string) string {
	s = ansi.Strip(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ImagePlaceholder describes an image payload in one line.
func ImagePlaceholder(data []byte) string {
	if len(data) == 0 {
		return "[unreadable image]"
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Sprintf("[image, %s]", humanize.Bytes(uint64(len(data))))
	}
	return fmt.Sprintf("[image %s %dx%d, %s]", format, cfg.Width, cfg.Height, humanize.Bytes(uint64(len(data))))
}
