package render

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/puyokura/boardchat/model"
)

// Plain writes entries as lines, for terminals without a TUI or for pipes.
// A snapshot is printed in full after a header line.
type Plain struct {
	mu       sync.Mutex
	w        io.Writer
	loc      *time.Location
	username string
	count    int
}

// NewPlain writes to w.
func NewPlain(w io.Writer) *Plain {
	return &Plain{w: w, loc: time.Local}
}

// SetLocation changes the zone timestamps are shown in.
func (p *Plain) SetLocation(loc *time.Location) {
	p.mu.Lock()
	p.loc = loc
	p.mu.Unlock()
}

func (p *Plain) RenderSnapshot(currentUsername string, msgs []model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.username = currentUsername
	p.count = 0
	fmt.Fprintf(p.w, "--- board (%d messages) ---\n", len(msgs))
	for _, e := range Entries(msgs, currentUsername, p.loc) {
		p.writeLocked(e)
	}
}

func (p *Plain) AppendSystemMessage(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLocked(NewEntry(SystemMessage(text), p.username, p.loc))
}

// Count is the number of entries written since the last snapshot header.
func (p *Plain) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Plain) writeLocked(e Entry) {
	fmt.Fprintln(p.w, FormatLine(e))
	p.count++
}

// FormatLine renders an entry as "[class] body (meta)".
func FormatLine(e Entry) string {
	body := Sanitize(e.Text)
	if e.IsImage {
		body = ImagePlaceholder(e.Image)
	}
	body = strings.ReplaceAll(body, "\n", "\n    ")
	line := fmt.Sprintf("[%s] %s", e.Class, body)
	if e.Meta != "" {
		line += " (" + Sanitize(e.Meta) + ")"
	}
	return line
}
