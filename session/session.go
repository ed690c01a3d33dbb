// Package session owns the lifecycle of one chat connection: it registers
// the username, forwards history snapshots to the renderer and turns user
// actions into outbound commands.
package session

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/puyokura/boardchat/model"
	"github.com/puyokura/boardchat/transport"
)

// DisconnectNotice is the local server notice appended when a session ends.
const DisconnectNotice = "Connection to the server was lost."

// ErrMissingDetails is returned by Connect when the server address or the
// username is blank.
var ErrMissingDetails = errors.New("session: server address and username are required")

// ErrReservedName is returned by Connect when the username is one of the
// names the server posts under.
var ErrReservedName = errors.New("session: username is reserved")

// Renderer paints the chat log.
type Renderer interface {
	RenderSnapshot(currentUsername string, msgs []model.Message)
	AppendSystemMessage(text string)
}

// View switches between the connection form and the chat screen.
type View interface {
	ShowChat()
	ShowConnectForm()
	ClearInput()
}

// Dialer builds an unopened transport for a server address.
type Dialer func(addr string) (transport.Transport, error)

// Controller creates sessions. Renderer and View are only touched from
// functions passed to Dispatch, or from the caller's own goroutine for the
// outbound Session methods.
type Controller struct {
	Dial     Dialer
	Renderer Renderer
	View     View
	// Dispatch runs fn on the UI event loop. Nil runs fn immediately.
	Dispatch func(fn func())
	Logger   zerolog.Logger
}

// NewController builds a controller with a synchronous dispatcher and the
// global logger.
func NewController(dial Dialer, r Renderer, v View) *Controller {
	return &Controller{
		Dial:     dial,
		Renderer: r,
		View:     v,
		Logger:   log.Logger,
	}
}

func (c *Controller) dispatch(fn func()) {
	if c.Dispatch == nil {
		fn()
		return
	}
	c.Dispatch(fn)
}

// Connect validates the details, shows the chat screen, opens the
// transport and registers username. It blocks until the handshake is done,
// so it must not run on the UI event loop itself.
//
// When the connection cannot be opened the disconnect notice is shown and
// the error is returned for logging.
func (c *Controller) Connect(ctx context.Context, addr, username string) (*Session, error) {
	addr = strings.TrimSpace(addr)
	username = strings.TrimSpace(username)
	if addr == "" || username == "" {
		return nil, ErrMissingDetails
	}
	if model.IsReservedName(username) {
		return nil, errors.Wrapf(ErrReservedName, "%q", username)
	}

	s := &Session{
		ID:       uuid.NewString(),
		Username: username,
		Addr:     addr,
		ctrl:     c,
	}
	s.logger = c.Logger.With().Str("session", s.ID).Str("server", addr).Logger()

	t, err := c.Dial(addr)
	if err != nil {
		c.dispatch(s.HandleDisconnect)
		return nil, errors.Wrap(err, "session: build transport")
	}
	s.transport = t

	t.OnEvent(model.EventSnapshot, func(ev transport.Event) {
		msgs := ev.Messages
		c.dispatch(func() { s.HandleSnapshot(msgs) })
	})
	t.OnEvent(model.EventDisconnect, func(ev transport.Event) {
		s.state.Store(stateEnded)
		if ev.Err != nil {
			s.logger.Info().Err(ev.Err).Msg("[session] connection lost")
		} else {
			s.logger.Info().Msg("[session] connection closed")
		}
		c.dispatch(s.HandleDisconnect)
	})

	c.dispatch(c.View.ShowChat)

	if err := t.Open(ctx); err != nil {
		c.dispatch(s.HandleDisconnect)
		return nil, errors.Wrapf(err, "session: open %s", addr)
	}
	// The read loop may already have reported a disconnect.
	if !s.state.CompareAndSwap(statePending, stateOpen) {
		s.logger.Info().Msg("[session] connection ended during open")
		return s, nil
	}
	s.logger.Info().Str("username", username).Msg("[session] connected")

	if err := t.Send(model.CommandRegister, model.Payload{Username: username}); err != nil {
		s.logger.Debug().Err(err).Msg("[session] register failed")
	}
	return s, nil
}

// Session is the context of one connection. It is discarded when the
// connection closes; a new Connect creates a new Session.
type Session struct {
	ID       string
	Username string
	Addr     string

	ctrl      *Controller
	transport transport.Transport
	logger    zerolog.Logger
	state     atomic.Int32
	ended     sync.Once
}

// Session states. A session only moves forward.
const (
	statePending int32 = iota
	stateOpen
	stateEnded
)

// Open reports whether the connection is usable.
func (s *Session) Open() bool {
	return s.state.Load() == stateOpen
}

// HandleSnapshot replaces the whole log with msgs.
func (s *Session) HandleSnapshot(msgs []model.Message) {
	s.ctrl.Renderer.RenderSnapshot(s.Username, msgs)
}

// HandleDisconnect appends the disconnect notice and returns to the
// connection form. Only the first call has an effect.
func (s *Session) HandleDisconnect() {
	s.ended.Do(func() {
		s.state.Store(stateEnded)
		s.ctrl.Renderer.AppendSystemMessage(DisconnectNotice)
		s.ctrl.View.ShowConnectForm()
	})
}

// SendText sends body unchanged and clears the input. Blank bodies and
// closed sessions are ignored.
func (s *Session) SendText(body string) bool {
	if strings.TrimSpace(body) == "" || !s.Open() {
		return false
	}
	if !s.send(model.CommandSendText, model.Payload{Username: s.Username, Message: body}) {
		return false
	}
	s.ctrl.View.ClearInput()
	return true
}

// SendImage sends data as padded standard base64.
func (s *Session) SendImage(data []byte) bool {
	if len(data) == 0 || !s.Open() {
		return false
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return s.send(model.CommandSendImage, model.Payload{Username: s.Username, ImageData: encoded})
}

// RequestAssistant asks the assistant to answer prompt.
func (s *Session) RequestAssistant(prompt string) bool {
	if prompt == "" || !s.Open() {
		return false
	}
	return s.send(model.CommandAssistant, model.Payload{Username: s.Username, Prompt: prompt})
}

// Close ends the connection. The disconnect notice follows through the
// transport's disconnect event.
func (s *Session) Close() error {
	if s.transport == nil {
		return nil
	}
	return errors.Wrap(s.transport.Close(), "session: close")
}

func (s *Session) send(cmd model.Command, p model.Payload) bool {
	if err := s.transport.Send(cmd, p); err != nil {
		s.logger.Debug().Err(err).Str("command", string(cmd)).Msg("[session] send failed")
		return false
	}
	return true
}
