// Package transport connects a chat session to a board server. Three wire
// variants are provided behind one interface: a raw websocket carrying a
// {command, payload} envelope, a Socket.IO channel, and a plain TCP line
// protocol.
package transport

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/puyokura/boardchat/model"
)

const (
	DefaultPort      = "8765"
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

var (
	ErrNotOpen          = errors.New("transport: connection is not open")
	ErrUnknownCommand   = errors.New("transport: unknown command")
	ErrUnknownTransport = errors.New("transport: unknown transport kind")
	ErrEmptyAddress     = errors.New("transport: empty server address")
)

// Event is delivered to handlers registered with OnEvent.
type Event struct {
	Name     model.EventName
	Messages []model.Message // set for EventSnapshot
	Err      error           // cause of an EventDisconnect, nil on a clean close
}

// Handler receives events on the transport's read goroutine.
type Handler func(Event)

// Transport is one connection to a chat server.
type Transport interface {
	// Open dials the server and completes any handshake. It honours ctx.
	Open(ctx context.Context) error
	// Send writes one command. It returns ErrNotOpen before Open or after
	// the connection is gone.
	Send(cmd model.Command, p model.Payload) error
	// OnEvent registers h for events called name. Register before Open.
	OnEvent(name model.EventName, h Handler)
	// Close ends the connection. The disconnect event still fires once.
	Close() error
}

// Kind selects a wire variant.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindSocketIO  Kind = "socketio"
	KindTCP       Kind = "tcp"
)

// Kinds lists the supported variants.
func Kinds() []Kind {
	return []Kind{KindWebSocket, KindSocketIO, KindTCP}
}

// ParseKind accepts the variant names plus a few common spellings.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "websocket", "ws":
		return KindWebSocket, nil
	case "socketio", "socket.io", "sio":
		return KindSocketIO, nil
	case "tcp", "line":
		return KindTCP, nil
	}
	return "", errors.Wrapf(ErrUnknownTransport, "%q", s)
}

type options struct {
	logger zerolog.Logger
	dialer *websocket.Dialer
	header http.Header
}

// Option configures a transport.
type Option func(*options)

// WithLogger sets the logger used for diagnostic traces.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDialer replaces websocket.DefaultDialer, e.g. to configure TLS.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHeader adds request headers to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h.Clone() }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: log.Logger,
		dialer: websocket.DefaultDialer,
		header: http.Header{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds an unopened transport of the given kind for addr.
func New(kind Kind, addr string, opts ...Option) (Transport, error) {
	switch kind {
	case KindWebSocket:
		return NewWebSocket(addr, opts...)
	case KindSocketIO:
		return NewSocketIO(addr, opts...)
	case KindTCP:
		return NewTCP(addr, opts...)
	}
	return nil, errors.Wrapf(ErrUnknownTransport, "%q", kind)
}

// NormalizeURL turns a user-entered server address into a websocket URL.
// Bare hosts get the ws scheme, http(s) maps to ws(s), a missing port
// becomes DefaultPort and an empty path becomes defaultPath.
func NormalizeURL(addr, defaultPath string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, ErrEmptyAddress
	}
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errors.Wrap(err, "parse server address")
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Errorf("missing host in %q", addr)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultPort)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultPath
	}
	return u, nil
}

// handlers is the registry shared by both adapters.
type handlers struct {
	mu sync.RWMutex
	m  map[model.EventName][]Handler
}

func (h *handlers) add(name model.EventName, fn Handler) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = map[model.EventName][]Handler{}
	}
	h.m[name] = append(h.m[name], fn)
}

func (h *handlers) emit(ev Event) {
	h.mu.RLock()
	fns := append([]Handler(nil), h.m[ev.Name]...)
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// conn wraps a websocket connection with a write lock and a
// fire-once disconnect.
type conn struct {
	handlers
	logger zerolog.Logger

	wmu      sync.Mutex
	ws       *websocket.Conn
	closed   bool
	doneOnce sync.Once
}

func (c *conn) attach(ws *websocket.Conn) {
	c.wmu.Lock()
	c.ws = ws
	c.closed = false
	c.wmu.Unlock()
}

func (c *conn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.ws == nil || c.closed {
		return ErrNotOpen
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// shutdown sends prelude (if any) and a close frame, then closes the socket.
func (c *conn) shutdown(prelude []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.ws == nil || c.closed {
		return nil
	}
	c.closed = true
	deadline := time.Now().Add(writeWait)
	if prelude != nil {
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.WriteMessage(websocket.TextMessage, prelude)
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

// finish marks the connection dead and emits the disconnect event once.
func (c *conn) finish(cause error) {
	c.doneOnce.Do(func() {
		c.wmu.Lock()
		local := c.closed
		c.closed = true
		if c.ws != nil {
			_ = c.ws.Close()
		}
		c.wmu.Unlock()
		if local || isCleanClose(cause) {
			cause = nil
		}
		if cause != nil {
			c.logger.Debug().Err(cause).Msg("[transport] connection lost")
		} else {
			c.logger.Debug().Msg("[transport] connection closed")
		}
		c.emit(Event{Name: model.EventDisconnect, Err: cause})
	})
}

func isCleanClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

// dial applies ctx to the websocket handshake.
func dial(ctx context.Context, o options, u *url.URL) (*websocket.Conn, error) {
	ws, resp, err := o.dialer.DialContext(ctx, u.String(), o.header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s (status %d)", u.Redacted(), resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", u.Redacted())
	}
	return ws, nil
}
