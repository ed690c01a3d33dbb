package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/puyokura/boardchat/model"
)

// DefaultTCPPort is the port of the line protocol server.
const DefaultTCPPort = "12345"

// Commands of the TCP line protocol. Every line is "<command>:<payload>\n".
const (
	LineGreeting  = "Connection Start"
	LineUserName  = "UserName"
	LineNameAck   = "NameRecieved"
	LineSend      = "Send"
	LineEnd       = "End"
	LineBoardInfo = "BoardInfo"
)

var (
	lineEscaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)
	lineUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r")
)

// EncodeLine renders one line. Backslashes, CR and LF in payload are
// escaped so that a multi-line text body stays on one line.
func EncodeLine(cmd, payload string) []byte {
	return []byte(cmd + ":" + lineEscaper.Replace(payload) + "\n")
}

// DecodeLine splits a line, with or without its terminator, into command
// and unescaped payload. A line without a colon is a bare command.
func DecodeLine(line string) (cmd, payload string) {
	line = strings.TrimRight(line, "\r\n")
	cmd, payload, _ = strings.Cut(line, ":")
	return cmd, lineUnescaper.Replace(payload)
}

// NormalizeTCPAddr turns a user-entered address into host:port, adding
// DefaultTCPPort when the port is missing. A tcp:// prefix is accepted.
func NormalizeTCPAddr(addr string) (string, error) {
	addr = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(addr), "tcp://"), "/")
	if addr == "" {
		return "", ErrEmptyAddress
	}
	if strings.Contains(addr, "://") {
		return "", errors.Errorf("unsupported address %q", addr)
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), DefaultTCPPort), nil
}

// TCP speaks the newline-delimited line protocol. It only knows how to
// register and send text; images and assistant requests return
// ErrUnknownCommand. The websocket dialer and header options do not apply.
type TCP struct {
	handlers
	logger zerolog.Logger
	addr   string
	opened bool

	wmu      sync.Mutex
	nc       net.Conn
	closed   bool
	doneOnce sync.Once
}

// NewTCP builds an unopened line protocol transport.
func NewTCP(addr string, opts ...Option) (*TCP, error) {
	hostport, err := NormalizeTCPAddr(addr)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	t := &TCP{addr: hostport}
	t.logger = o.logger.With().Str("transport", string(KindTCP)).Logger()
	return t, nil
}

// Addr is the host:port the transport dials.
func (t *TCP) Addr() string {
	return t.addr
}

func (t *TCP) OnEvent(name model.EventName, h Handler) {
	t.add(name, h)
}

// Open dials and waits for the server's greeting.
func (t *TCP) Open(ctx context.Context) error {
	if t.opened {
		return errors.New("transport: already opened")
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", t.addr)
	}
	r := bufio.NewReader(nc)
	if err := t.awaitGreeting(ctx, nc, r); err != nil {
		_ = nc.Close()
		return err
	}
	t.opened = true
	t.wmu.Lock()
	t.nc = nc
	t.wmu.Unlock()
	t.logger.Debug().Str("addr", t.addr).Msg("[transport] connected")
	go t.readLoop(r)
	return nil
}

func (t *TCP) awaitGreeting(ctx context.Context, nc net.Conn, r *bufio.Reader) error {
	// A context deadline is enforced by the AfterFunc below.
	if _, ok := ctx.Deadline(); !ok {
		_ = nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	}
	defer func() { _ = nc.SetReadDeadline(time.Time{}) }()

	stop := context.AfterFunc(ctx, func() { _ = nc.SetReadDeadline(time.Now()) })
	defer stop()

	line, err := r.ReadString('\n')
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "tcp greeting")
		}
		return errors.Wrap(err, "read greeting")
	}
	if cmd, _ := DecodeLine(line); cmd != LineGreeting {
		return errors.Errorf("transport: unexpected greeting %q", strings.TrimSpace(line))
	}
	return nil
}

func (t *TCP) readLoop(r *bufio.Reader) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.finish(err)
			return
		}
		t.handleLine(line)
	}
}

func (t *TCP) handleLine(line string) {
	cmd, payload := DecodeLine(line)
	switch cmd {
	case LineBoardInfo:
		t.emit(Event{Name: model.EventSnapshot, Messages: decodeBoard(json.RawMessage(payload))})
	case LineNameAck:
		t.logger.Debug().Str("username", payload).Msg("[transport] name registered")
	default:
		t.logger.Debug().Str("command", cmd).Msg("[transport] ignoring line")
	}
}

func (t *TCP) Send(cmd model.Command, p model.Payload) error {
	line, err := encodeTCPLine(cmd, p)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.nc == nil || t.closed {
		return ErrNotOpen
	}
	_ = t.nc.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := t.nc.Write(line); err != nil {
		return errors.Wrap(err, "write line")
	}
	return nil
}

func encodeTCPLine(cmd model.Command, p model.Payload) ([]byte, error) {
	switch cmd {
	case model.CommandRegister:
		return EncodeLine(LineUserName, p.Username), nil
	case model.CommandSendText:
		return EncodeLine(LineSend, p.Message), nil
	}
	return nil, errors.Wrapf(ErrUnknownCommand, "%q over tcp", cmd)
}

// Close says End and closes the socket. The disconnect event follows from
// the read loop.
func (t *TCP) Close() error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.nc == nil || t.closed {
		return nil
	}
	t.closed = true
	_ = t.nc.SetWriteDeadline(time.Now().Add(writeWait))
	_, _ = t.nc.Write(EncodeLine(LineEnd, ""))
	return t.nc.Close()
}

func (t *TCP) finish(cause error) {
	t.doneOnce.Do(func() {
		t.wmu.Lock()
		local := t.closed
		t.closed = true
		if t.nc != nil {
			_ = t.nc.Close()
		}
		t.wmu.Unlock()
		if local || errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
			cause = nil
		}
		if cause != nil {
			t.logger.Debug().Err(cause).Msg("[transport] connection lost")
		} else {
			t.logger.Debug().Msg("[transport] connection closed")
		}
		t.emit(Event{Name: model.EventDisconnect, Err: cause})
	})
}
