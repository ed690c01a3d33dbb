package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/puyokura/boardchat/model"
	"github.com/puyokura/boardchat/sio"
)

// Socket.IO event names used by the board server.
const (
	sioSetUsername = "SetUsername"
	sioSendMessage = "SendMessage"
	sioSendImage   = "SendImage"
	sioRequestAI   = "RequestAI"
	sioBoardInfo   = "BoardInfo"
)

// ErrConnectRefused is returned when the server answers CONNECT_ERROR.
var ErrConnectRefused = errors.New("transport: socket.io connect refused")

// SocketIO speaks Socket.IO v5 over an Engine.IO v4 websocket. Every
// command echoes the username.
type SocketIO struct {
	conn
	url       *url.URL
	opts      options
	opened    bool
	handshake sio.Handshake
}

// NewSocketIO builds an unopened Socket.IO transport.
func NewSocketIO(addr string, opts ...Option) (*SocketIO, error) {
	u, err := NormalizeURL(addr, "/socket.io/")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()

	o := buildOptions(opts)
	t := &SocketIO{url: u, opts: o}
	t.logger = o.logger.With().Str("transport", string(KindSocketIO)).Logger()
	return t, nil
}

// URL is the endpoint the transport dials.
func (t *SocketIO) URL() string {
	return t.url.String()
}

// SID is the Engine.IO session id assigned by the server.
func (t *SocketIO) SID() string {
	return t.handshake.SID
}

func (t *SocketIO) OnEvent(name model.EventName, h Handler) {
	t.add(name, h)
}

func (t *SocketIO) Open(ctx context.Context) error {
	if t.opened {
		return errors.New("transport: already opened")
	}
	ws, err := dial(ctx, t.opts, t.url)
	if err != nil {
		return err
	}
	if err := t.handshakeOn(ctx, ws); err != nil {
		_ = ws.Close()
		return err
	}
	t.opened = true
	t.attach(ws)
	t.logger.Debug().Str("url", t.url.Redacted()).Str("sid", t.handshake.SID).Msg("[transport] connected")
	go t.readLoop(ws)
	return nil
}

// handshakeOn reads OPEN, sends CONNECT and waits for the acknowledgement.
// Events that arrive before the acknowledgement are delivered as usual.
func (t *SocketIO) handshakeOn(ctx context.Context, ws *websocket.Conn) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	_ = ws.SetReadDeadline(deadline)
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	stop := context.AfterFunc(ctx, func() { _ = ws.SetReadDeadline(time.Now()) })
	defer stop()

	p, err := readPacket(ws)
	if err != nil {
		return errors.Wrap(err, "read open packet")
	}
	hs, err := p.Handshake()
	if err != nil {
		return err
	}
	t.handshake = hs

	connect, err := sio.EncodeConnect(nil)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, connect); err != nil {
		return errors.Wrap(err, "write connect")
	}

	for {
		p, err := readPacket(ws)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "socket.io handshake")
			}
			return errors.Wrap(err, "await connect ack")
		}
		switch {
		case p.Engine == sio.EnginePing:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.TextMessage, sio.Encode(sio.EnginePong, nil))
		case p.Engine == sio.EngineClose:
			return errors.New("socket.io: server closed during handshake")
		case p.Engine != sio.EngineMessage:
		case p.Socket == sio.SocketConnect:
			return nil
		case p.Socket == sio.SocketConnectError:
			return errors.Wrap(ErrConnectRefused, p.ConnectError())
		case p.Socket == sio.SocketEvent:
			t.handleEvent(p)
		}
	}
}

func readPacket(ws *websocket.Conn) (sio.Packet, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return sio.Packet{}, err
	}
	return sio.Decode(data)
}

func (t *SocketIO) pingDeadline() time.Time {
	window := time.Duration(t.handshake.PingInterval+t.handshake.PingTimeout) * time.Millisecond
	if window <= 0 {
		return time.Time{}
	}
	return time.Now().Add(window)
}

func (t *SocketIO) readLoop(ws *websocket.Conn) {
	for {
		_ = ws.SetReadDeadline(t.pingDeadline())
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.finish(err)
			return
		}
		p, err := sio.Decode(data)
		if err != nil {
			t.logger.Debug().Err(err).Msg("[transport] invalid packet")
			continue
		}
		switch p.Engine {
		case sio.EnginePing:
			if err := t.write(sio.Encode(sio.EnginePong, nil)); err != nil {
				t.finish(err)
				return
			}
		case sio.EngineClose:
			t.finish(nil)
			return
		case sio.EngineMessage:
			switch p.Socket {
			case sio.SocketEvent:
				t.handleEvent(p)
			case sio.SocketDisconnect:
				t.finish(nil)
				return
			}
		}
	}
}

func (t *SocketIO) handleEvent(p sio.Packet) {
	name, args, err := p.Event()
	if err != nil {
		t.logger.Debug().Err(err).Msg("[transport] invalid event")
		return
	}
	if name != sioBoardInfo {
		t.logger.Debug().Str("event", name).Msg("[transport] ignoring event")
		return
	}
	var body struct {
		Payload json.RawMessage `json:"payload"`
	}
	if len(args) > 0 {
		_ = json.Unmarshal(args[0], &body)
	}
	t.emit(Event{Name: model.EventSnapshot, Messages: decodeBoard(body.Payload)})
}

func (t *SocketIO) Send(cmd model.Command, p model.Payload) error {
	frame, err := encodeSocketEvent(cmd, p)
	if err != nil {
		return err
	}
	return t.write(frame)
}

func encodeSocketEvent(cmd model.Command, p model.Payload) ([]byte, error) {
	switch cmd {
	case model.CommandRegister:
		return sio.EncodeEvent(sioSetUsername, map[string]string{"username": p.Username})
	case model.CommandSendText:
		return sio.EncodeEvent(sioSendMessage, map[string]string{"username": p.Username, "message": p.Message})
	case model.CommandSendImage:
		return sio.EncodeEvent(sioSendImage, map[string]string{"username": p.Username, "image_data": p.ImageData})
	case model.CommandAssistant:
		return sio.EncodeEvent(sioRequestAI, map[string]string{"username": p.Username, "prompt": p.Prompt})
	}
	return nil, errors.Wrapf(ErrUnknownCommand, "%q", cmd)
}

func (t *SocketIO) Close() error {
	bye, _ := sio.EncodeSocket(sio.SocketDisconnect, nil)
	return t.shutdown(bye)
}
