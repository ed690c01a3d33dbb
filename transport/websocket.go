package transport

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/pkg/errors"

	"github.com/puyokura/boardchat/model"
)

// Envelope commands of the raw websocket variant.
const (
	wsUserName  = "UserName"
	wsSend      = "Send"
	wsSendImage = "SendImage"
	wsAIHelp    = "AI_HELP"
	wsBoardInfo = "BoardInfo"
)

// Envelope is the frame exchanged by the raw websocket variant.
type Envelope struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// WebSocket speaks the raw {command, payload} protocol. The username is
// sent once at registration and not echoed on later commands.
type WebSocket struct {
	conn
	url    *url.URL
	opts   options
	opened bool
}

// NewWebSocket builds an unopened raw websocket transport.
func NewWebSocket(addr string, opts ...Option) (*WebSocket, error) {
	u, err := NormalizeURL(addr, "/")
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	t := &WebSocket{url: u, opts: o}
	t.logger = o.logger.With().Str("transport", string(KindWebSocket)).Logger()
	return t, nil
}

// URL is the endpoint the transport dials.
func (t *WebSocket) URL() string {
	return t.url.String()
}

func (t *WebSocket) OnEvent(name model.EventName, h Handler) {
	t.add(name, h)
}

func (t *WebSocket) Open(ctx context.Context) error {
	if t.opened {
		return errors.New("transport: already opened")
	}
	ws, err := dial(ctx, t.opts, t.url)
	if err != nil {
		return err
	}
	t.opened = true
	t.attach(ws)
	t.logger.Debug().Str("url", t.url.Redacted()).Msg("[transport] connected")
	go t.readLoop()
	return nil
}

func (t *WebSocket) readLoop() {
	for {
		t.wmu.Lock()
		ws := t.ws
		t.wmu.Unlock()
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.finish(err)
			return
		}
		t.handleFrame(data)
	}
}

func (t *WebSocket) handleFrame(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.logger.Debug().Err(err).Msg("[transport] invalid frame")
		return
	}
	if env.Command != wsBoardInfo {
		t.logger.Debug().Str("command", env.Command).Msg("[transport] ignoring command")
		return
	}
	t.emit(Event{Name: model.EventSnapshot, Messages: decodeBoard(env.Payload)})
}

// decodeBoard never fails: a payload that is not an array is an empty board.
func decodeBoard(raw json.RawMessage) []model.Message {
	var msgs []model.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return []model.Message{}
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs
}

func (t *WebSocket) Send(cmd model.Command, p model.Payload) error {
	frame, err := encodeEnvelope(cmd, p)
	if err != nil {
		return err
	}
	return t.write(frame)
}

func encodeEnvelope(cmd model.Command, p model.Payload) ([]byte, error) {
	var name, payload string
	switch cmd {
	case model.CommandRegister:
		name, payload = wsUserName, p.Username
	case model.CommandSendText:
		name, payload = wsSend, p.Message
	case model.CommandSendImage:
		name, payload = wsSendImage, model.PNGDataURI(p.ImageData)
	case model.CommandAssistant:
		name, payload = wsAIHelp, p.Prompt
	default:
		return nil, errors.Wrapf(ErrUnknownCommand, "%q", cmd)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	b, err := json.Marshal(Envelope{Command: name, Payload: raw})
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return b, nil
}

func (t *WebSocket) Close() error {
	return t.shutdown(nil)
}
