package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/puyokura/boardchat/model"
	"github.com/puyokura/boardchat/sio"
	"github.com/puyokura/boardchat/transport"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64

	anonymous = "Anonymous"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Protocol is the wire variant a client speaks.
type Protocol int

const (
	ProtoRaw Protocol = iota
	ProtoSocketIO
	ProtoTCP
)

func (p Protocol) String() string {
	switch p {
	case ProtoSocketIO:
		return "socketio"
	case ProtoTCP:
		return "tcp"
	}
	return "websocket"
}

// Client is a middleman between the connection and the hub. Websocket
// clients use conn, line protocol clients use nc.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	nc    net.Conn
	proto Protocol
	id    string

	// Buffered channel of outbound frames.
	send chan []byte

	// Owned by the hub goroutine.
	name string
	left bool
}

// Board is the ordered chat log. The hub goroutine appends; any goroutine
// may read a snapshot.
type Board struct {
	mu       sync.RWMutex
	messages []model.Message
	store    Store
	logger   zerolog.Logger
}

func NewBoard(store Store, initial []model.Message, logger zerolog.Logger) *Board {
	if initial == nil {
		initial = []model.Message{}
	}
	return &Board{messages: initial, store: store, logger: logger}
}

// Append stamps m when it has no timestamp and persists it. Persist
// failures are logged.
func (b *Board) Append(m model.Message) model.Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = model.NewTimestamp(time.Now())
	}
	b.mu.Lock()
	b.messages = append(b.messages, m)
	b.mu.Unlock()
	if b.store != nil {
		if err := b.store.Append(m); err != nil {
			b.logger.Error().Err(err).Msg("[board] persist failed")
		}
	}
	return m
}

func (b *Board) Snapshot() []model.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]model.Message{}, b.messages...)
}

func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

type actionKind int

const (
	actRegister actionKind = iota
	actText
	actImage
	actAssistant
	actAssistantReply
)

// action is one inbound request, decoded from either wire variant.
type action struct {
	client *Client
	kind   actionKind
	// username is the name carried by the request itself (Socket.IO
	// events echo it); empty for raw frames.
	username string
	text     string
	image    string
	prompt   string
}

// Hub maintains the set of active clients and broadcasts the board to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	actions    chan action
	control    chan func()

	board     *Board
	config    *Config
	assistant Assistant
	logger    zerolog.Logger

	// ctx bounds the hub's lifetime.
	ctx context.Context
	// wg tracks assistant calls in flight.
	wg sync.WaitGroup
}

func NewHub(ctx context.Context, board *Board, config *Config, assistant Assistant, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		actions:    make(chan action, 16),
		control:    make(chan func()),
		board:      board,
		config:     config,
		assistant:  assistant,
		logger:     logger,
		ctx:        ctx,
	}
}

// Run owns the client set until the hub's context ends, then closes every
// client.
func (h *Hub) Run() error {
	defer func() {
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.wg.Wait()
	}()
	for {
		select {
		case <-h.ctx.Done():
			return nil
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Info().Str("client", client.id).Str("proto", client.proto.String()).Msg("[hub] client connected")
			switch client.proto {
			case ProtoSocketIO:
				h.sendBoard(client)
			case ProtoRaw:
				h.broadcast()
			}
		case client := <-h.unregister:
			h.remove(client)
			if !client.left {
				client.left = true
				name := client.name
				if name == "" {
					name = anonymous
				}
				h.logger.Info().Str("client", client.id).Str("username", name).Msg("[hub] client disconnected")
				h.notice(name + " left.")
			}
		case a := <-h.actions:
			h.handle(a)
		case fn := <-h.control:
			fn()
		}
	}
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) handle(a action) {
	c := a.client
	switch a.kind {
	case actRegister:
		name := strings.TrimSpace(a.username)
		if name == "" {
			return
		}
		if model.IsReservedName(name) || h.config.IsBanned(name) {
			h.logger.Info().Str("username", name).Msg("[hub] refused username")
			c.left = true
			h.drop(c)
			return
		}
		c.name = name
		h.logger.Info().Str("client", c.id).Str("username", name).Msg("[hub] username set")
		if c.proto == ProtoTCP {
			h.deliver(c, transport.EncodeLine(transport.LineNameAck, name))
		}
		h.notice(name + " joined.")
	case actText:
		if strings.TrimSpace(a.text) == "" {
			return
		}
		name := h.sender(a)
		h.logger.Info().Str("username", name).Msg("[hub] message")
		h.post(model.Message{Username: name, Message: a.text})
	case actImage:
		data := strings.TrimSpace(model.StripDataURI(a.image))
		if data == "" {
			return
		}
		name := h.sender(a)
		h.logger.Info().Str("username", name).Int("bytes", len(data)).Msg("[hub] image")
		h.post(model.Message{Username: name, ImageData: data})
	case actAssistant:
		if a.prompt == "" {
			return
		}
		h.logger.Info().Str("username", h.sender(a)).Str("prompt", a.prompt).Msg("[hub] assistant request")
		h.askAssistant(a.prompt)
	case actAssistantReply:
		h.post(model.Message{Username: model.AssistantName, Message: a.text})
	}
}

// sender prefers the name carried by the request, then the registered name.
// Reserved names in a request are ignored.
func (h *Hub) sender(a action) string {
	if name := strings.TrimSpace(a.username); name != "" && !model.IsReservedName(name) {
		return name
	}
	if a.client != nil && a.client.name != "" {
		return a.client.name
	}
	return anonymous
}

// askAssistant runs the call off the hub goroutine and posts the reply back.
func (h *Hub) askAssistant(userPrompt string) {
	prompt := BuildPrompt(h.board.Snapshot(), userPrompt)
	ctx := h.ctx
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		reply, err := h.assistant.Reply(ctx, prompt)
		if err != nil {
			h.logger.Error().Err(err).Msg("[hub] assistant call failed")
			reply = AssistantErrorReply
		}
		select {
		case h.actions <- action{kind: actAssistantReply, text: reply}:
		case <-ctx.Done():
		}
	}()
}

func (h *Hub) post(m model.Message) {
	h.board.Append(m)
	h.broadcast()
}

func (h *Hub) notice(text string) {
	h.post(model.Message{Username: model.ServerName, Message: text})
}

// boardFrames renders the board once per wire variant.
func (h *Hub) boardFrames() map[Protocol][]byte {
	msgs := h.board.Snapshot()
	payload, err := json.Marshal(msgs)
	if err != nil {
		h.logger.Error().Err(err).Msg("[hub] marshal board")
		return nil
	}
	raw, err := json.Marshal(transport.Envelope{Command: "BoardInfo", Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Msg("[hub] marshal envelope")
		return nil
	}
	socketio, err := sio.EncodeEvent("BoardInfo", map[string]json.RawMessage{"payload": payload})
	if err != nil {
		h.logger.Error().Err(err).Msg("[hub] encode event")
		return nil
	}
	return map[Protocol][]byte{
		ProtoRaw:      raw,
		ProtoSocketIO: socketio,
		ProtoTCP:      transport.EncodeLine(transport.LineBoardInfo, string(payload)),
	}
}

func (h *Hub) broadcast() {
	frames := h.boardFrames()
	if frames == nil {
		return
	}
	for client := range h.clients {
		h.deliver(client, frames[client.proto])
	}
}

func (h *Hub) sendBoard(client *Client) {
	if frames := h.boardFrames(); frames != nil {
		h.deliver(client, frames[client.proto])
	}
}

// deliver queues frame, dropping a client whose buffer is full.
func (h *Hub) deliver(client *Client, frame []byte) {
	select {
	case client.send <- frame:
	default:
		h.logger.Warn().Str("client", client.id).Msg("[hub] dropping slow client")
		h.remove(client)
	}
}

// drop disconnects client; Socket.IO clients get a DISCONNECT first.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	if client.proto == ProtoSocketIO {
		if frame, err := sio.EncodeSocket(sio.SocketDisconnect, nil); err == nil {
			select {
			case client.send <- frame:
			default:
			}
		}
	}
	h.remove(client)
}

// exec runs fn on the hub goroutine and waits for it.
func (h *Hub) exec(fn func()) {
	done := make(chan struct{})
	select {
	case h.control <- func() { fn(); close(done) }:
		<-done
	case <-h.ctx.Done():
	}
}

// KickUser disconnects every client registered as username.
func (h *Hub) KickUser(username string) bool {
	kicked := false
	h.exec(func() {
		for client := range h.clients {
			if client.name == username {
				h.drop(client)
				kicked = true
			}
		}
	})
	return kicked
}

// BroadcastSystemMessage appends a Server notice and broadcasts the board.
func (h *Hub) BroadcastSystemMessage(text string) {
	h.exec(func() { h.notice(text) })
}

// Online lists the registered names of connected clients.
func (h *Hub) Online() []string {
	var names []string
	h.exec(func() {
		for client := range h.clients {
			name := client.name
			if name == "" {
				name = anonymous
			}
			names = append(names, name)
		}
	})
	return names
}

func newClient(hub *Hub, conn *websocket.Conn, proto Protocol) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		proto: proto,
		id:    uuid.NewString(),
		send:  make(chan []byte, sendBuffer),
	}
}

// post hands a decoded request to the hub unless it is shutting down.
func (c *Client) post(a action) {
	a.client = c
	select {
	case c.hub.actions <- a:
	case <-c.hub.ctx.Done():
	}
}

func (c *Client) readPump(readTimeout time.Duration, handle func(data []byte) bool) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.hub.config.ReadLimit())
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(readTimeout)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client", c.id).Msg("[hub] read")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if !handle(message) {
			return
		}
	}
}

// writePump sends queued frames and keeps the connection alive with ping,
// which is a websocket control frame or an Engine.IO PING packet.
func (c *Client) writePump(ping func() error, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ping(); err != nil {
				return
			}
		}
	}
}

// serveWs handles raw websocket requests from the peer.
func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Debug().Err(err).Msg("[hub] upgrade")
		return
	}
	client := newClient(hub, conn, ProtoRaw)
	select {
	case hub.register <- client:
	case <-hub.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump(func() error {
		return conn.WriteMessage(websocket.PingMessage, nil)
	}, pingPeriod)
	go client.readPump(pongWait, func(data []byte) bool {
		if a, ok := decodeRaw(data); ok {
			client.post(a)
		} else {
			hub.logger.Debug().Str("client", client.id).Msg("[hub] ignoring frame")
		}
		return true
	})
}
