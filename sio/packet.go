// Package sio encodes and decodes the text frames of the Engine.IO v4 /
// Socket.IO v5 protocols as they travel over a websocket transport.
// Binary attachments are not supported.
package sio

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// EngineType is the leading digit of every Engine.IO packet.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// SocketType is the Socket.IO packet type carried inside an Engine.IO message.
type SocketType byte

const (
	SocketConnect      SocketType = '0'
	SocketDisconnect   SocketType = '1'
	SocketEvent        SocketType = '2'
	SocketAck          SocketType = '3'
	SocketConnectError SocketType = '4'
	SocketBinaryEvent  SocketType = '5'
	SocketBinaryAck    SocketType = '6'
)

var (
	ErrEmptyPacket       = errors.New("sio: empty packet")
	ErrBinaryUnsupported = errors.New("sio: binary packets are not supported")
	ErrNotEvent          = errors.New("sio: packet is not an event")
)

// Handshake is the payload of the Engine.IO OPEN packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// Packet is one decoded text frame. Socket fields are only set for
// EngineMessage packets.
type Packet struct {
	Engine    EngineType
	Socket    SocketType
	Namespace string
	AckID     *int
	Data      json.RawMessage
}

// Decode parses a text frame.
func Decode(frame []byte) (Packet, error) {
	if len(frame) == 0 {
		return Packet{}, ErrEmptyPacket
	}
	p := Packet{Engine: EngineType(frame[0])}
	if p.Engine < EngineOpen || p.Engine > EngineNoop {
		return Packet{}, errors.Errorf("sio: unknown engine packet type %q", frame[0])
	}
	rest := string(frame[1:])
	if p.Engine != EngineMessage {
		if rest != "" {
			p.Data = json.RawMessage(rest)
		}
		return p, nil
	}

	if rest == "" {
		return Packet{}, errors.Wrap(ErrEmptyPacket, "sio: message without socket type")
	}
	p.Socket = SocketType(rest[0])
	if p.Socket < SocketConnect || p.Socket > SocketBinaryAck {
		return Packet{}, errors.Errorf("sio: unknown socket packet type %q", rest[0])
	}
	if p.Socket == SocketBinaryEvent || p.Socket == SocketBinaryAck {
		return Packet{}, ErrBinaryUnsupported
	}
	rest = rest[1:]

	p.Namespace = "/"
	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = rest
			rest = ""
		} else {
			p.Namespace = rest[:end]
			rest = rest[end+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return Packet{}, errors.Wrap(err, "sio: ack id")
		}
		p.AckID = &id
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return Packet{}, errors.New("sio: invalid packet data")
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// Event splits an EVENT packet into its name and arguments.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Engine != EngineMessage || p.Socket != SocketEvent {
		return "", nil, ErrNotEvent
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil {
		return "", nil, errors.Wrap(err, "sio: event data")
	}
	if len(parts) == 0 {
		return "", nil, errors.New("sio: event without name")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, errors.Wrap(err, "sio: event name")
	}
	return name, parts[1:], nil
}

// Handshake decodes the payload of an OPEN packet.
func (p Packet) Handshake() (Handshake, error) {
	var hs Handshake
	if p.Engine != EngineOpen {
		return hs, errors.Errorf("sio: expected open packet, got %q", byte(p.Engine))
	}
	if err := json.Unmarshal(p.Data, &hs); err != nil {
		return hs, errors.Wrap(err, "sio: handshake")
	}
	return hs, nil
}

// ConnectError extracts the message of a CONNECT_ERROR packet.
func (p Packet) ConnectError() string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(p.Data)
}

// Encode renders an engine-level packet without socket framing.
func Encode(t EngineType, data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(t))
	return append(out, data...)
}

// EncodeOpen renders the OPEN packet sent by a server.
func EncodeOpen(hs Handshake) ([]byte, error) {
	if hs.Upgrades == nil {
		hs.Upgrades = []string{}
	}
	b, err := json.Marshal(hs)
	if err != nil {
		return nil, errors.Wrap(err, "sio: marshal handshake")
	}
	return Encode(EngineOpen, b), nil
}

// EncodeSocket renders a Socket.IO packet for the default namespace.
func EncodeSocket(t SocketType, data any) ([]byte, error) {
	out := []byte{byte(EngineMessage), byte(t)}
	if data == nil {
		return out, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "sio: marshal packet data")
	}
	return append(out, b...), nil
}

// EncodeConnect renders CONNECT; data is nil for a client and carries the
// sid for a server acknowledgement.
func EncodeConnect(data any) ([]byte, error) {
	return EncodeSocket(SocketConnect, data)
}

// EncodeEvent renders an EVENT packet `42["name",args...]`.
func EncodeEvent(name string, args ...any) ([]byte, error) {
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, name)
	parts = append(parts, args...)
	return EncodeSocket(SocketEvent, parts)
}
