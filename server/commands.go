package main

import (
	"encoding/json"

	"github.com/puyokura/boardchat/model"
	"github.com/puyokura/boardchat/sio"
	"github.com/puyokura/boardchat/transport"
)

// decodeRaw maps a {command, payload} envelope to an action. The payload
// is a plain string for every command.
func decodeRaw(data []byte) (action, bool) {
	var env transport.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return action{}, false
	}
	var payload string
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return action{}, false
	}
	switch env.Command {
	case "UserName":
		return action{kind: actRegister, username: payload}, true
	case "Send":
		return action{kind: actText, text: payload}, true
	case "SendImage":
		return action{kind: actImage, image: payload}, true
	case "AI_HELP":
		return action{kind: actAssistant, prompt: payload}, true
	}
	return action{}, false
}

// decodeEvent maps a Socket.IO event to an action. Every event carries one
// object argument that echoes the sender's username.
func decodeEvent(p sio.Packet) (action, bool) {
	name, args, err := p.Event()
	if err != nil {
		return action{}, false
	}
	var body model.Payload
	if len(args) > 0 {
		// a malformed argument leaves every field empty
		_ = json.Unmarshal(args[0], &body)
	}
	switch name {
	case "SetUsername":
		return action{kind: actRegister, username: body.Username}, true
	case "SendMessage":
		return action{kind: actText, username: body.Username, text: body.Message}, true
	case "SendImage":
		return action{kind: actImage, username: body.Username, image: body.ImageData}, true
	case "RequestAI":
		return action{kind: actAssistant, username: body.Username, prompt: body.Prompt}, true
	}
	return action{}, false
}

// decodeLine maps a line protocol request to an action. End is handled by
// the read pump.
func decodeLine(line string) (action, bool) {
	cmd, payload := transport.DecodeLine(line)
	switch cmd {
	case transport.LineUserName:
		return action{kind: actRegister, username: payload}, true
	case transport.LineSend:
		return action{kind: actText, text: payload}, true
	}
	return action{}, false
}
