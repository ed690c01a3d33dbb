package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Reserved sender names.
const (
	ServerName    = "Server"
	AssistantName = "AI Assistant"
)

// IsReservedName reports whether name belongs to the server or the
// assistant and so cannot be taken by a participant.
func IsReservedName(name string) bool {
	return name == ServerName || name == AssistantName
}

// Message is one entry of the chat board as pushed by the server.
// Exactly one of Message and ImageData is meaningful.
type Message struct {
	Username  string    `json:"username"`
	Message   string    `json:"message,omitempty"`
	ImageData string    `json:"image_data,omitempty"` // base64, no data URI prefix
	Timestamp Timestamp `json:"timestamp,omitzero"`
}

// IsImage reports whether the record carries an image payload.
func (m Message) IsImage() bool {
	return m.ImageData != ""
}

// UnmarshalJSON never fails on a malformed record: fields with the wrong
// type are left empty, and a non-object value decodes to an empty Message.
func (m *Message) UnmarshalJSON(data []byte) error {
	*m = Message{}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	m.Username = stringField(fields, "username")
	m.Message = stringField(fields, "message")
	m.ImageData = stringField(fields, "image_data")
	if raw, ok := fields["timestamp"]; ok {
		_ = m.Timestamp.UnmarshalJSON(raw)
	}
	return nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// legacyLayout is what the original board server writes (local time, no zone).
const legacyLayout = "2006-01-02 15:04:05"

// Timestamp is a point in time that tolerates the formats seen on the wire.
// The zero value means "absent".
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts RFC 3339 and the legacy "YYYY-MM-DD HH:MM:SS" layout.
// Anything else leaves the timestamp absent.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	t.Time = ParseTime(s)
	return nil
}

// ParseTime parses s as RFC 3339 or the legacy layout in local time.
// It returns the zero time when neither matches.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts
	}
	if ts, err := time.ParseInLocation(legacyLayout, s, time.Local); err == nil {
		return ts
	}
	return time.Time{}
}

// Command is a client-to-server instruction.
type Command string

const (
	CommandRegister  Command = "register"
	CommandSendText  Command = "send-text"
	CommandSendImage Command = "send-image"
	CommandAssistant Command = "ai-help"
)

// Payload carries the arguments of a Command. Transports pick the fields
// their wire format needs.
type Payload struct {
	Username  string `json:"username,omitempty"`
	Message   string `json:"message,omitempty"`
	ImageData string `json:"image_data,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

// EventName names a server-to-client notification.
type EventName string

const (
	EventSnapshot   EventName = "history-snapshot"
	EventDisconnect EventName = "disconnect"
)

const dataURIMarker = ";base64,"

// StripDataURI returns the bare base64 part of a "data:<mime>;base64,<b64>"
// string, or s unchanged when it carries no such prefix.
func StripDataURI(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.Index(s, dataURIMarker); i >= 0 {
		return s[i+len(dataURIMarker):]
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return s
}

// PNGDataURI wraps bare base64 data into a PNG data URI.
func PNGDataURI(b64 string) string {
	return "data:image/png" + dataURIMarker + b64
}
