// Package render turns board messages into display entries. Classify,
// Meta and NewEntry are pure; Log and Plain are the presentation hosts.
package render

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/puyokura/boardchat/model"
)

// Class is the display classification of a message.
type Class string

const (
	ClassMe     Class = "me"
	ClassServer Class = "server"
	ClassAI     Class = "ai"
	ClassOther  Class = "other"
)

// Classify applies, in order: own message, server notice, assistant, other.
// An empty or reserved currentUsername never matches, so server notices
// and assistant replies keep their class.
func Classify(m model.Message, currentUsername string) Class {
	switch {
	case currentUsername != "" && !model.IsReservedName(currentUsername) && m.Username == currentUsername:
		return ClassMe
	case m.Username == model.ServerName:
		return ClassServer
	case m.Username == model.AssistantName:
		return ClassAI
	}
	return ClassOther
}

// DisplayName is empty for own messages and server notices.
func DisplayName(m model.Message, c Class) string {
	if c == ClassMe || c == ClassServer {
		return ""
	}
	return m.Username
}

// TimeLayout is the local time-of-day format of the meta line.
const TimeLayout = "15:04"

// FormatTimestamp renders ts in loc, or "" when ts is absent.
func FormatTimestamp(ts model.Timestamp, loc *time.Location) string {
	if ts.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.Local
	}
	return ts.In(loc).Format(TimeLayout)
}

// Meta joins the display name and timestamp with one space, trimmed.
func Meta(m model.Message, c Class, loc *time.Location) string {
	return strings.TrimSpace(DisplayName(m, c) + " " + FormatTimestamp(m.Timestamp, loc))
}

// Entry is one rendered message.
type Entry struct {
	Class Class
	Meta  string
	// Text is the plain body; empty for images and malformed records.
	Text string
	// IsImage is set when the record carried image_data, even if it failed
	// to decode. Image then holds the decoded bytes, or nil.
	IsImage bool
	Image   []byte
}

// NewEntry classifies and formats m. An image payload wins over text.
func NewEntry(m model.Message, currentUsername string, loc *time.Location) Entry {
	c := Classify(m, currentUsername)
	e := Entry{Class: c, Meta: Meta(m, c, loc)}
	if m.IsImage() {
		e.IsImage = true
		e.Image = DecodeImage(m.ImageData)
		return e
	}
	e.Text = m.Message
	return e
}

// Entries renders msgs in input order.
func Entries(msgs []model.Message, currentUsername string, loc *time.Location) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewEntry(m, currentUsername, loc))
	}
	return out
}

// DecodeImage decodes a standard or URL-safe base64 payload, tolerating a
// data URI prefix and missing padding. It returns nil when the payload is not base64.
func DecodeImage(data string) []byte {
	data = strings.TrimSpace(model.StripDataURI(data))
	if data == "" {
		return nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		if b, err := enc.DecodeString(data); err == nil {
			return b
		}
	}
	unpadded := strings.TrimRight(data, "=")
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(unpadded); err == nil {
			return b
		}
	}
	return nil
}

// SystemMessage builds the locally synthesised server notice.
func SystemMessage(text string) model.Message {
	return model.Message{Username: model.ServerName, Message: text}
}
