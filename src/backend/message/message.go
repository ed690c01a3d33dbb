// Package message builds the role-tagged transcript the assistant is
// prompted with.
package message

import (
	"strings"

	"github.com/puyokura/boardchat/model"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// NewUserMessage は参加者の発言を表すメッセージを作成します。
func NewUserMessage(name, content string) Message {
	return Message{Role: RoleUser, Name: name, Content: content}
}

// NewAssistantMessage はアシスタントの発言を表すメッセージを作成します。
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Name: model.AssistantName, Content: content}
}

// FromBoard converts a board record. Images and empty records are skipped.
func FromBoard(m model.Message) (Message, bool) {
	if m.IsImage() || m.Message == "" {
		return Message{}, false
	}
	if m.Username == model.AssistantName {
		return NewAssistantMessage(m.Message), true
	}
	name := m.Username
	if name == "" {
		name = "Unknown"
	}
	return NewUserMessage(name, m.Message), true
}

// Transcript picks up to maxLines text messages from the last window board
// entries, newest first, and returns them oldest first.
func Transcript(board []model.Message, window, maxLines int) []Message {
	if window > 0 && len(board) > window {
		board = board[len(board)-window:]
	}
	var picked []Message
	for i := len(board) - 1; i >= 0 && len(picked) < maxLines; i-- {
		if m, ok := FromBoard(board[i]); ok {
			picked = append(picked, m)
		}
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

// Format renders one "name: content" line per message.
func Format(lines []Message) string {
	var b strings.Builder
	for i, m := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Name)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
