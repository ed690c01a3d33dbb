package main

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"github.com/puyokura/boardchat/model"
	"github.com/puyokura/boardchat/src/backend/message"
)

const (
	NotConfiguredReply  = "AI features are not configured."
	AssistantErrorReply = "An error occurred while calling the AI assistant."

	historyWindow = 20
	historyLines  = 10
)

// Assistant answers a fully built prompt.
type Assistant interface {
	Reply(ctx context.Context, prompt string) (string, error)
}

// BuildPrompt frames the recent text history and the user's request.
func BuildPrompt(board []model.Message, userPrompt string) string {
	history := message.Format(message.Transcript(board, historyWindow, historyLines))
	var b strings.Builder
	b.WriteString("You are a clever, friendly AI assistant helping with a group chat.\n")
	b.WriteString("Answer the request below, taking the chat history into account.\n")
	b.WriteString("Reply naturally, like another participant in the chat.\n\n")
	b.WriteString("--- Recent chat history ---\n")
	b.WriteString(history)
	b.WriteString("\n--- End of history ---\n\n")
	b.WriteString("--- Request ---\n")
	b.WriteString(userPrompt)
	b.WriteString("\n--- End of request ---\n\n")
	b.WriteString("Your reply as the AI assistant:")
	return b.String()
}

type unconfiguredAssistant struct{}

func (unconfiguredAssistant) Reply(context.Context, string) (string, error) {
	return NotConfiguredReply, nil
}

// GeminiAssistant calls the Gemini API.
type GeminiAssistant struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGeminiAssistant(ctx context.Context, apiKey, modelName string) (*GeminiAssistant, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrap(err, "gemini client")
	}
	return &GeminiAssistant{client: client, model: client.GenerativeModel(modelName)}, nil
}

func (g *GeminiAssistant) Reply(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", errors.Wrap(err, "generate content")
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	if b.Len() == 0 {
		return "", errors.New("gemini returned no text")
	}
	return b.String(), nil
}

func (g *GeminiAssistant) Close() error {
	return g.client.Close()
}

// newAssistant picks Gemini when apiKey is set.
func newAssistant(ctx context.Context, apiKey, modelName string) (Assistant, func()) {
	if apiKey == "" {
		log.Warn().Msg("[assistant] GEMINI_API_KEY is not set; AI features are disabled")
		return unconfiguredAssistant{}, func() {}
	}
	g, err := NewGeminiAssistant(ctx, apiKey, modelName)
	if err != nil {
		log.Error().Err(err).Msg("[assistant] init failed; AI features are disabled")
		return unconfiguredAssistant{}, func() {}
	}
	log.Info().Str("model", modelName).Msg("[assistant] gemini ready")
	return g, func() { _ = g.Close() }
}
