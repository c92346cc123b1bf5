// Package completion talks to an OpenAI-compatible chat completion endpoint.
package completion

import (
	"context"

	"keke-agent/internal/chat"
)

// Provider produces a reply for a list of turns.
type Provider interface {
	Complete(ctx context.Context, turns []chat.Turn, model string) (Result, error)
}

// Result is a single completion.
type Result struct {
	Text       string
	TokensUsed int
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, turns []chat.Turn, model string) (Result, error)

func (f ProviderFunc) Complete(ctx context.Context, turns []chat.Turn, model string) (Result, error) {
	return f(ctx, turns, model)
}

// wireMessage is one message in the request body.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
}

type choice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toWire(turns []chat.Turn) []wireMessage {
	out := make([]wireMessage, len(turns))
	for i, t := range turns {
		out[i] = wireMessage{Role: t.Role.String(), Content: t.Content}
	}
	return out
}
