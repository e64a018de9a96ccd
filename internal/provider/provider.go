// Package provider holds the LLM collaborator used for loop-escalation
// judgment. The engine never performs the judgment itself; it only
// defines the contract and one OpenAI-compatible client.
package provider

import "context"

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a completion request.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

// ChatResponse is the parsed completion.
type ChatResponse struct {
	Content string `json:"content"`
}

// LLMProvider sends chat completions to a language model.
type LLMProvider interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	DefaultModel() string
}
