// Package narrative turns retrieved transcript evidence into spoiler-safe
// answers. It defines a provider-agnostic LLM interface with an OpenAI
// implementation and a deterministic mock for tests, builds the system
// prompt, and checks answers for timestamp citations.
package narrative

import (
	"context"
	"errors"
)

var (
	ErrLLMFailed     = errors.New("LLM request failed")
	ErrInvalidConfig = errors.New("invalid LLM configuration")
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior conversational turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prompt is a complete LLM request: system instruction, prior turns and the
// new user message.
type Prompt struct {
	System  string
	History []Message
	User    string
}

// LLM defines the interface for interacting with language models.
// Implementations must be stateless and thread-safe.
type LLM interface {
	// Generate produces text for prompt using the configured model.
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// LLMConfig holds common configuration options for LLM providers.
type LLMConfig struct {
	// Model specifies the model identifier (e.g., "gpt-4o-mini")
	Model string

	// Temperature controls randomness (0 uses the provider default)
	Temperature float64

	// MaxTokens limits the response length (0 = use provider default)
	MaxTokens int

	// APIKey is the authentication key for the provider
	APIKey string

	// BaseURL overrides the provider endpoint.
	BaseURL string
}

// DefaultLLMConfig returns the defaults used for answering questions.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Model:       "gpt-4o-mini",
		Temperature: 0.3,
		MaxTokens:   700,
	}
}
