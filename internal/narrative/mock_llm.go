package narrative

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockLLM is a deterministic LLM implementation for testing.
// It returns predictable responses based on prompt content.
type MockLLM struct {
	// Response is the fixed text returned by Generate.
	// If empty, a default response is generated from the prompt.
	Response string

	// Respond, if set, computes the response from the prompt.
	Respond func(Prompt) string

	// Error, if set, is returned by Generate instead of a response.
	Error error

	mu      sync.Mutex
	prompts []Prompt
}

// NewMockLLM creates a mock LLM with the given fixed response.
func NewMockLLM(response string) *MockLLM {
	return &MockLLM{Response: response}
}

// NewMockLLMWithError creates a mock LLM that always returns an error.
func NewMockLLMWithError(err error) *MockLLM {
	return &MockLLM{Error: err}
}

// Generate returns the configured response or generates a deterministic one.
func (m *MockLLM) Generate(ctx context.Context, prompt Prompt) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if m.Error != nil {
		return "", m.Error
	}
	if m.Respond != nil {
		return m.Respond(prompt), nil
	}
	if m.Response != "" {
		return m.Response, nil
	}
	return generateMockResponse(prompt), nil
}

// LastPrompt returns the most recent prompt passed to Generate.
func (m *MockLLM) LastPrompt() Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return Prompt{}
	}
	return m.prompts[len(m.prompts)-1]
}

// Calls returns how many times Generate ran.
func (m *MockLLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// generateMockResponse answers with the last evidence label in the system
// prompt, so a default mock answer is always cited.
func generateMockResponse(prompt Prompt) string {
	labels := citationPattern.FindAllString(prompt.System, -1)
	if len(labels) == 0 {
		return "I don't have enough context to answer that yet."
	}
	return fmt.Sprintf("Here is what the scene shows about %q %s.",
		strings.TrimSpace(prompt.User), labels[len(labels)-1])
}
