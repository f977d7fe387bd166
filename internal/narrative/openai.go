package narrative

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/Yates-Labs/spoilerguard/internal/retry"
)

// OpenAILLM implements the LLM interface using OpenAI's chat completions API.
type OpenAILLM struct {
	client openai.Client
	config LLMConfig
	policy retry.Policy
}

// NewOpenAILLM creates an OpenAI-backed LLM implementation.
// Returns an error if the API key is missing or invalid.
func NewOpenAILLM(config LLMConfig, policy retry.Policy) (*OpenAILLM, error) {
	// Use config API key or fall back to environment variable
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: missing API key (set OPENAI_API_KEY or provide in config)", ErrInvalidConfig)
	}
	if config.Model == "" {
		return nil, fmt.Errorf("%w: missing model name", ErrInvalidConfig)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &OpenAILLM{
		client: openai.NewClient(opts...),
		config: config,
		policy: policy,
	}, nil
}

// Model returns the configured model identifier.
func (o *OpenAILLM) Model() string {
	return o.config.Model
}

// Generate sends the prompt to OpenAI and returns the generated text.
// Rate limits are retried under the configured policy; what remains after
// that is returned as a *SynthesisError.
func (o *OpenAILLM) Generate(ctx context.Context, prompt Prompt) (string, error) {
	if strings.TrimSpace(prompt.User) == "" {
		return "", fmt.Errorf("%w: prompt cannot be empty", ErrInvalidConfig)
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(o.config.Model),
		Messages: chatMessages(prompt),
	}

	// Set optional parameters if configured
	if o.config.Temperature > 0 {
		params.Temperature = openai.Float(o.config.Temperature)
	}
	if o.config.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(o.config.MaxTokens))
	}

	completion, err := retry.DoValue(ctx, o.policy, func(ctx context.Context) (*openai.ChatCompletion, error) {
		completion, err := o.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, retryableRateLimit(err)
		}
		return completion, nil
	})
	if err != nil {
		return "", ClassifyError(err)
	}

	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: no response generated", ErrLLMFailed)
	}

	return completion.Choices[0].Message.Content, nil
}

func chatMessages(prompt Prompt) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompt.History)+2)
	if prompt.System != "" {
		messages = append(messages, openai.SystemMessage(prompt.System))
	}
	for _, m := range prompt.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	return append(messages, openai.UserMessage(prompt.User))
}
