package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/devflow-ai/devflow/pkg/config"
)

// AnthropicProvider dispatches requests to the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	name   string
}

// NewAnthropicProvider builds a provider from its configuration, resolving
// the API key from the configured environment variable.
func NewAnthropicProvider(name string, cfg *config.ProviderConfig) (*AnthropicProvider, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("provider %s: environment variable %s is empty", name, cfg.APIKeyEnv)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		name:   name,
	}, nil
}

// Name returns the configured provider name.
func (p *AnthropicProvider) Name() string { return p.name }

// Generate sends one Messages API call. SDK errors carrying an HTTP status
// are converted to StatusError so the dispatcher classifies them without
// depending on the SDK's error type.
func (p *AnthropicProvider) Generate(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxOutputTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return nil, err
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &ProviderResponse{
		Text:         text,
		Model:        string(message.Model),
		PromptTokens: int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}, nil
}
