package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAnthropicModel is used when no model is configured.
const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicProvider implements the Provider interface for Claude and
// Anthropic-compatible APIs.
type AnthropicProvider struct {
	client  *anthropic.Client
	model   string
	name    string
	timeout time.Duration
}

// AnthropicOptions configures NewAnthropic.
type AnthropicOptions struct {
	APIKey string
	Model  string
	// BaseURL points at an Anthropic-compatible endpoint. Empty uses the
	// public API.
	BaseURL string
	// Name overrides the provider name in logs and errors.
	Name string
	// Timeout bounds a single request. Zero leaves it to the caller's context.
	Timeout time.Duration
}

// NewAnthropic creates a new Anthropic provider.
func NewAnthropic(opts AnthropicOptions) *AnthropicProvider {
	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	// Retries are owned by the dispatch queue.
	reqOpts = append(reqOpts, option.WithMaxRetries(0))

	client := anthropic.NewClient(reqOpts...)

	model := opts.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	return &AnthropicProvider{
		client:  &client,
		model:   model,
		name:    opts.Name,
		timeout: opts.Timeout,
	}
}

func (p *AnthropicProvider) Name() string {
	if p.name != "" {
		return p.name
	}
	return "anthropic"
}

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	var reqOpts []option.RequestOption
	if p.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(p.timeout))
	}

	// Streaming keeps long generations from hitting the SDK's
	// non-streaming timeout; chunks are accumulated into one message.
	stream := p.client.Messages.NewStreaming(ctx, params, reqOpts...)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, &ProviderError{
				Message:  fmt.Sprintf("stream accumulate: %v", err),
				Provider: p.Name(),
			}
		}
	}

	if err := stream.Err(); err != nil {
		pe := &ProviderError{
			Message:  err.Error(),
			Provider: p.Name(),
		}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			pe.StatusCode = apiErr.StatusCode
		}
		return nil, pe
	}

	var content string
	for _, block := range message.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += textBlock.Text
		}
	}

	return &CompletionResponse{
		Content:      content,
		Model:        string(message.Model),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		StopReason:   string(message.StopReason),
	}, nil
}
