package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	name    string
	client  *http.Client
}

// NewOpenAI creates an OpenAI-compatible provider. An empty baseURL uses
// the public OpenAI API.
func NewOpenAI(name, baseURL, apiKey, model string, timeout time.Duration) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if name == "" {
		name = "openai"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		name:    name,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, req.Messages...)

	body, err := json.Marshal(openAIRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := p.doRequest(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	choice := gjson.GetBytes(resp, "choices.0")
	if !choice.Exists() {
		return nil, &ProviderError{Message: "response has no choices", Provider: p.name}
	}
	return &CompletionResponse{
		Content:      choice.Get("message.content").String(),
		Model:        gjson.GetBytes(resp, "model").String(),
		InputTokens:  int(gjson.GetBytes(resp, "usage.prompt_tokens").Int()),
		OutputTokens: int(gjson.GetBytes(resp, "usage.completion_tokens").Int()),
		StopReason:   choice.Get("finish_reason").String(),
	}, nil
}

func (p *OpenAIProvider) doRequest(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Message: err.Error(), Provider: p.name}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("read response: %v", err), Provider: p.name}
	}

	if resp.StatusCode >= 400 {
		msg := gjson.GetBytes(respBody, "error.message").String()
		if msg == "" {
			msg = truncate(string(respBody), 200)
		}
		return nil, &ProviderError{
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg),
			StatusCode: resp.StatusCode,
			Provider:   p.name,
		}
	}
	return respBody, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
