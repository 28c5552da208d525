// Package llm provides the LLM providers used for transcript analysis.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"` // Anthropic-style system prompt
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "openai").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Chain tries providers in order and returns the first success.
type Chain struct {
	providers []Provider
}

// NewChain creates a fallback chain. Nil providers are skipped.
func NewChain(providers ...Provider) *Chain {
	c := &Chain{}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

// Name returns the name of the primary provider.
func (c *Chain) Name() string {
	if len(c.providers) == 0 {
		return "none"
	}
	return c.providers[0].Name()
}

// Len returns the number of providers in the chain.
func (c *Chain) Len() int {
	return len(c.providers)
}

// Complete implements Provider.
func (c *Chain) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if len(c.providers) == 0 {
		return nil, ErrNoProvider
	}
	var errs []error
	for i, p := range c.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		if i < len(c.providers)-1 {
			slog.Warn("llm provider failed, trying next", "provider", p.Name(), "error", err)
		}
	}
	return nil, errors.Join(errs...)
}

// ErrNoProvider is returned when no provider is configured.
var ErrNoProvider = &ProviderError{Message: "no llm provider configured"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

// Transient reports whether retrying the request may succeed. Network
// failures (no status), rate limits and server errors are transient.
func (e *ProviderError) Transient() bool {
	switch {
	case e.StatusCode == 0:
		return e != ErrNoProvider
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode >= 500:
		return true
	}
	return false
}

// IsTransient reports whether err is worth retrying. Errors that are not
// ProviderErrors are assumed transient. A joined error, such as the one a
// Chain returns when every provider failed, is transient if any of its
// parts is.
func IsTransient(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *ProviderError:
		return e.Transient()
	case interface{ Unwrap() []error }:
		for _, err := range e.Unwrap() {
			if IsTransient(err) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		if inner := e.Unwrap(); inner != nil {
			return IsTransient(inner)
		}
	}
	return true
}
