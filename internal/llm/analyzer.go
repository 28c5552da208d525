package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nous-labs/contextd/pkg/retry"
)

// Analyzer runs transcript analysis on a Provider. It implements
// analysis.Analyzer.
type Analyzer struct {
	Provider    Provider
	System      string
	MaxTokens   int
	Temperature float64
}

// Analyze sends the transcript as the user turn and returns the raw
// answer. Errors a retry cannot fix are marked permanent.
func (a *Analyzer) Analyze(ctx context.Context, transcript string) (string, error) {
	if a.Provider == nil {
		return "", retry.Permanent(ErrNoProvider)
	}
	if strings.TrimSpace(transcript) == "" {
		return "", retry.Permanent(errors.New("empty transcript"))
	}

	resp, err := a.Provider.Complete(ctx, CompletionRequest{
		System:      a.System,
		Messages:    []Message{{Role: "user", Content: transcript}},
		MaxTokens:   a.MaxTokens,
		Temperature: a.Temperature,
	})
	if err != nil {
		if !IsTransient(err) {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	slog.Debug("analysis complete",
		"provider", a.Provider.Name(),
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"stop_reason", resp.StopReason,
	)
	if resp.StopReason == "max_tokens" || resp.StopReason == "length" {
		slog.Warn("analysis output truncated", "provider", a.Provider.Name(), "output_tokens", resp.OutputTokens)
	}
	if resp.Content == "" {
		return "", fmt.Errorf("%s: empty analysis response", a.Provider.Name())
	}
	return resp.Content, nil
}
