package analysis

import (
	"context"
	"fmt"
	"strings"
)

// Analyzer runs the external analysis call on one compiled transcript and
// returns its raw output. Implementations should mark errors that will not
// go away on retry with retry.Permanent.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (string, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, transcript string) (string, error)

// Analyze implements Analyzer.
func (f AnalyzerFunc) Analyze(ctx context.Context, transcript string) (string, error) {
	return f(ctx, transcript)
}

// SystemPrompt builds the instructions for the analysis model. owner is
// the person whose commitments are extracted; fallbackRecipient is what
// the model should use when no address is named.
func SystemPrompt(owner, fallbackRecipient string) string {
	if owner == "" {
		owner = "the account owner"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You summarize a chat conversation and extract the tasks %s committed to.\n\n", owner)
	b.WriteString("Rules:\n")
	fmt.Fprintf(&b, "- Include a task only when %s takes it on, either asked by someone else and agreeing, or in first person (\"I must\", \"I will\", \"I'll write\").\n", owner)
	fmt.Fprintf(&b, "- Do not include tasks %s hands to other people.\n", owner)
	b.WriteString("- Label each task with task_type \"e-mail\" when it means writing an email, otherwise \"action\".\n")
	b.WriteString("- For e-mail tasks also give recipient, subject and a short polite body in the language of the conversation.\n")
	if fallbackRecipient != "" {
		fmt.Fprintf(&b, "- When no recipient address is known use %q.\n", fallbackRecipient)
	}
	b.WriteString("- Conversations may be in any language; write titles in English.\n\n")
	b.WriteString("Answer exactly in this form:\n")
	b.WriteString("**Summary:** <one or two sentences>\n")
	b.WriteString("**Tasks:** <JSON>\n\n")
	b.WriteString("where <JSON> is an array of objects like\n")
	b.WriteString(`[{"is_task": "yes", "task_type": "action", "task_title": "Order materials for next week"},` + "\n")
	b.WriteString(` {"is_task": "yes", "task_type": "e-mail", "task_title": "Inform client about budget", "recipient": "client@example.com", "subject": "Project budget", "body": "..."}]` + "\n")
	b.WriteString(`or the single object {"is_task": "no"} when there are no tasks. Never use markdown lists for tasks.`)
	return b.String()
}
