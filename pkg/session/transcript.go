package session

import "strings"

// Transcript joins the messages as "{sender}: {text}" lines in arrival order.
func Transcript(msgs []Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Line())
	}
	return strings.Join(lines, "\n")
}
