package analysis

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"github.com/nous-labs/contextd/pkg/session"
)

var testDefaults = Defaults{Recipient: "drafts@example.com", BodyPrefix: "Task details:\n\n"}

func action(title string) session.TaskRecord {
	return session.TaskRecord{Kind: session.TaskAction, Title: title}
}

func email(title, to, subject, body string) session.TaskRecord {
	return session.TaskRecord{Kind: session.TaskEmail, Title: title, Recipient: to, Subject: subject, Body: body}
}

func TestParse(t *testing.T) {
	n := NewNormalizer(testDefaults)

	tests := []struct {
		name      string
		raw       string
		kind      Kind
		want      []session.TaskRecord
		malformed bool
	}{
		{
			name: "markdown answer with array",
			raw: `**Summary:** Szymon will prepare a strategy and send an email.
**Tasks:** [{"is_task": "yes", "task_type": "action", "task_title": "Prepare strategy for the meeting"}, {"is_task": "yes", "task_type": "e-mail", "task_title": "Inform client about budget", "recipient": "client@example.com", "subject": "Budget", "body": "Hello"}]`,
			kind: Tasks,
			want: []session.TaskRecord{
				action("Prepare strategy for the meeting"),
				email("Inform client about budget", "client@example.com", "Budget", "Hello"),
			},
		},
		{
			name: "no-task sentinel in markdown",
			raw:  `**Summary:** Kasia will handle it. **Tasks:** {"is_task": "no"}`,
			kind: NoTask,
		},
		{
			name: "bare sentinel",
			raw:  `{"is_task": "no"}`,
			kind: NoTask,
		},
		{
			name: "boolean sentinel",
			raw:  `{"is_task": false}`,
			kind: NoTask,
		},
		{
			name: "empty array",
			raw:  `[]`,
			kind: NoTask,
		},
		{
			name: "single object",
			raw:  `{"is_task": "yes", "task_type": "action", "task_title": "Plan the budget"}`,
			kind: Tasks,
			want: []session.TaskRecord{action("Plan the budget")},
		},
		{
			name: "wrapped list",
			raw:  `{"tasks": [{"type": "action", "title": "Call the supplier"}]}`,
			kind: Tasks,
			want: []session.TaskRecord{action("Call the supplier")},
		},
		{
			name: "email defaults",
			raw:  `[{"is_task": "yes", "task_type": "e-mail", "task_title": "Email Bob about the budget"}]`,
			kind: Tasks,
			want: []session.TaskRecord{
				email("Email Bob about the budget", "drafts@example.com", "Email Bob about the budget", "Task details:\n\nEmail Bob about the budget"),
			},
		},
		{
			name: "fenced json",
			raw:  "Here you go:\n```json\n[{\"task_type\": \"action\", \"task_title\": \"Order supplies\"}]\n```",
			kind: Tasks,
			want: []session.TaskRecord{action("Order supplies")},
		},
		{
			name: "fenced json after tasks marker",
			raw:  "**Summary:** x\n**Tasks:**\n```json\n[{\"task_type\": \"action\", \"task_title\": \"Book the room\"}]\n```",
			kind: Tasks,
			want: []session.TaskRecord{action("Book the room")},
		},
		{
			name: "trailing comma repaired",
			raw:  `**Tasks:** [{"task_type": "action", "task_title": "Order supplies"},]`,
			kind: Tasks,
			want: []session.TaskRecord{action("Order supplies")},
		},
		{
			name: "truncated output repaired",
			raw:  `**Tasks:** [{"is_task": "yes", "task_type": "action", "task_title": "Order supplies"}, {"is_task": "yes", "task_type": "action", "task_title": "Plan`,
			kind: Tasks,
			want: []session.TaskRecord{action("Order supplies"), action("Plan")},
		},
		{
			name: "markdown list",
			raw:  "**Tasks:**\n- Task Type: Write an e-mail\n  Task Title: Send the offer\n- Task Type: Take action\n  Task Title: Prepare slides\n",
			kind: Tasks,
			want: []session.TaskRecord{
				email("Send the offer", "drafts@example.com", "Send the offer", "Task details:\n\nSend the offer"),
				action("Prepare slides"),
			},
		},
		{
			name: "negative items skipped, order kept",
			raw:  `[{"is_task": "no"}, {"task_type": "action", "task_title": "B"}, {"task_type": "dance", "task_title": "C"}, {"task_type": "email", "task_title": "D", "recipient": "d@example.com"}]`,
			kind: Tasks,
			want: []session.TaskRecord{
				action("B"),
				email("D", "d@example.com", "D", "Task details:\n\nD"),
			},
		},
		{
			name: "untyped addressed item is email",
			raw:  `[{"title": "Reply to Ann", "to": "ann@example.com"}]`,
			kind: Tasks,
			want: []session.TaskRecord{email("Reply to Ann", "ann@example.com", "Reply to Ann", "Task details:\n\nReply to Ann")},
		},
		{
			name: "textual no tasks",
			raw:  "**Summary:** chit-chat. **Tasks:** none",
			kind: NoTask,
		},
		{
			name:      "garbage",
			raw:       "I'm sorry, I can't help with that.",
			kind:      NoTask,
			malformed: true,
		},
		{
			name: "empty",
			raw:  "   ",
			kind: NoTask,
		},
		{
			name:      "scalar json",
			raw:       `[1, 2, 3]`,
			kind:      NoTask,
			malformed: false,
		},
		{
			name:      "object without task fields",
			raw:       `{"answer": 42}`,
			kind:      NoTask,
			malformed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Parse(tt.raw)
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %s (%s), want %s", got.Kind, got.Reason, tt.kind)
			}
			if diff := cmp.Diff(tt.want, got.Tasks); diff != "" {
				t.Errorf("tasks mismatch (-want +got):\n%s", diff)
			}
			if got.Malformed != tt.malformed {
				t.Errorf("Malformed = %v, want %v (reason %q)", got.Malformed, tt.malformed, got.Reason)
			}
		})
	}
}

func TestNormalizeIsTotal(t *testing.T) {
	n := NewNormalizer(testDefaults)
	inputs := []string{
		"", "null", "{", "[", "]", "}", "**Tasks:**", "**Tasks:** {", `"just a string"`,
		"```", "```json\n```", strings.Repeat("[", 1000), `{"tasks": "nope"}`,
		`[{"task_type": null, "task_title": null}]`, "\x00\xff",
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("Normalize(%q) panicked: %v", in, r)
				}
			}()
			_ = n.Normalize(in)
		}()
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"héllo", 2, "h..."},
		{"日本語", 4, "日..."},
		{"日本語", 6, "日本..."},
		{"日本語", 1, "..."},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) = %q is not valid UTF-8", tt.in, tt.n, got)
		}
	}

	raw := strings.Repeat("ü", 200)
	if got := truncate(raw, 300); !utf8.ValidString(got) || len(got) > 303 {
		t.Errorf("truncate of %d-byte multibyte text = %d bytes, valid %v", len(raw), len(got), utf8.ValidString(got))
	}
}

func TestSystemPrompt(t *testing.T) {
	p := SystemPrompt("Szymon Til", "inbox@example.com")
	for _, want := range []string{"Szymon Til", "inbox@example.com", "**Tasks:**", `{"is_task": "no"}`} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestAnalyzerFunc(t *testing.T) {
	var a Analyzer = AnalyzerFunc(func(_ context.Context, transcript string) (string, error) {
		return "[]", nil
	})
	out, err := a.Analyze(context.Background(), "alice: hi")
	if err != nil || out != "[]" {
		t.Errorf("Analyze = %q, %v", out, err)
	}
}
