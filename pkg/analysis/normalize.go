// Package analysis turns the free-form output of the transcript analysis
// call into an ordered list of typed task records.
//
// Parsing is strict first and lenient after: the payload is decoded as
// JSON as-is, then from the "Tasks:" section of a markdown answer, then
// from a fenced block or the first bracketed span, repairing broken JSON
// (truncated output, trailing commas, single quotes) along the way. Any
// input that still does not yield a recognizable shape degrades to the
// NoTask result; Normalize never fails.
package analysis

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"

	"github.com/nous-labs/contextd/pkg/session"
)

// Kind tags a Result.
type Kind int

const (
	// NoTask means the analysis produced nothing to act on.
	NoTask Kind = iota
	// Tasks means the analysis produced at least one task record.
	Tasks
)

func (k Kind) String() string {
	if k == Tasks {
		return "tasks"
	}
	return "no_task"
}

// Result is the tagged outcome of parsing one analysis payload.
type Result struct {
	Kind  Kind
	Tasks []session.TaskRecord
	// Reason says why a NoTask result was produced.
	Reason string
	// Malformed is true when the payload could not be parsed at all, as
	// opposed to an explicit or empty "no task" answer.
	Malformed bool
}

// Defaults fill the optional fields of email records.
type Defaults struct {
	// Recipient is used when the analysis names none.
	Recipient string
	// BodyPrefix is prepended to the title to build a missing body.
	BodyPrefix string
}

// Normalizer maps raw analysis output to task records.
type Normalizer struct {
	defaults Defaults
}

// NewNormalizer creates a normalizer.
func NewNormalizer(d Defaults) *Normalizer {
	return &Normalizer{defaults: d}
}

// Normalize returns the task records in raw, in upstream order. Malformed
// input is logged and yields no records.
func (n *Normalizer) Normalize(raw string) []session.TaskRecord {
	r := n.Parse(raw)
	if r.Malformed {
		slog.Warn("analysis output not understood, treating as no task",
			"reason", r.Reason,
			"raw", truncate(raw, 300),
		)
	}
	return r.Tasks
}

var (
	tasksMarker = regexp.MustCompile(`(?i)tasks\s*:\s*\*{0,2}`)
	fenced      = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	mdTask      = regexp.MustCompile(`(?is)task\s+type:\s*(.*?)\n.*?task\s+title:\s*(.*?)(?:\n|$)`)
	noTaskText  = regexp.MustCompile(`(?i)^\W*(no tasks?( found)?|none|n/?a|brak( zada[nń])?)\W*$`)
)

// Parse decodes raw into a tagged Result.
func (n *Normalizer) Parse(raw string) Result {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Result{Kind: NoTask, Reason: "empty output"}
	}

	if v, ok := decode(s); ok {
		return n.fromJSON(v)
	}

	if locs := tasksMarker.FindAllStringIndex(s, -1); locs != nil {
		section := strings.TrimSpace(s[locs[len(locs)-1][1]:])
		if f := fenced.FindStringSubmatch(section); f != nil {
			section = strings.TrimSpace(f[1])
		}
		if v, ok := decode(section); ok {
			return n.fromJSON(v)
		}
		if strings.HasPrefix(section, "-") || strings.HasPrefix(section, "*") {
			if r, ok := n.fromMarkdown(section); ok {
				return r
			}
		}
		if noTaskText.MatchString(section) {
			return Result{Kind: NoTask, Reason: "no-task marker"}
		}
	}

	if f := fenced.FindStringSubmatch(s); f != nil {
		if v, ok := decode(strings.TrimSpace(f[1])); ok {
			return n.fromJSON(v)
		}
	}

	if span, ok := bracketSpan(s); ok {
		if v, ok := decode(span); ok {
			return n.fromJSON(v)
		}
	}

	if noTaskText.MatchString(s) {
		return Result{Kind: NoTask, Reason: "no-task marker"}
	}
	return Result{Kind: NoTask, Reason: "unparseable output", Malformed: true}
}

// decode parses s as JSON, repairing it if needed. Only inputs that look
// like an array or object are considered.
func decode(s string) (gjson.Result, bool) {
	if s == "" || (s[0] != '[' && s[0] != '{') {
		return gjson.Result{}, false
	}
	if gjson.Valid(s) {
		return gjson.Parse(s), true
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil || !gjson.Valid(repaired) {
		return gjson.Result{}, false
	}
	return gjson.Parse(repaired), true
}

// bracketSpan returns the text from the first '[' or '{' to the last
// closing bracket.
func bracketSpan(s string) (string, bool) {
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return "", false
	}
	end := strings.LastIndexAny(s, "]}")
	if end <= start {
		return s[start:], true
	}
	return s[start : end+1], true
}

func (n *Normalizer) fromJSON(v gjson.Result) Result {
	switch {
	case v.IsArray():
		items := v.Array()
		if len(items) == 0 {
			return Result{Kind: NoTask, Reason: "empty task list"}
		}
		var tasks []session.TaskRecord
		for _, item := range items {
			if !item.IsObject() {
				continue
			}
			if rec, ok := n.mapItem(item); ok {
				tasks = append(tasks, rec)
			}
		}
		if len(tasks) == 0 {
			return Result{Kind: NoTask, Reason: "no actionable items"}
		}
		return Result{Kind: Tasks, Tasks: tasks}

	case v.IsObject():
		if list := v.Get("tasks"); list.IsArray() {
			return n.fromJSON(list)
		}
		if negative(v) {
			return Result{Kind: NoTask, Reason: "no-task marker"}
		}
		if rec, ok := n.mapItem(v); ok {
			return Result{Kind: Tasks, Tasks: []session.TaskRecord{rec}}
		}
		return Result{Kind: NoTask, Reason: "unrecognized object", Malformed: true}

	case v.Type == gjson.Null:
		return Result{Kind: NoTask, Reason: "null output"}
	}
	return Result{Kind: NoTask, Reason: "unrecognized shape", Malformed: true}
}

// negative reports whether an object is a "no task" marker.
func negative(v gjson.Result) bool {
	if nt := v.Get("no_task"); nt.Type == gjson.True {
		return true
	}
	flag := v.Get("is_task")
	switch flag.Type {
	case gjson.False:
		return true
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(flag.String())) {
		case "no", "n", "false", "0", "nie":
			return true
		}
	case gjson.Number:
		return flag.Int() == 0
	}
	return false
}

func (n *Normalizer) mapItem(v gjson.Result) (session.TaskRecord, bool) {
	if negative(v) {
		return session.TaskRecord{}, false
	}

	title := field(v, "task_title", "title", "name", "content")
	recipient := field(v, "recipient", "to", "email")
	subject := field(v, "subject")
	body := field(v, "body", "message")

	typ := field(v, "task_type", "type", "kind", "label")
	kind, ok := kindOf(typ)
	if !ok {
		if typ != "" {
			slog.Debug("analysis item with unknown type skipped", "type", typ, "title", title)
			return session.TaskRecord{}, false
		}
		// Untyped items: an addressed one is an email, anything else an action.
		kind = session.TaskAction
		if recipient != "" {
			kind = session.TaskEmail
		}
	}

	if title == "" {
		title = subject
	}
	if title == "" {
		return session.TaskRecord{}, false
	}

	rec := session.TaskRecord{Kind: kind, Title: title}
	if kind == session.TaskEmail {
		rec.Recipient = recipient
		if rec.Recipient == "" {
			rec.Recipient = n.defaults.Recipient
		}
		rec.Subject = subject
		if rec.Subject == "" {
			rec.Subject = title
		}
		rec.Body = body
		if rec.Body == "" {
			rec.Body = n.defaults.BodyPrefix + title
		}
	}
	return rec, true
}

func (n *Normalizer) fromMarkdown(section string) (Result, bool) {
	matches := mdTask.FindAllStringSubmatch(section, -1)
	if len(matches) == 0 {
		return Result{}, false
	}
	var tasks []session.TaskRecord
	for _, m := range matches {
		title := strings.TrimSpace(strings.Trim(m[2], "*"))
		if title == "" {
			continue
		}
		kind := session.TaskAction
		if strings.Contains(strings.ToLower(m[1]), "mail") {
			kind = session.TaskEmail
		}
		rec := session.TaskRecord{Kind: kind, Title: title}
		if kind == session.TaskEmail {
			rec.Recipient = n.defaults.Recipient
			rec.Subject = title
			rec.Body = n.defaults.BodyPrefix + title
		}
		tasks = append(tasks, rec)
	}
	if len(tasks) == 0 {
		return Result{}, false
	}
	return Result{Kind: Tasks, Tasks: tasks}, true
}

func kindOf(s string) (session.TaskKind, bool) {
	k := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "email", "mail", "writeanemail", "sendemail", "emaildraft":
		return session.TaskEmail, true
	case "action", "task", "todo", "takeaction":
		return session.TaskAction, true
	}
	return "", false
}

// field returns the first non-empty string among the named keys.
func field(v gjson.Result, names ...string) string {
	for _, name := range names {
		f := v.Get(name)
		if f.Type == gjson.String || f.Type == gjson.Number {
			if s := strings.TrimSpace(f.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
