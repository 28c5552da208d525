package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nous-labs/contextd/pkg/events"
	"github.com/nous-labs/contextd/pkg/session"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := defaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTPAddr = ""
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(cfg.DataDir, "contextd.db")
	cfg.CredentialsPath = ""
	cfg.LLM.Primary.Provider = ""
	cfg.LLM.Fallback.Provider = ""
	cfg.Todoist.Token = ""
	cfg.SMTP.Host = ""
	cfg.Matrix.Enabled = false

	d, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	d := newTestDaemon(t)
	h := d.Handler()

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before start: status = %d", rec.Code)
	}

	d.healthy.Store(true)
	rec := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Status string `json:"status"`
		Store  struct {
			Open int `json:"open"`
		} `json:"store"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
}

func TestEmptyListingsAreArrays(t *testing.T) {
	d := newTestDaemon(t)
	h := d.Handler()
	for _, path := range []string{"/v1/contexts", "/v1/contexts?state=open", "/v1/contexts/recent", "/v1/deadletters"} {
		rec := do(t, h, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rec.Code)
			continue
		}
		if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
			t.Errorf("%s: body = %s, want []", path, got)
		}
	}
}

func TestWebhookIngest(t *testing.T) {
	d := newTestDaemon(t)
	h := d.Handler()

	msgs := []string{
		`{"room_id": "ops", "message_id": "m1", "sender_id": "alice", "sender_name": "Alice", "text": "I'll order the supplies"}`,
		`{"room_id": "ops", "message_id": "m2", "sender_id": "bob", "text": "thanks"}`,
		`{"room_id": "ops", "message_id": "m2", "sender_id": "bob", "text": "thanks"}`,
	}
	for _, m := range msgs {
		if rec := do(t, h, http.MethodPost, "/v1/messages", m); rec.Code != http.StatusAccepted {
			t.Fatalf("post: status = %d: %s", rec.Code, rec.Body)
		}
	}

	rec := do(t, h, http.MethodGet, "/v1/contexts?state=open", "")
	var list []session.Context
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("contexts = %d, want 1", len(list))
	}
	if list[0].Key != "webhook:ops" || list[0].MessageCount != 2 {
		t.Errorf("context = %+v", list[0])
	}

	metrics := do(t, h, http.MethodGet, "/metrics", "").Body.String()
	for _, want := range []string{
		`contextd_messages_total{result="opened"} 1`,
		`contextd_messages_total{result="appended"} 1`,
		`contextd_messages_total{result="duplicate"} 1`,
	} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestWebhookRejectsBadMessages(t *testing.T) {
	d := newTestDaemon(t)
	h := d.Handler()

	if rec := do(t, h, http.MethodPost, "/v1/messages", `{"room_id": `); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/messages", `{"room_id": "ops", "text": "  "}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("blank text: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/messages", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d", rec.Code)
	}
}

func TestSweepEnqueuesIngestedContext(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	h := d.Handler()

	do(t, h, http.MethodPost, "/v1/messages", `{"room_id": "ops", "sender_id": "alice", "text": "send the report"}`)

	rep, err := d.manager.Sweep(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Closed != 1 {
		t.Fatalf("closed = %d, want 1", rep.Closed)
	}
	stats, err := d.store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Jobs != 1 || stats.Closing != 1 || stats.Open != 0 {
		t.Errorf("stats = %+v", stats)
	}

	// The closed context awaits a worker and no longer counts as open.
	metrics := do(t, h, http.MethodGet, "/metrics", "").Body.String()
	if !strings.Contains(metrics, "contextd_open_contexts 0\n") {
		t.Errorf("open contexts gauge not 0:\n%s", grepLines(metrics, "open_contexts"))
	}
}

func TestOpenContextsGaugeCountsOpenOnly(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	h := d.Handler()

	do(t, h, http.MethodPost, "/v1/messages", `{"room_id": "a", "sender_id": "alice", "text": "send the report"}`)
	if _, err := d.manager.Sweep(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	do(t, h, http.MethodPost, "/v1/messages", `{"room_id": "b", "sender_id": "bob", "text": "book the room"}`)
	if _, err := d.manager.Sweep(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}

	metrics := do(t, h, http.MethodGet, "/metrics", "").Body.String()
	if !strings.Contains(metrics, "contextd_open_contexts 1\n") {
		t.Errorf("want one open context:\n%s", grepLines(metrics, "open_contexts"))
	}
}

func TestWebhookClampsFutureSentAt(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()
	h := d.Handler()

	future := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	body := `{"room_id": "ops", "sender_id": "alice", "text": "send the report", "sent_at": "` + future + `"}`
	if rec := do(t, h, http.MethodPost, "/v1/messages", body); rec.Code != http.StatusAccepted {
		t.Fatalf("post: status = %d: %s", rec.Code, rec.Body)
	}

	timeout := d.manager.Timeout()
	rep, err := d.manager.Sweep(ctx, time.Now().Add(timeout+time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Closed != 1 {
		t.Fatalf("closed = %d, want 1: a future sent_at kept the window open", rep.Closed)
	}
}

func grepLines(s, substr string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func TestEventsStream(t *testing.T) {
	d := newTestDaemon(t)
	d.events.Emit(events.TypeContextOpened, "ctx-1 opened for webhook:ops")

	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"type":"context.opened"`) {
		t.Errorf("first event = %q", line)
	}
}
