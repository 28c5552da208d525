package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nous-labs/contextd/pkg/retry"
)

func TestTodoistCreateTask(t *testing.T) {
	var got map[string]any
	var reqID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tasks" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("Authorization = %q", auth)
		}
		reqID = r.Header.Get("X-Request-Id")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"id": "8765", "content": "Order supplies"}`))
	}))
	defer srv.Close()

	tc := NewTodoist(TodoistOptions{BaseURL: srv.URL, Token: "tok"})
	id, err := tc.CreateTask(context.Background(), "Order supplies", "ctx1:0")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id != "8765" || reqID != "ctx1:0" {
		t.Errorf("id = %q, request id = %q", id, reqID)
	}
	if got["content"] != "Order supplies" || got["due_string"] != "today" || got["priority"] != float64(3) {
		t.Errorf("payload = %v", got)
	}
}

func TestTodoistErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusServiceUnavailable, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadRequest, true},
		{http.StatusForbidden, true},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewTodoist(TodoistOptions{BaseURL: srv.URL}).CreateTask(context.Background(), "x", "k")
			if err == nil {
				t.Fatal("no error")
			}
			if retry.IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", retry.IsPermanent(err), tt.permanent)
			}
			herr, ok := AsHTTPError(err)
			if !ok || herr.StatusCode != tt.status {
				t.Errorf("HTTPError = %+v", herr)
			}
		})
	}
}

func TestTodoistMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	if _, err := NewTodoist(TodoistOptions{BaseURL: srv.URL}).CreateTask(context.Background(), "x", "k"); err == nil {
		t.Error("response without id accepted")
	}
}

// fakeSMTP accepts one session per connection and records every message.
type fakeSMTP struct {
	ln      net.Listener
	rcptErr string

	mu    sync.Mutex
	rcpts []string
	data  []string
}

func startFakeSMTP(t *testing.T, rcptErr string) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeSMTP{ln: ln, rcptErr: rcptErr}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSMTP) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTP) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTP) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { conn.Write([]byte(line + "\r\n")) }

	reply("220 fake ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 fake")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO"):
			if s.rcptErr != "" {
				reply(s.rcptErr)
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, strings.TrimSpace(line[len("RCPT TO:"):]))
			s.mu.Unlock()
			reply("250 ok")
		case cmd == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.data = append(s.data, b.String())
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 ok")
		}
	}
}

func TestSMTPMailerSendsDraft(t *testing.T) {
	srv := startFakeSMTP(t, "")
	m, err := NewSMTPMailer(SMTPOptions{
		Host:    "127.0.0.1",
		Port:    srv.port(),
		From:    "Contextd <bot@example.com>",
		DraftTo: "drafts@example.com",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	id, err := m.SendMail(context.Background(), "bob@example.com", "Budget", "Hi Bob", "ctx-1:1")
	if err != nil {
		t.Fatalf("SendMail: %v", err)
	}
	if id != "<ctx-1.1@example.com>" {
		t.Errorf("message id = %q", id)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.rcpts) != 1 || srv.rcpts[0] != "<drafts@example.com>" {
		t.Errorf("rcpts = %v", srv.rcpts)
	}
	if len(srv.data) != 1 {
		t.Fatalf("messages = %d", len(srv.data))
	}
	msg := srv.data[0]
	for _, want := range []string{"Subject: Budget\r\n", "Message-ID: <ctx-1.1@example.com>\r\n", "Draft for: bob@example.com\r\n\r\nHi Bob"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestSMTPRejectIsPermanent(t *testing.T) {
	srv := startFakeSMTP(t, "550 no such user")
	m, err := NewSMTPMailer(SMTPOptions{Host: "127.0.0.1", Port: srv.port(), From: "bot@example.com", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.SendMail(context.Background(), "ghost@example.com", "x", "y", "k:0")
	if err == nil || !retry.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestSMTPBusyIsTransient(t *testing.T) {
	srv := startFakeSMTP(t, "451 try again later")
	m, err := NewSMTPMailer(SMTPOptions{Host: "127.0.0.1", Port: srv.port(), From: "bot@example.com", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.SendMail(context.Background(), "bob@example.com", "x", "y", "k:0")
	if err == nil || retry.IsPermanent(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestMessageID(t *testing.T) {
	tests := map[string]string{
		"bot@example.com":            "<a.0@example.com>",
		"Bot <bot@mail.example.org>": "<a.0@mail.example.org>",
		"nobody":                     "<a.0@contextd.local>",
	}
	for from, want := range tests {
		if got := MessageID("a:0", from); got != want {
			t.Errorf("MessageID(%q) = %q, want %q", from, got, want)
		}
	}
}
