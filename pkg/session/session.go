// Package session defines the conversation context model shared by the
// store, the window manager, the dispatch queue and the workers.
//
// A Context accumulates the messages of one conversation between the
// moment it opens and the moment it goes quiet for longer than the
// inactivity timeout. Its State only ever moves forward:
//
//	OPEN -> CLOSING -> PROCESSING -> DONE
//
// Every transition is a compare-and-set on State performed by the store,
// so concurrent sweeps and workers never act on the same context twice.
package session

import (
	"errors"
	"time"
)

// Key identifies a conversation (a room or channel id on the chat platform).
type Key string

// State is the lifecycle state of a Context.
type State string

const (
	StateOpen       State = "OPEN"
	StateClosing    State = "CLOSING"
	StateProcessing State = "PROCESSING"
	StateDone       State = "DONE"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateOpen, StateClosing, StateProcessing, StateDone:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a context or job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is returned when a compare-and-set on State loses.
	ErrStateConflict = errors.New("context state conflict")
	// ErrLeaseLost is returned when a job is acked or retried by a worker
	// that no longer holds its lease.
	ErrLeaseLost = errors.New("job lease lost")
)

// Message is a single chat message. Immutable once appended.
type Message struct {
	// ID is the platform message id, used to drop redeliveries.
	// Empty when the platform does not provide one.
	ID     string    `json:"id,omitempty"`
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Line renders the message as a transcript line.
func (m Message) Line() string {
	return m.Sender + ": " + m.Text
}

// Context is one conversational session.
type Context struct {
	ID           string    `json:"id"`
	Key          Key       `json:"key"`
	State        State     `json:"state"`
	OpenedAt     time.Time `json:"opened_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	// Attempt is the job delivery that currently owns a PROCESSING context.
	Attempt  int       `json:"attempt,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// Idle reports how long the context has been silent at now.
func (c *Context) Idle(now time.Time) time.Duration {
	return now.Sub(c.LastActivity)
}

// Expired reports whether the context has been silent for at least timeout.
func (c *Context) Expired(now time.Time, timeout time.Duration) bool {
	return c.Idle(now) >= timeout
}

// Job asks a worker to analyze and act on one closed context.
type Job struct {
	ID          string    `json:"id"`
	ContextID   string    `json:"context_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempt     int       `json:"attempt"`
	NextRetryAt time.Time `json:"next_retry_at"`
	LastError   string    `json:"last_error,omitempty"`

	// Lease is set while a worker holds the job.
	LeaseToken     string    `json:"-"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
}

// DeadLetter is a job that exhausted its retries, kept for inspection.
type DeadLetter struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	ContextID  string    `json:"context_id"`
	Key        Key       `json:"key"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	Transcript string    `json:"transcript"`
	DeadAt     time.Time `json:"dead_at"`
}

// HistoryEntry records a context that reached DONE.
type HistoryEntry struct {
	ContextID    string    `json:"context_id"`
	Key          Key       `json:"key"`
	OpenedAt     time.Time `json:"opened_at"`
	FinishedAt   time.Time `json:"finished_at"`
	MessageCount int       `json:"message_count"`
	TaskCount    int       `json:"task_count"`
	Failed       bool      `json:"failed"`
	Error        string    `json:"error,omitempty"`
}

// Summary is the terminal outcome a worker reports when finishing a context.
type Summary struct {
	TaskCount int
	Failed    bool
	Error     string
}
