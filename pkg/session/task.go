package session

// TaskKind selects the downstream action for a TaskRecord.
type TaskKind string

const (
	// TaskEmail drafts an email through the mail collaborator.
	TaskEmail TaskKind = "EMAIL"
	// TaskAction creates an item in the task tracker.
	TaskAction TaskKind = "ACTION"
)

// TaskRecord is the normalized result of analysis, ready for dispatch.
// It never carries raw analysis text.
type TaskRecord struct {
	Kind      TaskKind `json:"kind"`
	Title     string   `json:"title"`
	Recipient string   `json:"recipient,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	Body      string   `json:"body,omitempty"`
}
