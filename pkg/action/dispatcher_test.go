package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nous-labs/contextd/pkg/retry"
	"github.com/nous-labs/contextd/pkg/session"
)

type memLedger struct {
	mu   sync.Mutex
	done map[string]string
}

func newMemLedger() *memLedger {
	return &memLedger{done: map[string]string{}}
}

func (l *memLedger) ExecutedAction(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.done[key]
	return id, ok, nil
}

func (l *memLedger) MarkExecuted(_ context.Context, key, _ string, _ session.TaskKind, ext string, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.done[key]; !ok {
		l.done[key] = ext
	}
	return nil
}

// recorder implements both collaborators and logs every call in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
	// fail maps a title or subject to the errors returned on successive calls.
	fail map[string][]error
}

func (r *recorder) next(name string) error {
	errs := r.fail[name]
	if len(errs) == 0 {
		return nil
	}
	r.fail[name] = errs[1:]
	return errs[0]
}

func (r *recorder) CreateTask(_ context.Context, title, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "task:"+title)
	if err := r.next(title); err != nil {
		return "", err
	}
	return "t-" + key, nil
}

func (r *recorder) SendMail(_ context.Context, to, subject, _, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "mail:"+to+":"+subject)
	if err := r.next(subject); err != nil {
		return "", err
	}
	return "<" + key + "@test>", nil
}

func testConfig() Config {
	return Config{
		Retry:   retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Timeout: time.Second,
	}
}

func newTestDispatcher(t *testing.T, rec *recorder, ledger Ledger) *Dispatcher {
	t.Helper()
	if rec.fail == nil {
		rec.fail = map[string][]error{}
	}
	d, err := NewDispatcher(rec, rec, ledger, testConfig())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func TestDispatchInOrder(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, rec, newMemLedger())

	records := []session.TaskRecord{
		{Kind: session.TaskAction, Title: "Order supplies"},
		{Kind: session.TaskEmail, Title: "Email Bob", Recipient: "bob@example.com", Subject: "Budget", Body: "Hi Bob"},
	}
	r := d.DispatchAll(context.Background(), "ctx1", records, nil)
	if err := r.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	want := []string{"task:Order supplies", "mail:bob@example.com:Budget"}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if r.Executed() != 2 {
		t.Errorf("Executed = %d, want 2", r.Executed())
	}
	if r.Outcomes[0].ExternalID != "t-ctx1:0" || r.Outcomes[1].ExternalID != "<ctx1:1@test>" {
		t.Errorf("external ids = %q, %q", r.Outcomes[0].ExternalID, r.Outcomes[1].ExternalID)
	}
}

func TestFailureDoesNotBlockBatch(t *testing.T) {
	rec := &recorder{fail: map[string][]error{
		"B": {errors.New("down"), errors.New("still down")},
	}}
	d := newTestDispatcher(t, rec, newMemLedger())

	records := []session.TaskRecord{
		{Kind: session.TaskAction, Title: "A"},
		{Kind: session.TaskAction, Title: "B"},
		{Kind: session.TaskAction, Title: "C"},
	}
	r := d.DispatchAll(context.Background(), "ctx", records, nil)

	want := []string{"task:A", "task:B", "task:B", "task:C"}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if len(r.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(r.Outcomes))
	}
	if r.Outcomes[0].Err != nil || r.Outcomes[2].Err != nil {
		t.Errorf("records 1 and 3 failed: %v, %v", r.Outcomes[0].Err, r.Outcomes[2].Err)
	}
	if r.Outcomes[1].Err == nil {
		t.Error("record 2 reported success")
	}
	if r.Failed() != 1 || r.Err() == nil {
		t.Errorf("Failed = %d, Err = %v", r.Failed(), r.Err())
	}
	if retry.IsPermanent(r.Err()) {
		t.Error("transient failure reported permanent")
	}
}

func TestTransientFailureRetried(t *testing.T) {
	rec := &recorder{fail: map[string][]error{"A": {errors.New("blip")}}}
	d := newTestDispatcher(t, rec, newMemLedger())

	o := d.Dispatch(context.Background(), "ctx", 0, session.TaskRecord{Kind: session.TaskAction, Title: "A"})
	if o.Err != nil {
		t.Fatalf("Dispatch: %v", o.Err)
	}
	if len(rec.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(rec.calls))
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	rec := &recorder{fail: map[string][]error{"A": {retry.Permanent(errors.New("400 bad request"))}}}
	d := newTestDispatcher(t, rec, newMemLedger())

	r := d.DispatchAll(context.Background(), "ctx", []session.TaskRecord{{Kind: session.TaskAction, Title: "A"}}, nil)
	if len(rec.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(rec.calls))
	}
	if !retry.IsPermanent(r.Err()) {
		t.Errorf("Err = %v, want permanent", r.Err())
	}
}

func TestRedispatchSkipsExecuted(t *testing.T) {
	ledger := newMemLedger()
	rec := &recorder{fail: map[string][]error{
		"B": {errors.New("down"), errors.New("down")},
	}}
	d := newTestDispatcher(t, rec, ledger)
	records := []session.TaskRecord{
		{Kind: session.TaskAction, Title: "A"},
		{Kind: session.TaskAction, Title: "B"},
	}

	first := d.DispatchAll(context.Background(), "ctx", records, nil)
	if first.Err() == nil {
		t.Fatal("expected first batch to fail")
	}

	rec.calls = nil
	second := d.DispatchAll(context.Background(), "ctx", records, nil)
	if err := second.Err(); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if diff := cmp.Diff([]string{"task:B"}, rec.calls); diff != "" {
		t.Errorf("calls on redelivery (-want +got):\n%s", diff)
	}
	if !second.Outcomes[0].Skipped || second.Outcomes[0].ExternalID != "t-ctx:0" {
		t.Errorf("outcome 0 = %+v, want skipped with recorded id", second.Outcomes[0])
	}
}

func TestMissingCollaborator(t *testing.T) {
	d, err := NewDispatcher(nil, nil, newMemLedger(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	r := d.DispatchAll(context.Background(), "ctx", []session.TaskRecord{
		{Kind: session.TaskEmail, Title: "x", Recipient: "a@b"},
		{Kind: session.TaskAction, Title: "y"},
		{Kind: "FAX", Title: "z"},
	}, nil)
	if r.Failed() != 3 || !retry.IsPermanent(r.Err()) {
		t.Errorf("Failed = %d, Err = %v", r.Failed(), r.Err())
	}
}

func TestIdempotencyKey(t *testing.T) {
	if got := IdempotencyKey("abc", 2); got != "abc:2" {
		t.Errorf("IdempotencyKey = %q", got)
	}
}

func TestOnOutcome(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, rec, newMemLedger())
	var seen []string
	d.OnOutcome = func(o Outcome) { seen = append(seen, fmt.Sprintf("%d:%s", o.Index, o.Kind)) }

	d.DispatchAll(context.Background(), "ctx", []session.TaskRecord{
		{Kind: session.TaskAction, Title: "A"},
		{Kind: session.TaskEmail, Title: "B", Recipient: "b@example.com", Subject: "B", Body: "b"},
	}, nil)
	if diff := cmp.Diff([]string{"0:ACTION", "1:EMAIL"}, seen); diff != "" {
		t.Errorf("outcomes (-want +got):\n%s", diff)
	}
}

func TestGuardAbortsBatch(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, rec, newMemLedger())
	lost := errors.New("lease lost")

	var guarded []int
	r := d.DispatchAll(context.Background(), "ctx", []session.TaskRecord{
		{Kind: session.TaskAction, Title: "A"},
		{Kind: session.TaskAction, Title: "B"},
		{Kind: session.TaskAction, Title: "C"},
	}, func(_ context.Context, index int) error {
		guarded = append(guarded, index)
		if index == 1 {
			return lost
		}
		return nil
	})

	if diff := cmp.Diff([]string{"task:A"}, rec.calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 1}, guarded); diff != "" {
		t.Errorf("guarded (-want +got):\n%s", diff)
	}
	if !errors.Is(r.Aborted, lost) || len(r.Outcomes) != 1 {
		t.Errorf("report = %+v", r)
	}
	if !errors.Is(r.Err(), lost) {
		t.Errorf("Err = %v, want aborted cause", r.Err())
	}
}
