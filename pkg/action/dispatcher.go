// Package action executes normalized task records against the downstream
// collaborators: EMAIL records become mail drafts, ACTION records become
// tracker tasks.
//
// Every record gets an idempotency key derived from its context id and
// its position in the analysis. The key is checked against the executed
// action ledger before the call and recorded after it succeeds, and it is
// handed to the collaborator so that it can reject duplicates on its side
// too.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/contextd/pkg/retry"
	"github.com/nous-labs/contextd/pkg/session"
)

// TaskTracker creates tasks in an external tracker.
type TaskTracker interface {
	CreateTask(ctx context.Context, title, idempotencyKey string) (taskID string, err error)
}

// Mailer submits email drafts.
type Mailer interface {
	SendMail(ctx context.Context, recipient, subject, body, idempotencyKey string) (messageID string, err error)
}

// Ledger records which actions already ran.
type Ledger interface {
	ExecutedAction(ctx context.Context, key string) (externalID string, ok bool, err error)
	MarkExecuted(ctx context.Context, key, contextID string, kind session.TaskKind, externalID string, now time.Time) error
}

// Config holds dispatcher settings.
type Config struct {
	// Retry bounds the attempts of a single collaborator call.
	Retry retry.Policy
	// Timeout bounds each collaborator call.
	Timeout time.Duration
}

// Validate checks that the config is usable.
func (c Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("action: %w", err)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("action: timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// Outcome is the result of dispatching one record.
type Outcome struct {
	Index      int              `json:"index"`
	Key        string           `json:"key"`
	Kind       session.TaskKind `json:"kind"`
	Title      string           `json:"title"`
	ExternalID string           `json:"external_id,omitempty"`
	// Skipped is true when the ledger showed the action already ran.
	Skipped bool          `json:"skipped,omitempty"`
	Err     error         `json:"-"`
	Elapsed time.Duration `json:"elapsed"`
}

// Report collects the outcomes of one batch in dispatch order.
type Report struct {
	ContextID string
	Outcomes  []Outcome
	// Aborted is the guard error that stopped the batch early, if any.
	Aborted error
}

// Executed counts records whose action ran in this batch.
func (r *Report) Executed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil && !o.Skipped {
			n++
		}
	}
	return n
}

// Failed counts records whose action failed.
func (r *Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Err joins the failures of the batch, or returns nil. When every failure
// is permanent the joined error is marked permanent too.
func (r *Report) Err() error {
	var errs []error
	allPermanent := true
	if r.Aborted != nil {
		errs = append(errs, r.Aborted)
		allPermanent = false
	}
	for _, o := range r.Outcomes {
		if o.Err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("task %d (%s %q): %w", o.Index, o.Kind, o.Title, o.Err))
		if !retry.IsPermanent(o.Err) {
			allPermanent = false
		}
	}
	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	if allPermanent {
		return retry.Permanent(err)
	}
	return err
}

// Dispatcher maps task records to collaborator calls.
type Dispatcher struct {
	tracker TaskTracker
	mailer  Mailer
	ledger  Ledger
	cfg     Config

	// Clock defaults to time.Now.
	Clock func() time.Time
	// OnOutcome, if set, observes every outcome.
	OnOutcome func(o Outcome)
}

// NewDispatcher creates a dispatcher. A nil tracker or mailer makes
// records of that kind fail permanently.
func NewDispatcher(tracker TaskTracker, mailer Mailer, ledger Ledger, cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, errors.New("action: ledger is required")
	}
	return &Dispatcher{
		tracker: tracker,
		mailer:  mailer,
		ledger:  ledger,
		cfg:     cfg,
		Clock:   time.Now,
	}, nil
}

// IdempotencyKey identifies the action for the record at index of a context.
func IdempotencyKey(contextID string, index int) string {
	return fmt.Sprintf("%s:%d", contextID, index)
}

// Guard runs before the record at index is dispatched. A non-nil error
// stops the batch; records after it are left for the next delivery.
type Guard func(ctx context.Context, index int) error

// DispatchAll runs every record in order. A failed record does not stop
// the rest of the batch; a failed guard does. guard may be nil.
func (d *Dispatcher) DispatchAll(ctx context.Context, contextID string, records []session.TaskRecord, guard Guard) *Report {
	r := &Report{ContextID: contextID, Outcomes: make([]Outcome, 0, len(records))}
	for i, rec := range records {
		if guard != nil {
			if err := guard(ctx, i); err != nil {
				r.Aborted = err
				slog.Warn("dispatch stopped", "context", contextID, "index", i, "remaining", len(records)-i, "error", err)
				break
			}
		}
		r.Outcomes = append(r.Outcomes, d.Dispatch(ctx, contextID, i, rec))
	}
	return r
}

// Dispatch runs the action for one record unless the ledger shows it
// already ran.
func (d *Dispatcher) Dispatch(ctx context.Context, contextID string, index int, rec session.TaskRecord) Outcome {
	start := time.Now()
	o := Outcome{
		Index: index,
		Key:   IdempotencyKey(contextID, index),
		Kind:  rec.Kind,
		Title: rec.Title,
	}
	defer func() {
		o.Elapsed = time.Since(start)
		if d.OnOutcome != nil {
			d.OnOutcome(o)
		}
	}()

	ext, done, err := d.ledger.ExecutedAction(ctx, o.Key)
	if err != nil {
		o.Err = fmt.Errorf("check ledger: %w", err)
		return o
	}
	if done {
		o.Skipped = true
		o.ExternalID = ext
		slog.Info("action already executed, skipping", "key", o.Key, "kind", rec.Kind, "external_id", ext)
		return o
	}

	call, err := d.callFor(rec, o.Key)
	if err != nil {
		o.Err = err
		slog.Error("action rejected", "key", o.Key, "kind", rec.Kind, "error", err)
		return o
	}

	err = retry.Do(ctx, d.cfg.Retry, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		id, err := call(cctx)
		if err != nil {
			slog.Warn("action call failed", "key", o.Key, "kind", rec.Kind, "error", err)
			return err
		}
		o.ExternalID = id
		return nil
	})
	if err != nil {
		o.Err = err
		slog.Error("action failed", "key", o.Key, "kind", rec.Kind, "title", rec.Title, "error", err)
		return o
	}

	err = retry.Do(ctx, d.cfg.Retry, func(ctx context.Context) error {
		return d.ledger.MarkExecuted(ctx, o.Key, contextID, rec.Kind, o.ExternalID, d.Clock())
	})
	if err != nil {
		o.Err = fmt.Errorf("record executed action: %w", err)
		return o
	}

	slog.Info("action executed", "key", o.Key, "kind", rec.Kind, "title", rec.Title, "external_id", o.ExternalID)
	return o
}

func (d *Dispatcher) callFor(rec session.TaskRecord, key string) (func(ctx context.Context) (string, error), error) {
	switch rec.Kind {
	case session.TaskEmail:
		if d.mailer == nil {
			return nil, retry.Permanent(errors.New("no mailer configured"))
		}
		if rec.Recipient == "" {
			return nil, retry.Permanent(errors.New("email task without recipient"))
		}
		return func(ctx context.Context) (string, error) {
			return d.mailer.SendMail(ctx, rec.Recipient, rec.Subject, rec.Body, key)
		}, nil
	case session.TaskAction:
		if d.tracker == nil {
			return nil, retry.Permanent(errors.New("no task tracker configured"))
		}
		return func(ctx context.Context) (string, error) {
			return d.tracker.CreateTask(ctx, rec.Title, key)
		}, nil
	}
	return nil, retry.Permanent(fmt.Errorf("unknown task kind %q", rec.Kind))
}
