// Package queue implements the dispatch queue on top of the store's job
// table: at-least-once delivery with leases, exponential backoff between
// attempts and a dead-letter record once attempts are exhausted.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/contextd/pkg/retry"
	"github.com/nous-labs/contextd/pkg/session"
)

// Store is the job table the queue runs on.
type Store interface {
	EnqueueJob(ctx context.Context, contextID string, now time.Time) (bool, error)
	LeaseJob(ctx context.Context, now time.Time, lease time.Duration) (*session.Job, error)
	ExtendLease(ctx context.Context, job *session.Job, until time.Time) error
	AckJob(ctx context.Context, job *session.Job) error
	RetryJob(ctx context.Context, job *session.Job, next time.Time, cause string) error
	DeadLetterJob(ctx context.Context, job *session.Job, cause string, now time.Time) (*session.DeadLetter, error)
}

// Config holds queue settings. All fields are required.
type Config struct {
	Retry retry.Policy
	// Lease is how long a dequeued job stays invisible to other workers.
	// A worker that dies holding a job loses it after this long.
	Lease time.Duration
	// PollInterval bounds how long Dequeue sleeps before looking again
	// when it was not notified.
	PollInterval time.Duration
}

// Validate checks that the config is usable.
func (c Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if c.Lease <= 0 {
		return fmt.Errorf("queue: lease must be positive, got %s", c.Lease)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("queue: poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

// Hooks are optional callbacks. Nil fields are skipped.
type Hooks struct {
	Clock        func() time.Time
	OnEvent      func(typ, message string)
	OnRetry      func(job *session.Job, delay time.Duration)
	OnDeadLetter func(dl *session.DeadLetter)
}

// NackOutcome reports what Nack did with a failed job.
type NackOutcome struct {
	// RetryAt is set when the job was rescheduled.
	RetryAt time.Time
	// DeadLetter is set when the job was dead-lettered.
	DeadLetter *session.DeadLetter
}

// Queue is the dispatch queue. Safe for concurrent use.
type Queue struct {
	store  Store
	cfg    Config
	hooks  Hooks
	notify chan struct{}
}

// New creates a queue.
func New(st Store, cfg Config, hooks Hooks) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hooks.Clock == nil {
		hooks.Clock = time.Now
	}
	return &Queue{
		store:  st,
		cfg:    cfg,
		hooks:  hooks,
		notify: make(chan struct{}, 1),
	}, nil
}

// Enqueue adds a job for contextID and wakes a waiting worker. Enqueuing
// a context that already has a job is a no-op.
func (q *Queue) Enqueue(ctx context.Context, contextID string) error {
	created, err := q.store.EnqueueJob(ctx, contextID, q.hooks.Clock())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", contextID, err)
	}
	if created {
		q.Notify()
	}
	return nil
}

// Notify wakes one worker blocked in Dequeue. Called when a job was
// enqueued by someone else (the window sweep closes contexts and inserts
// their jobs in the same transaction).
func (q *Queue) Notify() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a job is leased to the caller or ctx is done. Jobs
// whose lease expired too many times (their workers kept dying) are
// dead-lettered here instead of being handed out again.
func (q *Queue) Dequeue(ctx context.Context) (*session.Job, error) {
	for {
		job, err := q.store.LeaseJob(ctx, q.hooks.Clock(), q.cfg.Lease)
		if err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		if job != nil {
			if job.Attempt > q.cfg.Retry.MaxAttempts {
				cause := "attempts exhausted"
				if job.LastError != "" {
					cause += ": " + job.LastError
				}
				if _, err := q.deadLetter(ctx, job, cause); err != nil {
					return nil, err
				}
				continue
			}
			return job, nil
		}

		timer := time.NewTimer(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Extend renews the caller's lease for another full lease period.
func (q *Queue) Extend(ctx context.Context, job *session.Job) error {
	return q.store.ExtendLease(ctx, job, q.hooks.Clock().Add(q.cfg.Lease))
}

// Ack removes a finished job.
func (q *Queue) Ack(ctx context.Context, job *session.Job) error {
	if err := q.store.AckJob(ctx, job); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

// Nack reports a failed attempt. The job is retried after an exponential
// backoff unless the failure is permanent or the attempt budget is spent,
// in which case it is dead-lettered and its context finished with the
// error recorded.
func (q *Queue) Nack(ctx context.Context, job *session.Job, cause error) (NackOutcome, error) {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	msg := cause.Error()

	if retry.IsPermanent(cause) || q.cfg.Retry.Exhausted(job.Attempt) {
		dl, err := q.deadLetter(ctx, job, msg)
		if err != nil {
			return NackOutcome{}, err
		}
		return NackOutcome{DeadLetter: dl}, nil
	}

	delay := q.cfg.Retry.Backoff(job.Attempt)
	next := q.hooks.Clock().Add(delay)
	if err := q.store.RetryJob(ctx, job, next, msg); err != nil {
		return NackOutcome{}, fmt.Errorf("retry job %s: %w", job.ID, err)
	}

	slog.Warn("job failed, will retry",
		"job", job.ID,
		"context", job.ContextID,
		"attempt", job.Attempt,
		"max_attempts", q.cfg.Retry.MaxAttempts,
		"delay", delay,
		"error", msg,
	)
	if q.hooks.OnRetry != nil {
		q.hooks.OnRetry(job, delay)
	}
	q.emit("job.retry", fmt.Sprintf("%s attempt %d failed, retry in %s: %s", job.ContextID, job.Attempt, delay, msg))
	return NackOutcome{RetryAt: next}, nil
}

func (q *Queue) deadLetter(ctx context.Context, job *session.Job, cause string) (*session.DeadLetter, error) {
	dl, err := q.store.DeadLetterJob(ctx, job, cause, q.hooks.Clock())
	if err != nil {
		return nil, fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}

	slog.Error("job dead-lettered",
		"job", job.ID,
		"context", job.ContextID,
		"key", dl.Key,
		"attempts", dl.Attempts,
		"error", cause,
	)
	if q.hooks.OnDeadLetter != nil {
		q.hooks.OnDeadLetter(dl)
	}
	q.emit("job.dead_letter", fmt.Sprintf("%s dead-lettered after %d attempts: %s", job.ContextID, dl.Attempts, cause))
	return dl, nil
}

// MaxAttempts returns the configured attempt budget.
func (q *Queue) MaxAttempts() int {
	return q.cfg.Retry.MaxAttempts
}

func (q *Queue) emit(typ, msg string) {
	if q.hooks.OnEvent != nil {
		q.hooks.OnEvent(typ, msg)
	}
}
