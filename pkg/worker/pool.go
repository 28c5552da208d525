// Package worker runs the dispatch workers. Each worker takes a job from
// the queue, claims its context with a compare-and-set, analyzes the
// transcript, normalizes the result and dispatches the task records, then
// finishes the context and acks the job. While a worker holds a job a
// heartbeat keeps its lease alive, and the lease is renewed again before
// every dispatched record.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/contextd/pkg/action"
	"github.com/nous-labs/contextd/pkg/analysis"
	"github.com/nous-labs/contextd/pkg/queue"
	"github.com/nous-labs/contextd/pkg/session"
)

// Store is the part of the session store the workers use.
type Store interface {
	BeginProcessing(ctx context.Context, contextID string, attempt int, now time.Time) (*session.Context, error)
	Tasks(ctx context.Context, contextID string) ([]session.TaskRecord, bool, error)
	SaveTasks(ctx context.Context, contextID string, attempt int, tasks []session.TaskRecord) error
	FinishContext(ctx context.Context, contextID string, attempt int, sum session.Summary, now time.Time) error
}

// Queue is the dispatch queue as seen by a worker.
type Queue interface {
	Dequeue(ctx context.Context) (*session.Job, error)
	Extend(ctx context.Context, job *session.Job) error
	Ack(ctx context.Context, job *session.Job) error
	Nack(ctx context.Context, job *session.Job, cause error) (queue.NackOutcome, error)
}

// Dispatcher executes task records.
type Dispatcher interface {
	DispatchAll(ctx context.Context, contextID string, records []session.TaskRecord, guard action.Guard) *action.Report
}

// Normalizer turns raw analysis output into task records.
type Normalizer interface {
	Normalize(raw string) []session.TaskRecord
}

// Config holds pool settings. All durations are required.
type Config struct {
	Workers int
	// AnalysisTimeout bounds one analysis call.
	AnalysisTimeout time.Duration
	// Grace is how long in-flight jobs may run after shutdown begins.
	Grace time.Duration
	// ErrorBackoff is the pause after the queue itself failed.
	ErrorBackoff time.Duration
	// Heartbeat is how often a held job's lease is renewed. It must be
	// well under the queue's lease period.
	Heartbeat time.Duration
}

// Validate checks that the config is usable.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("worker: need at least one worker, got %d", c.Workers)
	}
	if c.AnalysisTimeout <= 0 {
		return fmt.Errorf("worker: analysis timeout must be positive, got %s", c.AnalysisTimeout)
	}
	if c.Grace <= 0 {
		return fmt.Errorf("worker: grace period must be positive, got %s", c.Grace)
	}
	if c.ErrorBackoff <= 0 {
		return fmt.Errorf("worker: error backoff must be positive, got %s", c.ErrorBackoff)
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("worker: heartbeat must be positive, got %s", c.Heartbeat)
	}
	return nil
}

// Outcome names how a job ended.
type Outcome string

const (
	OutcomeDone       Outcome = "done"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeRetry      Outcome = "retry"
	OutcomeDeadLetter Outcome = "dead_letter"
	// OutcomeLost means the worker lost its lease or its claim on the
	// context to a newer delivery and stopped without acking.
	OutcomeLost Outcome = "lost"
	// OutcomeError means the job could not even be acked or nacked; it
	// stays queued and is redelivered after its lease expires.
	OutcomeError Outcome = "error"
)

// Result describes one processed job.
type Result struct {
	JobID     string        `json:"job_id"`
	ContextID string        `json:"context_id"`
	Attempt   int           `json:"attempt"`
	Outcome   Outcome       `json:"outcome"`
	Tasks     int           `json:"tasks"`
	Executed  int           `json:"executed"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Hooks are optional callbacks. Nil fields are skipped.
type Hooks struct {
	Clock   func() time.Time
	OnEvent func(typ, message string)
	// OnAnalysis observes every analysis call.
	OnAnalysis func(d time.Duration, err error)
	// OnResult observes every processed job.
	OnResult func(r Result)
}

// Pool is a fixed set of dispatch workers.
type Pool struct {
	store      Store
	queue      Queue
	analyzer   analysis.Analyzer
	normalizer Normalizer
	dispatcher Dispatcher
	cfg        Config
	hooks      Hooks
}

// NewPool creates a worker pool.
func NewPool(st Store, q Queue, a analysis.Analyzer, n Normalizer, d Dispatcher, cfg Config, hooks Hooks) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil || q == nil || a == nil || n == nil || d == nil {
		return nil, errors.New("worker: store, queue, analyzer, normalizer and dispatcher are required")
	}
	if hooks.Clock == nil {
		hooks.Clock = time.Now
	}
	return &Pool{
		store:      st,
		queue:      q,
		analyzer:   a,
		normalizer: n,
		dispatcher: d,
		cfg:        cfg,
		hooks:      hooks,
	}, nil
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job finished or ran out of grace.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("worker pool started",
		"workers", p.cfg.Workers,
		"analysis_timeout", p.cfg.AnalysisTimeout,
		"grace", p.cfg.Grace,
		"heartbeat", p.cfg.Heartbeat,
	)

	g := new(errgroup.Group)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}
	err := g.Wait()
	slog.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("dequeue failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}

		jctx, cancel := withGrace(ctx, p.cfg.Grace)
		p.Process(jctx, job)
		cancel()
	}
}

// withGrace returns a context that outlives parent by grace.
func withGrace(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(grace, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// Process handles one leased job end to end.
func (p *Pool) Process(ctx context.Context, job *session.Job) Result {
	start := time.Now()
	res := Result{JobID: job.ID, ContextID: job.ContextID, Attempt: job.Attempt}
	res.Outcome, res.Err = p.process(ctx, job, &res)
	res.Duration = time.Since(start)

	log := slog.With("job", job.ID, "context", job.ContextID, "attempt", job.Attempt, "outcome", res.Outcome)
	switch res.Outcome {
	case OutcomeDone:
		log.Info("context done", "tasks", res.Tasks, "executed", res.Executed, "duration", res.Duration.Round(time.Millisecond))
		p.emit("context.done", fmt.Sprintf("%s done with %d tasks", job.ContextID, res.Tasks))
	case OutcomeDuplicate:
		log.Info("duplicate job acked")
	case OutcomeRetry, OutcomeDeadLetter:
		// The queue logs retries and dead letters.
	default:
		log.Warn("job abandoned", "error", res.Err)
	}

	if p.hooks.OnResult != nil {
		p.hooks.OnResult(res)
	}
	return res
}

func (p *Pool) process(ctx context.Context, job *session.Job, res *Result) (Outcome, error) {
	l := p.hold(ctx, job)
	defer l.release()

	c, err := p.store.BeginProcessing(l.ctx, job.ContextID, job.Attempt, p.hooks.Clock())
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrStateConflict) {
		// Already DONE, or claimed by a newer delivery.
		return p.ack(ctx, l, OutcomeDuplicate)
	}
	if err != nil {
		return p.fail(ctx, l, fmt.Errorf("claim context: %w", err))
	}

	tasks, analyzed, err := p.store.Tasks(l.ctx, c.ID)
	if err != nil {
		return p.fail(ctx, l, fmt.Errorf("load tasks: %w", err))
	}

	if !analyzed {
		raw, err := p.analyze(l.ctx, c)
		if err != nil {
			return p.fail(ctx, l, fmt.Errorf("analyze: %w", err))
		}
		tasks = p.normalizer.Normalize(raw)

		if err := p.store.SaveTasks(l.ctx, c.ID, job.Attempt, tasks); err != nil {
			if errors.Is(err, session.ErrStateConflict) {
				return OutcomeLost, err
			}
			return p.fail(ctx, l, fmt.Errorf("save tasks: %w", err))
		}
	} else {
		slog.Info("reusing stored analysis", "context", c.ID, "tasks", len(tasks), "attempt", job.Attempt)
	}
	res.Tasks = len(tasks)

	if len(tasks) > 0 {
		// Each record renews the lease before its side effect runs.
		report := p.dispatcher.DispatchAll(l.ctx, c.ID, tasks, l.guard)
		res.Executed = report.Executed()
		if err := report.Err(); err != nil {
			return p.fail(ctx, l, err)
		}
	}

	sum := session.Summary{TaskCount: len(tasks)}
	if err := p.store.FinishContext(l.ctx, c.ID, job.Attempt, sum, p.hooks.Clock()); err != nil {
		if errors.Is(err, session.ErrStateConflict) {
			return OutcomeLost, err
		}
		return p.fail(ctx, l, fmt.Errorf("finish context: %w", err))
	}

	if _, err := p.ack(ctx, l, OutcomeDone); err != nil {
		// The context is DONE; a redelivery acks itself as a duplicate.
		slog.Warn("ack after finish failed", "job", job.ID, "error", err)
	}
	return OutcomeDone, nil
}

func (p *Pool) analyze(ctx context.Context, c *session.Context) (string, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AnalysisTimeout)
	defer cancel()

	start := time.Now()
	raw, err := p.analyzer.Analyze(actx, session.Transcript(c.Messages))
	if p.hooks.OnAnalysis != nil {
		p.hooks.OnAnalysis(time.Since(start), err)
	}
	return raw, err
}

// ack stops the heartbeat and acks the job.
func (p *Pool) ack(ctx context.Context, l *lease, outcome Outcome) (Outcome, error) {
	l.release()
	if err := p.queue.Ack(ctx, l.job); err != nil {
		return p.lostOrError(err)
	}
	return outcome, nil
}

// fail stops the heartbeat and nacks the job with cause. A job whose
// lease was lost is left to its new holder.
func (p *Pool) fail(ctx context.Context, l *lease, cause error) (Outcome, error) {
	l.release()
	if lost := l.lost(); lost != nil {
		return OutcomeLost, errors.Join(cause, lost)
	}
	out, err := p.queue.Nack(ctx, l.job, cause)
	if err != nil {
		return p.lostOrError(errors.Join(cause, err))
	}
	if out.DeadLetter != nil {
		return OutcomeDeadLetter, cause
	}
	return OutcomeRetry, cause
}

func (p *Pool) lostOrError(err error) (Outcome, error) {
	if errors.Is(err, session.ErrLeaseLost) {
		return OutcomeLost, err
	}
	return OutcomeError, err
}

func (p *Pool) emit(typ, msg string) {
	if p.hooks.OnEvent != nil {
		p.hooks.OnEvent(typ, msg)
	}
}
