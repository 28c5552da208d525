package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nous-labs/contextd/pkg/session"
)

// lease keeps a dequeued job invisible to other workers while this one
// holds it. A heartbeat renews it in the background; losing it cancels
// ctx with session.ErrLeaseLost as the cause.
type lease struct {
	queue Queue
	job   *session.Job

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex // serializes renewals; Extend writes job
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (p *Pool) hold(ctx context.Context, job *session.Job) *lease {
	lctx, cancel := context.WithCancelCause(ctx)
	l := &lease{
		queue:  p.queue,
		job:    job,
		ctx:    lctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.heartbeat(p.cfg.Heartbeat)
	return l
}

func (l *lease) heartbeat(every time.Duration) {
	defer close(l.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-t.C:
			if err := l.renew(); errors.Is(err, session.ErrLeaseLost) {
				return
			}
		}
	}
}

// renew extends the lease by a full period.
func (l *lease) renew() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return context.Cause(l.ctx)
	}
	err := l.queue.Extend(l.ctx, l.job)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrLeaseLost):
		slog.Warn("job lease lost", "job", l.job.ID, "context", l.job.ContextID, "attempt", l.job.Attempt)
		l.cancel(err)
	default:
		slog.Warn("job lease renewal failed", "job", l.job.ID, "error", err)
	}
	return err
}

// guard renews the lease before each dispatched record.
func (l *lease) guard(_ context.Context, _ int) error {
	return l.renew()
}

// lost returns the cause if the lease was taken over.
func (l *lease) lost() error {
	if cause := context.Cause(l.ctx); errors.Is(cause, session.ErrLeaseLost) {
		return cause
	}
	return nil
}

// release stops the heartbeat and waits for it, so the job can be acked
// or nacked without a renewal racing it.
func (l *lease) release() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	l.cancel(context.Canceled)
}
