// Package window implements the Window Manager: it appends inbound
// messages to the OPEN context of their conversation and periodically
// sweeps for contexts that have been silent past the inactivity timeout,
// closing them and enqueuing their dispatch job.
//
// The sweep is a single scheduled loop. Overlap with other sweeps (another
// process, a manual run) is safe because every close is a compare-and-set
// in the store.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nous-labs/contextd/pkg/session"
	"github.com/nous-labs/contextd/pkg/store"
)

// Store is the subset of the session store the manager needs.
type Store interface {
	AppendMessage(ctx context.Context, key session.Key, msg session.Message, now time.Time) (store.AppendResult, error)
	ListExpired(ctx context.Context, cutoff time.Time) ([]session.Context, error)
	CloseExpired(ctx context.Context, contextID string, cutoff, now time.Time) (store.CloseOutcome, error)
	Prune(ctx context.Context, before time.Time) (store.PruneResult, error)
}

// EventFunc is a callback for publishing lifecycle events.
// Parameters: event type, message.
type EventFunc func(typ, message string)

// Config holds window manager settings. Timeout and Interval are required.
type Config struct {
	Timeout  time.Duration // inactivity that closes a context
	Interval time.Duration // sweep period
	// Retention is how long DONE history and executed-action markers are
	// kept. Zero disables pruning.
	Retention time.Duration
	// RecentIDs sizes the in-process filter of recently appended message
	// ids. Zero disables it; the store still rejects duplicates.
	RecentIDs int
}

// Validate checks that the config is usable.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("window: timeout must be positive, got %s", c.Timeout)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("window: sweep interval must be positive, got %s", c.Interval)
	}
	if c.Retention < 0 {
		return fmt.Errorf("window: retention must not be negative, got %s", c.Retention)
	}
	return nil
}

// Hooks are optional callbacks. Nil fields are skipped.
type Hooks struct {
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// OnEvent receives lifecycle events for the ops stream.
	OnEvent EventFunc
	// OnClosed is called after a context was closed and its job enqueued.
	OnClosed func(contextID string)
	// OnAppend is called after a message was stored.
	OnAppend func(res store.AppendResult)
	// OnReport receives every sweep report.
	OnReport func(r *Report)
}

// Report holds the results of a single sweep.
type Report struct {
	Cycle     int       `json:"cycle"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Scanned   int       `json:"scanned"`
	Closed    int       `json:"closed"`
	Discarded int       `json:"discarded"`
	Skipped   int       `json:"skipped"`
	Pruned    int64     `json:"pruned"`
	Errors    []string  `json:"errors,omitempty"`
}

// Manager owns context creation, append and close.
type Manager struct {
	store Store
	cfg   Config
	hooks Hooks

	recent *lru.Cache[string, struct{}]

	mu         sync.RWMutex
	lastReport *Report
	cycles     int
}

// NewManager creates a window manager.
func NewManager(st Store, cfg Config, hooks Hooks) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hooks.Clock == nil {
		hooks.Clock = time.Now
	}
	m := &Manager{store: st, cfg: cfg, hooks: hooks}
	if cfg.RecentIDs > 0 {
		cache, err := lru.New[string, struct{}](cfg.RecentIDs)
		if err != nil {
			return nil, fmt.Errorf("window: recent id cache: %w", err)
		}
		m.recent = cache
	}
	return m, nil
}

// Append adds msg to the OPEN context for key, opening one if needed.
// A message redelivered with an id already seen for key is dropped and
// reported as Duplicate.
func (m *Manager) Append(ctx context.Context, key session.Key, msg session.Message) (store.AppendResult, error) {
	if key == "" {
		return store.AppendResult{}, errors.New("window: empty conversation key")
	}

	recentKey := string(key) + "\x00" + msg.ID
	if m.recent != nil && msg.ID != "" && m.recent.Contains(recentKey) {
		slog.Debug("window: dropped redelivered message", "key", key, "message_id", msg.ID)
		return store.AppendResult{Duplicate: true}, nil
	}

	res, err := m.store.AppendMessage(ctx, key, msg, m.hooks.Clock())
	if err != nil {
		return res, fmt.Errorf("append to %s: %w", key, err)
	}
	if m.recent != nil && msg.ID != "" {
		m.recent.Add(recentKey, struct{}{})
	}

	if res.Duplicate {
		slog.Debug("window: duplicate message", "key", key, "context", res.ContextID, "message_id", msg.ID)
		return res, nil
	}
	if res.Opened {
		slog.Info("context opened", "key", key, "context", res.ContextID)
		m.emit("context.opened", fmt.Sprintf("%s opened for %s", res.ContextID, key))
	}
	if m.hooks.OnAppend != nil {
		m.hooks.OnAppend(res)
	}
	return res, nil
}

// Sweep closes every OPEN context silent for at least the timeout at now.
// Failing to list contexts fails the sweep; a failure on one context is
// recorded in the report and the sweep moves on.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (*Report, error) {
	m.mu.Lock()
	m.cycles++
	cycle := m.cycles
	m.mu.Unlock()

	start := time.Now()
	report := &Report{Cycle: cycle, StartedAt: now}

	cutoff := now.Add(-m.cfg.Timeout)
	expired, err := m.store.ListExpired(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("sweep: list expired: %w", err)
	}
	report.Scanned = len(expired)

	for _, c := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out, err := m.store.CloseExpired(ctx, c.ID, cutoff, now)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", c.ID, err))
			slog.Error("sweep: close context", "context", c.ID, "key", c.Key, "error", err)
			continue
		}
		switch out {
		case store.CloseEnqueued:
			report.Closed++
			slog.Info("context closed",
				"key", c.Key,
				"context", c.ID,
				"messages", c.MessageCount,
				"idle", c.Idle(now).Round(time.Second),
			)
			m.emit("context.closed", fmt.Sprintf("%s closed with %d messages", c.ID, c.MessageCount))
			if m.hooks.OnClosed != nil {
				m.hooks.OnClosed(c.ID)
			}
		case store.CloseDiscarded:
			report.Discarded++
			slog.Debug("empty context discarded", "key", c.Key, "context", c.ID)
		default:
			report.Skipped++
		}
	}

	if m.cfg.Retention > 0 {
		pr, err := m.store.Prune(ctx, now.Add(-m.cfg.Retention))
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("prune: %v", err))
			slog.Warn("sweep: prune", "error", err)
		} else {
			report.Pruned = pr.History + pr.Actions
		}
	}

	report.Duration = time.Since(start).Round(time.Millisecond).String()

	m.mu.Lock()
	m.lastReport = report
	m.mu.Unlock()

	if m.hooks.OnReport != nil {
		m.hooks.OnReport(report)
	}
	return report, nil
}

// Run sweeps once immediately, so contexts that expired while the process
// was down close right away, then on every interval tick. Blocks until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	slog.Info("window manager started",
		"timeout", m.cfg.Timeout,
		"interval", m.cfg.Interval,
		"retention", m.cfg.Retention,
	)

	m.tick(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("window manager stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	report, err := m.Sweep(ctx, m.hooks.Clock())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("sweep failed", "cycle", report.Cycle, "error", err)
		m.emit("sweep.error", err.Error())
		return
	}
	if report.Closed > 0 || report.Discarded > 0 || len(report.Errors) > 0 {
		slog.Info("sweep complete",
			"cycle", report.Cycle,
			"duration", report.Duration,
			"closed", report.Closed,
			"discarded", report.Discarded,
			"skipped", report.Skipped,
			"pruned", report.Pruned,
			"errors", len(report.Errors),
		)
	}
}

// LastReport returns the most recent sweep report, or nil.
func (m *Manager) LastReport() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReport
}

// Timeout returns the configured inactivity timeout.
func (m *Manager) Timeout() time.Duration {
	return m.cfg.Timeout
}

func (m *Manager) emit(typ, msg string) {
	if m.hooks.OnEvent != nil {
		m.hooks.OnEvent(typ, msg)
	}
}
