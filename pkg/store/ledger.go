package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nous-labs/contextd/pkg/session"
)

// ExecutedAction looks up an idempotency key in the action ledger and
// returns the external id recorded for it.
func (s *Store) ExecutedAction(ctx context.Context, key string) (string, bool, error) {
	var ext string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT external_id FROM executed_actions WHERE idempotency_key = ?`), key,
	).Scan(&ext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup executed action: %w", err)
	}
	return ext, true, nil
}

// MarkExecuted records that the action behind key ran. Recording the same
// key twice keeps the first entry.
func (s *Store) MarkExecuted(ctx context.Context, key, contextID string, kind session.TaskKind, externalID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO executed_actions (idempotency_key, context_id, kind, external_id, executed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		key, contextID, string(kind), externalID, millis(now),
	)
	if err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}
	return nil
}

// ListHistory returns DONE contexts, most recent first.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]session.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT context_id, conv_key, opened_at, finished_at, message_count, task_count, failed, error
		FROM history ORDER BY finished_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []session.HistoryEntry
	for rows.Next() {
		var h session.HistoryEntry
		var key string
		var opened, finished int64
		var failed int
		if err := rows.Scan(&h.ContextID, &key, &opened, &finished, &h.MessageCount, &h.TaskCount, &failed, &h.Error); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.Key = session.Key(key)
		h.OpenedAt = fromMillis(opened)
		h.FinishedAt = fromMillis(finished)
		h.Failed = failed != 0
		out = append(out, h)
	}
	return out, rows.Err()
}

// History returns the DONE record of one context.
func (s *Store) History(ctx context.Context, contextID string) (*session.HistoryEntry, error) {
	var h session.HistoryEntry
	var key string
	var opened, finished int64
	var failed int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT context_id, conv_key, opened_at, finished_at, message_count, task_count, failed, error
		FROM history WHERE context_id = ?`), contextID,
	).Scan(&h.ContextID, &key, &opened, &finished, &h.MessageCount, &h.TaskCount, &failed, &h.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	h.Key = session.Key(key)
	h.OpenedAt = fromMillis(opened)
	h.FinishedAt = fromMillis(finished)
	h.Failed = failed != 0
	return &h, nil
}

// ListDeadLetters returns dead letters, most recent first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]session.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, job_id, context_id, conv_key, attempts, last_error, transcript, dead_at
		FROM dead_letters ORDER BY dead_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []session.DeadLetter
	for rows.Next() {
		var d session.DeadLetter
		var key string
		var dead int64
		if err := rows.Scan(&d.ID, &d.JobID, &d.ContextID, &key, &d.Attempts, &d.LastError, &d.Transcript, &dead); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.Key = session.Key(key)
		d.DeadAt = fromMillis(dead)
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneResult counts rows removed by Prune.
type PruneResult struct {
	History int64
	Actions int64
}

// Prune drops history and ledger rows older than before. Dead letters are
// kept until removed by an operator.
func (s *Store) Prune(ctx context.Context, before time.Time) (PruneResult, error) {
	var pr PruneResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM history WHERE finished_at < ?`), millis(before))
		if err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
		pr.History, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, s.q(`DELETE FROM executed_actions WHERE executed_at < ?`), millis(before))
		if err != nil {
			return fmt.Errorf("prune actions: %w", err)
		}
		pr.Actions, _ = res.RowsAffected()
		return nil
	})
	return pr, err
}

// DeleteDeadLetter removes one dead letter after an operator handled it.
func (s *Store) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dead_letters WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return session.ErrNotFound
	}
	return nil
}
