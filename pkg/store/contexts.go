package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/contextd/pkg/session"
)

// AppendResult describes what AppendMessage did.
type AppendResult struct {
	ContextID string
	// Opened is true when the message started a new context.
	Opened bool
	// Duplicate is true when the message id was already recorded in the
	// open context; nothing was written.
	Duplicate bool
	// Seq is the 1-based position of the message in its context.
	Seq int
}

// CloseOutcome is the result of CloseExpired.
type CloseOutcome int

const (
	// CloseSkipped means the context was not OPEN and expired at the
	// cutoff any more (another sweep won, or a message arrived).
	CloseSkipped CloseOutcome = iota
	// CloseEnqueued means the context moved to CLOSING and its job was
	// enqueued in the same transaction.
	CloseEnqueued
	// CloseDiscarded means the context expired without messages and was
	// removed instead of being enqueued.
	CloseDiscarded
)

func (o CloseOutcome) String() string {
	switch o {
	case CloseEnqueued:
		return "enqueued"
	case CloseDiscarded:
		return "discarded"
	default:
		return "skipped"
	}
}

// appendRetries bounds how often AppendMessage retries after the open
// context was closed underneath it.
const appendRetries = 3

// AppendMessage adds msg to the OPEN context for key, opening one first if
// none exists. A message whose platform id is already recorded in that
// context is reported as Duplicate and not stored again.
func (s *Store) AppendMessage(ctx context.Context, key session.Key, msg session.Message, now time.Time) (AppendResult, error) {
	if key == "" {
		return AppendResult{}, fmt.Errorf("append message: empty conversation key")
	}
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}

	var res AppendResult
	var err error
	for i := 0; i < appendRetries; i++ {
		res, err = s.appendOnce(ctx, key, msg, sentAt, now)
		if !errors.Is(err, session.ErrStateConflict) {
			return res, err
		}
	}
	return res, fmt.Errorf("append message to %s: %w", key, err)
}

func (s *Store) appendOnce(ctx context.Context, key session.Key, msg session.Message, sentAt, now time.Time) (AppendResult, error) {
	var res AppendResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, opened, err := s.openContextTx(ctx, tx, key, sentAt, now)
		if err != nil {
			return err
		}
		res.ContextID = id
		res.Opened = opened

		if msg.ID != "" {
			var one int
			err := tx.QueryRowContext(ctx,
				s.q(`SELECT 1 FROM messages WHERE context_id = ? AND message_id = ?`),
				id, msg.ID,
			).Scan(&one)
			switch {
			case err == nil:
				res.Duplicate = true
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("check duplicate message: %w", err)
			}
		}

		ts := millis(sentAt)
		err = tx.QueryRowContext(ctx, s.q(`
			UPDATE contexts
			SET message_count = message_count + 1,
			    last_activity = CASE WHEN last_activity > ? THEN last_activity ELSE ? END,
			    updated_at = ?
			WHERE id = ? AND state = 'OPEN'
			RETURNING message_count`),
			ts, ts, millis(now), id,
		).Scan(&res.Seq)
		if errors.Is(err, sql.ErrNoRows) {
			return session.ErrStateConflict
		}
		if err != nil {
			return fmt.Errorf("bump context: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO messages (context_id, seq, message_id, sender, body, sent_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			id, res.Seq, msg.ID, msg.Sender, msg.Text, ts,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	return res, err
}

// OpenContext returns the OPEN context for key, creating an empty one if
// none exists. The bool reports whether it was created.
func (s *Store) OpenContext(ctx context.Context, key session.Key, now time.Time) (string, bool, error) {
	var id string
	var opened bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, opened, err = s.openContextTx(ctx, tx, key, now, now)
		return err
	})
	return id, opened, err
}

func (s *Store) openContextTx(ctx context.Context, tx *sql.Tx, key session.Key, activity, now time.Time) (string, bool, error) {
	id, err := s.openIDTx(ctx, tx, key)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("find open context: %w", err)
	}

	newID := uuid.NewString()
	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO contexts (id, conv_key, state, opened_at, last_activity, message_count, processing_attempt, updated_at)
		VALUES (?, ?, 'OPEN', ?, ?, 0, 0, ?)
		ON CONFLICT DO NOTHING`),
		newID, string(key), millis(now), millis(activity), millis(now),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return newID, true, nil
	}

	// A concurrent writer opened one first.
	id, err = s.openIDTx(ctx, tx, key)
	if err != nil {
		return "", false, fmt.Errorf("find open context after conflict: %w", err)
	}
	return id, false, nil
}

func (s *Store) openIDTx(ctx context.Context, tx *sql.Tx, key session.Key) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT id FROM contexts WHERE conv_key = ? AND state = 'OPEN'`),
		string(key),
	).Scan(&id)
	return id, err
}

const contextColumns = `id, conv_key, state, opened_at, last_activity, message_count, processing_attempt`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContext(row rowScanner) (session.Context, error) {
	var c session.Context
	var key, state string
	var opened, last int64
	err := row.Scan(&c.ID, &key, &state, &opened, &last, &c.MessageCount, &c.Attempt)
	if err != nil {
		return c, err
	}
	c.Key = session.Key(key)
	c.State = session.State(state)
	c.OpenedAt = fromMillis(opened)
	c.LastActivity = fromMillis(last)
	return c, nil
}

// Get returns a live context with its messages. Contexts that reached DONE
// are no longer live; look them up in history.
func (s *Store) Get(ctx context.Context, id string) (*session.Context, error) {
	c, err := scanContext(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+contextColumns+` FROM contexts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}

	c.Messages, err = s.messages(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) messages(ctx context.Context, db querier, contextID string) ([]session.Message, error) {
	rows, err := db.QueryContext(ctx,
		s.q(`SELECT message_id, sender, body, sent_at FROM messages WHERE context_id = ? ORDER BY seq`),
		contextID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []session.Message
	for rows.Next() {
		var m session.Message
		var sent int64
		if err := rows.Scan(&m.ID, &m.Sender, &m.Text, &sent); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SentAt = fromMillis(sent)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListOpen returns all OPEN contexts, oldest activity first, without messages.
func (s *Store) ListOpen(ctx context.Context) ([]session.Context, error) {
	return s.listContexts(ctx,
		`SELECT `+contextColumns+` FROM contexts WHERE state = 'OPEN' ORDER BY last_activity`)
}

// ListLive returns every context that has not reached DONE.
func (s *Store) ListLive(ctx context.Context) ([]session.Context, error) {
	return s.listContexts(ctx,
		`SELECT `+contextColumns+` FROM contexts ORDER BY opened_at`)
}

// ListExpired returns OPEN contexts whose last activity is at or before cutoff.
func (s *Store) ListExpired(ctx context.Context, cutoff time.Time) ([]session.Context, error) {
	return s.listContexts(ctx,
		`SELECT `+contextColumns+` FROM contexts WHERE state = 'OPEN' AND last_activity <= ? ORDER BY last_activity`,
		millis(cutoff))
}

func (s *Store) listContexts(ctx context.Context, query string, args ...any) ([]session.Context, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	var out []session.Context
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CloseExpired moves one expired OPEN context to CLOSING and enqueues its
// job atomically. The expiry is re-checked against cutoff inside the
// transaction, so a message that arrived after the sweep listed the
// context keeps it open.
func (s *Store) CloseExpired(ctx context.Context, contextID string, cutoff, now time.Time) (CloseOutcome, error) {
	outcome := CloseSkipped
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT message_count FROM contexts
			WHERE id = ? AND state = 'OPEN' AND last_activity <= ?`),
			contextID, millis(cutoff),
		).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("check expired context: %w", err)
		}

		if count == 0 {
			res, err := tx.ExecContext(ctx, s.q(`
				DELETE FROM contexts
				WHERE id = ? AND state = 'OPEN' AND message_count = 0 AND last_activity <= ?`),
				contextID, millis(cutoff),
			)
			if err != nil {
				return fmt.Errorf("discard empty context: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				outcome = CloseDiscarded
			}
			return nil
		}

		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE contexts SET state = 'CLOSING', updated_at = ?
			WHERE id = ? AND state = 'OPEN' AND last_activity <= ?`),
			millis(now), contextID, millis(cutoff),
		)
		if err != nil {
			return fmt.Errorf("close context: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}

		if _, err := s.insertJobTx(ctx, tx, contextID, now); err != nil {
			return err
		}
		outcome = CloseEnqueued
		return nil
	})
	if err != nil {
		return CloseSkipped, err
	}
	return outcome, nil
}

// BeginProcessing claims a context for the job delivery attempt. It
// succeeds from CLOSING, or from PROCESSING when the previous owner had a
// lower attempt (its lease expired and the job was redelivered).
func (s *Store) BeginProcessing(ctx context.Context, contextID string, attempt int, now time.Time) (*session.Context, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE contexts SET state = 'PROCESSING', processing_attempt = ?, updated_at = ?
		WHERE id = ?
		  AND (state = 'CLOSING' OR (state = 'PROCESSING' AND processing_attempt < ?))`),
		attempt, millis(now), contextID, attempt,
	)
	if err != nil {
		return nil, fmt.Errorf("begin processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		if _, err := s.Get(ctx, contextID); err != nil {
			return nil, err
		}
		return nil, session.ErrStateConflict
	}
	return s.Get(ctx, contextID)
}

// SaveTasks stores the normalized analysis of a PROCESSING context so a
// redelivered job dispatches the same records instead of analyzing again.
func (s *Store) SaveTasks(ctx context.Context, contextID string, attempt int, tasks []session.TaskRecord) error {
	if tasks == nil {
		tasks = []session.TaskRecord{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE contexts SET tasks = ?
		WHERE id = ? AND state = 'PROCESSING' AND processing_attempt = ?`),
		string(data), contextID, attempt,
	)
	if err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return session.ErrStateConflict
	}
	return nil
}

// Tasks returns the stored analysis of a context. The bool is false when
// the context has not been analyzed yet.
func (s *Store) Tasks(ctx context.Context, contextID string) ([]session.TaskRecord, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT tasks FROM contexts WHERE id = ?`), contextID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, session.ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("load tasks: %w", err)
	}
	if !raw.Valid {
		return nil, false, nil
	}
	var tasks []session.TaskRecord
	if err := json.Unmarshal([]byte(raw.String), &tasks); err != nil {
		return nil, false, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, true, nil
}

// FinishContext moves a PROCESSING context owned by attempt to DONE: it is
// recorded in history and its messages are released.
func (s *Store) FinishContext(ctx context.Context, contextID string, attempt int, sum session.Summary, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT COUNT(*) FROM contexts
			WHERE id = ? AND state = 'PROCESSING' AND processing_attempt = ?`),
			contextID, attempt,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("check processing context: %w", err)
		}
		if n != 1 {
			return session.ErrStateConflict
		}
		return s.retireTx(ctx, tx, contextID, sum, now)
	})
}

// retireTx writes the history row and deletes the live context.
func (s *Store) retireTx(ctx context.Context, tx *sql.Tx, contextID string, sum session.Summary, now time.Time) error {
	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO history (context_id, conv_key, opened_at, finished_at, message_count, task_count, failed, error)
		SELECT id, conv_key, opened_at, CAST(? AS BIGINT), message_count,
		       CAST(? AS BIGINT), CAST(? AS BIGINT), CAST(? AS TEXT)
		FROM contexts WHERE id = ?
		ON CONFLICT DO NOTHING`),
		millis(now), sum.TaskCount, boolToInt(sum.Failed), sum.Error, contextID,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM messages WHERE context_id = ?`), contextID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM contexts WHERE id = ?`), contextID); err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}
