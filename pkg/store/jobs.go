package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/contextd/pkg/session"
)

const jobColumns = `id, context_id, enqueued_at, attempt, next_retry_at, last_error, lease_token, lease_expires_at`

func scanJob(row rowScanner) (session.Job, error) {
	var j session.Job
	var enq, next, lease int64
	err := row.Scan(&j.ID, &j.ContextID, &enq, &j.Attempt, &next, &j.LastError, &j.LeaseToken, &lease)
	if err != nil {
		return j, err
	}
	j.EnqueuedAt = fromMillis(enq)
	j.NextRetryAt = fromMillis(next)
	j.LeaseExpiresAt = fromMillis(lease)
	return j, nil
}

// EnqueueJob adds a job for contextID. At most one job exists per context;
// the bool is false when one was already queued.
func (s *Store) EnqueueJob(ctx context.Context, contextID string, now time.Time) (bool, error) {
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = s.insertJobTx(ctx, tx, contextID, now)
		return err
	})
	return created, err
}

func (s *Store) insertJobTx(ctx context.Context, tx *sql.Tx, contextID string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO jobs (id, context_id, enqueued_at, attempt, next_retry_at, lease_token, lease_expires_at, last_error)
		VALUES (?, ?, ?, 0, ?, '', 0, '')
		ON CONFLICT DO NOTHING`),
		uuid.NewString(), contextID, millis(now), millis(now),
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// LeaseJob hands the oldest ready job to the caller for lease. Ready means
// its retry time has passed and nobody holds an unexpired lease on it. The
// job's attempt counter is incremented and a fresh lease token issued.
// Returns nil, nil when no job is ready.
func (s *Store) LeaseJob(ctx context.Context, now time.Time, lease time.Duration) (*session.Job, error) {
	pick := `SELECT id FROM jobs WHERE next_retry_at <= ? AND lease_expires_at <= ?
		ORDER BY next_retry_at, enqueued_at LIMIT 1`
	if s.driver == DriverPostgres {
		pick += ` FOR UPDATE SKIP LOCKED`
	}

	ts := millis(now)
	j, err := scanJob(s.db.QueryRowContext(ctx, s.q(`
		UPDATE jobs
		SET attempt = attempt + 1, lease_token = ?, lease_expires_at = ?
		WHERE id = (`+pick+`)
		  AND next_retry_at <= ? AND lease_expires_at <= ?
		RETURNING `+jobColumns),
		uuid.NewString(), millis(now.Add(lease)), ts, ts, ts, ts,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	return &j, nil
}

// ExtendLease pushes the lease of a held job out to until.
func (s *Store) ExtendLease(ctx context.Context, job *session.Job, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE jobs SET lease_expires_at = ? WHERE id = ? AND lease_token = ?`),
		millis(until), job.ID, job.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return session.ErrLeaseLost
	}
	job.LeaseExpiresAt = until
	return nil
}

// AckJob removes a completed job. Fails with ErrLeaseLost when the caller's
// lease was superseded.
func (s *Store) AckJob(ctx context.Context, job *session.Job) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM jobs WHERE id = ? AND lease_token = ?`),
		job.ID, job.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return session.ErrLeaseLost
	}
	return nil
}

// RetryJob releases the lease and makes the job ready again at next.
func (s *Store) RetryJob(ctx context.Context, job *session.Job, next time.Time, cause string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET next_retry_at = ?, last_error = ?, lease_token = '', lease_expires_at = 0
		WHERE id = ? AND lease_token = ?`),
		millis(next), cause, job.ID, job.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return session.ErrLeaseLost
	}
	job.NextRetryAt = next
	job.LastError = cause
	job.LeaseToken = ""
	job.LeaseExpiresAt = time.Time{}
	return nil
}

// DeadLetterJob removes a job that exhausted its retries, keeps the
// transcript of its context in the dead-letter table and marks the context
// DONE with the failure recorded. All in one transaction.
//
// A job found to be over its attempt budget right after leasing is held
// by the caller too, so the lease token fences this the same as Ack.
func (s *Store) DeadLetterJob(ctx context.Context, job *session.Job, cause string, now time.Time) (*session.DeadLetter, error) {
	dl := &session.DeadLetter{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		ContextID: job.ContextID,
		Attempts:  job.Attempt,
		LastError: cause,
		DeadAt:    now.UTC(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.q(`DELETE FROM jobs WHERE id = ? AND lease_token = ?`),
			job.ID, job.LeaseToken,
		)
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return session.ErrLeaseLost
		}

		var key string
		err = tx.QueryRowContext(ctx,
			s.q(`SELECT conv_key FROM contexts WHERE id = ?`), job.ContextID,
		).Scan(&key)
		live := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load dead context: %w", err)
		}
		dl.Key = session.Key(key)

		if live {
			msgs, err := s.messages(ctx, tx, job.ContextID)
			if err != nil {
				return err
			}
			dl.Transcript = session.Transcript(msgs)
		}

		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO dead_letters (id, job_id, context_id, conv_key, attempts, last_error, transcript, dead_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			dl.ID, dl.JobID, dl.ContextID, key, dl.Attempts, dl.LastError, dl.Transcript, millis(now),
		)
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}

		if !live {
			return nil
		}
		return s.retireTx(ctx, tx, job.ContextID, session.Summary{Failed: true, Error: cause}, now)
	})
	if err != nil {
		return nil, err
	}
	return dl, nil
}

// ListJobs returns all queued jobs in lease order.
func (s *Store) ListJobs(ctx context.Context) ([]session.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY next_retry_at, enqueued_at`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []session.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
