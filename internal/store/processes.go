// ABOUTME: Queries over job_processes: the atomic request-to-process lease, guarded
// ABOUTME: completion with result + follow-up in one tx, and stale-process selection.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrProcessGone reports that a JobProcess row no longer exists at
// completion time, meaning the rescue task already resolved it. The late
// completion must not write a second JobResult; callers log and drop it.
var ErrProcessGone = errors.New("job process already resolved")

const processColumns = `id, request_id, job_class, args, queue, priority, concurrency_key,
	retries_remaining, retry_attempt, trace_id, span_id, created_at, worker_id, started_at`

func scanProcess(row pgx.Row) (*JobProcess, error) {
	var p JobProcess
	err := row.Scan(
		&p.ID, &p.RequestID, &p.JobClass, &p.Args, &p.Queue, &p.Priority, &p.ConcurrencyKey,
		&p.RetriesRemaining, &p.RetryAttempt, &p.TraceID, &p.SpanID, &p.CreatedAt,
		&p.WorkerID, &p.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LeaseRequest converts a locked JobRequest into a JobProcess inside tx:
// the request row is deleted and the process row inserted in the same
// transaction. Once tx commits, exactly one worker owns the unit. Returns
// ErrProcessGone if the request row vanished under the lock (cannot happen
// with FOR UPDATE held, but the guard is cheap to scan for).
func (s *Store) LeaseRequest(ctx context.Context, tx pgx.Tx, req *JobRequest, workerID string) (*JobProcess, error) {
	deleted, err := s.DeleteRequest(ctx, tx, req.ID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, ErrProcessGone
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO job_processes
			(request_id, job_class, args, queue, priority, concurrency_key,
			 retries_remaining, retry_attempt, trace_id, span_id, created_at, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+processColumns,
		req.ID, req.JobClass, req.Args, req.Queue, req.Priority, req.ConcurrencyKey,
		req.RetriesRemaining, req.RetryAttempt, req.TraceID, req.SpanID, req.CreatedAt,
		workerID,
	)
	proc, err := scanProcess(row)
	if err != nil {
		return nil, fmt.Errorf("insert process: %w", err)
	}
	return proc, nil
}

// CompleteParams describes the terminal resolution of one JobProcess.
// FollowUp, when non-nil, is the retry or defer request inserted in the
// same transaction.
type CompleteParams struct {
	Process  *JobProcess
	Outcome  Outcome
	Error    string
	Duration time.Duration
	FollowUp *NewRequest
}

// CompleteProcess resolves a JobProcess in one transaction: delete the
// process row, insert the JobResult, and insert the follow-up JobRequest if
// any. The delete is guarded — zero rows affected means the rescue task got
// there first, and the whole transaction is abandoned with ErrProcessGone
// so a rescued job never gains a duplicate result.
func (s *Store) CompleteProcess(ctx context.Context, p CompleteParams) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.completeProcessTx(ctx, tx, p)
	})
}

// CompleteProcessTx is CompleteProcess running inside the caller's
// transaction. The rescue path uses it so each rescue resolves atomically
// with its stale-row lock.
func (s *Store) CompleteProcessTx(ctx context.Context, tx pgx.Tx, p CompleteParams) error {
	return s.completeProcessTx(ctx, tx, p)
}

func (s *Store) completeProcessTx(ctx context.Context, tx pgx.Tx, p CompleteParams) error {
	tag, err := tx.Exec(ctx, "DELETE FROM job_processes WHERE id = $1", p.Process.ID)
	if err != nil {
		return fmt.Errorf("delete process %s: %w", p.Process.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProcessGone
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO job_results
			(process_id, request_id, job_class, queue, concurrency_key,
			 outcome, error, retry_attempt, duration_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.Process.ID, p.Process.RequestID, p.Process.JobClass, p.Process.Queue,
		p.Process.ConcurrencyKey, string(p.Outcome), p.Error, p.Process.RetryAttempt,
		p.Duration.Milliseconds(), p.Process.StartedAt,
	); err != nil {
		return fmt.Errorf("insert result for process %s: %w", p.Process.ID, err)
	}

	if p.FollowUp != nil {
		if _, err := s.InsertRequestTx(ctx, tx, *p.FollowUp); err != nil {
			return fmt.Errorf("insert follow-up for process %s: %w", p.Process.ID, err)
		}
	}
	return nil
}

// StaleProcesses locks and returns up to limit JobProcess rows whose
// started_at is older than before. SKIP LOCKED keeps concurrent rescue
// runs (and in-flight completions holding the row) from blocking or
// double-resolving.
func (s *Store) StaleProcesses(ctx context.Context, tx pgx.Tx, before time.Time, limit int) ([]JobProcess, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+processColumns+`
		FROM job_processes
		WHERE started_at < $1
		ORDER BY started_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("select stale processes: %w", err)
	}
	defer rows.Close()

	var out []JobProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale process: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CountProcesses returns the total number of in-flight JobProcess rows.
// Used by the worker stats log and tests.
func (s *Store) CountProcesses(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM job_processes").Scan(&n); err != nil {
		return 0, fmt.Errorf("count processes: %w", err)
	}
	return n, nil
}

// GetProcess returns the JobProcess with the given id, or (nil, nil) if it
// no longer exists.
func (s *Store) GetProcess(ctx context.Context, id uuid.UUID) (*JobProcess, error) {
	proc, err := scanProcess(s.pool.QueryRow(ctx,
		"SELECT "+processColumns+" FROM job_processes WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get process %s: %w", id, err)
	}
	return proc, nil
}
