// ABOUTME: Queries over job_requests: insert, SKIP LOCKED candidate pickup, defer,
// ABOUTME: group occupancy counts, and backlog introspection.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the subset of pgx operations shared by *pgxpool.Pool and
// pgx.Tx, letting request helpers run either standalone or inside the
// lease/completion transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewRequest holds the fields for creating a JobRequest row.
type NewRequest struct {
	JobClass         string
	Args             json.RawMessage
	Queue            string
	Priority         int16
	ConcurrencyKey   string
	StartAt          *time.Time
	RetriesRemaining int32
	RetryAttempt     int32
	TraceID          string
	SpanID           string
}

const requestColumns = `id, job_class, args, queue, priority, concurrency_key,
	start_at, retries_remaining, retry_attempt, trace_id, span_id, created_at`

func scanRequest(row pgx.Row) (*JobRequest, error) {
	var r JobRequest
	err := row.Scan(
		&r.ID, &r.JobClass, &r.Args, &r.Queue, &r.Priority, &r.ConcurrencyKey,
		&r.StartAt, &r.RetriesRemaining, &r.RetryAttempt, &r.TraceID, &r.SpanID, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertRequest creates a new JobRequest row and returns it.
func (s *Store) InsertRequest(ctx context.Context, p NewRequest) (*JobRequest, error) {
	return insertRequest(ctx, s.pool, p)
}

// InsertRequestTx creates a new JobRequest row inside tx. Used by the
// completion path so retry/defer follow-up rows commit atomically with the
// JobProcess removal, and by the scheduled-unique enqueue path.
func (s *Store) InsertRequestTx(ctx context.Context, tx pgx.Tx, p NewRequest) (*JobRequest, error) {
	return insertRequest(ctx, tx, p)
}

func insertRequest(ctx context.Context, q querier, p NewRequest) (*JobRequest, error) {
	args := p.Args
	if args == nil {
		args = json.RawMessage(`{}`)
	}
	row := q.QueryRow(ctx, `
		INSERT INTO job_requests
			(job_class, args, queue, priority, concurrency_key, start_at,
			 retries_remaining, retry_attempt, trace_id, span_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+requestColumns,
		p.JobClass, args, p.Queue, p.Priority, p.ConcurrencyKey, p.StartAt,
		p.RetriesRemaining, p.RetryAttempt, p.TraceID, p.SpanID,
	)
	req, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}
	return req, nil
}

// LockReadyRequest locks and returns one ready JobRequest in the given
// queues: start_at is NULL or has passed, ordered by priority desc, then
// start_at desc, then created_at desc. FOR UPDATE SKIP LOCKED means
// concurrent workers never block on or double-pick the same row. Returns
// (nil, nil) when no candidate is available.
func (s *Store) LockReadyRequest(ctx context.Context, tx pgx.Tx, queues []string) (*JobRequest, error) {
	query, args, err := psql.
		Select("id", "job_class", "args", "queue", "priority", "concurrency_key",
			"start_at", "retries_remaining", "retry_attempt", "trace_id", "span_id", "created_at").
		From("job_requests").
		Where(sq.Eq{"queue": queues}).
		Where("(start_at IS NULL OR start_at <= now())").
		OrderBy("priority DESC", "start_at DESC", "created_at DESC").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pickup query: %w", err)
	}

	req, err := scanRequest(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock ready request: %w", err)
	}
	return req, nil
}

// DeferRequest pushes a request's start_at to the given time. Used to
// cool down a concurrency-rejected row and to park rows whose job_class
// has no registered handler.
func (s *Store) DeferRequest(ctx context.Context, tx pgx.Tx, id uuid.UUID, until time.Time) error {
	if _, err := tx.Exec(ctx,
		"UPDATE job_requests SET start_at = $2 WHERE id = $1", id, until); err != nil {
		return fmt.Errorf("defer request %s: %w", id, err)
	}
	return nil
}

// DeleteRequest removes a JobRequest row inside tx. The lease transaction
// pairs this with InsertProcess.
func (s *Store) DeleteRequest(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, "DELETE FROM job_requests WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("delete request %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountProcessesInGroup returns the number of JobProcess rows in the
// concurrency group. This is the authoritative pickup-time admission count:
// queued requests do not consume execution capacity, and counting them here
// would count the locked candidate itself.
func (s *Store) CountProcessesInGroup(ctx context.Context, tx pgx.Tx, jobClass, concurrencyKey string) (int, error) {
	var n int
	err := tx.QueryRow(ctx,
		"SELECT count(*) FROM job_processes WHERE job_class = $1 AND concurrency_key = $2",
		jobClass, concurrencyKey,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count processes in group: %w", err)
	}
	return n, nil
}

// GroupOccupancy returns the combined JobRequest + JobProcess count for the
// concurrency group, optionally also counting JobResult rows. The
// enqueue-time pre-check uses requests + processes; the scheduler's
// time-bucketed unique enqueue also counts results so that a run that has
// already finished still suppresses a duplicate for the same period.
func (s *Store) GroupOccupancy(ctx context.Context, tx pgx.Tx, jobClass, concurrencyKey string, includeResults bool) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM job_requests  WHERE job_class = $1 AND concurrency_key = $2) +
			(SELECT count(*) FROM job_processes WHERE job_class = $1 AND concurrency_key = $2)`,
		jobClass, concurrencyKey,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("group occupancy: %w", err)
	}
	if includeResults {
		var r int
		err := tx.QueryRow(ctx,
			"SELECT count(*) FROM job_results WHERE job_class = $1 AND concurrency_key = $2",
			jobClass, concurrencyKey,
		).Scan(&r)
		if err != nil {
			return 0, fmt.Errorf("group occupancy results: %w", err)
		}
		n += r
	}
	return n, nil
}

// BacklogCount returns the number of ready JobRequest rows in the given
// queues. Used by the worker's periodic stats logging.
func (s *Store) BacklogCount(ctx context.Context, queues []string) (int, error) {
	query, args, err := psql.
		Select("count(*)").
		From("job_requests").
		Where(sq.Eq{"queue": queues}).
		Where("(start_at IS NULL OR start_at <= now())").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build backlog query: %w", err)
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("backlog count: %w", err)
	}
	return n, nil
}

// ListRequests returns all JobRequest rows for the given job class, newest
// first. Intended for the enqueue CLI and tests.
func (s *Store) ListRequests(ctx context.Context, jobClass string) ([]JobRequest, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+requestColumns+" FROM job_requests WHERE job_class = $1 ORDER BY created_at DESC",
		jobClass)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []JobRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}
