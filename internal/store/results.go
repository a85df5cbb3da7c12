// ABOUTME: Read queries over the job_results history table.
// ABOUTME: Results are append-only; completion writes them inside the guarded tx.
package store

import (
	"context"
	"fmt"
)

// ListResults returns all JobResult rows for the given job class in
// finish order. Results are append-only; nothing in the store mutates them.
func (s *Store) ListResults(ctx context.Context, jobClass string) ([]JobResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, process_id, request_id, job_class, queue, concurrency_key,
		       outcome, error, retry_attempt, duration_ms, started_at, finished_at
		FROM job_results
		WHERE job_class = $1
		ORDER BY finished_at, retry_attempt`,
		jobClass)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []JobResult
	for rows.Next() {
		var r JobResult
		if err := rows.Scan(
			&r.ID, &r.ProcessID, &r.RequestID, &r.JobClass, &r.Queue, &r.ConcurrencyKey,
			&r.Outcome, &r.Error, &r.RetryAttempt, &r.DurationMS, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountResults returns the number of JobResult rows for the job class.
func (s *Store) CountResults(ctx context.Context, jobClass string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM job_results WHERE job_class = $1", jobClass).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}
