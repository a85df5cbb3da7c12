// Package limiter implements admission control for concurrency-limited job
// classes. Because many workers on separate hosts decide admission
// independently, a bare count-then-insert is racy; the evaluator serializes
// the decision across the whole fleet with a Postgres advisory lock keyed
// by the concurrency group — no coordinator process involved.
package limiter

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/scarson/jobq/internal/store"
)

// Evaluator decides whether a unit of a concurrency group may be admitted.
type Evaluator struct {
	store *store.Store
}

// New creates an Evaluator backed by st.
func New(st *store.Store) *Evaluator {
	return &Evaluator{store: st}
}

// Admit reports whether one more execution of (jobClass, concurrencyKey)
// may start. It must run inside the lease transaction: the
// transaction-scoped advisory lock is then held until the JobProcess row
// is durably committed on the admit path, and released immediately when
// the caller rolls back or moves on after a rejection. A limit <= 0 means
// unlimited and is admitted without taking the lock.
//
// The authoritative count covers JobProcess rows only. Queued JobRequest
// rows do not occupy execution capacity — counting them here would count
// the locked candidate itself and wedge its own group.
func (e *Evaluator) Admit(ctx context.Context, tx pgx.Tx, jobClass, concurrencyKey string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	if err := e.store.AcquireGroupLock(ctx, tx, jobClass, concurrencyKey); err != nil {
		return false, err
	}
	n, err := e.store.CountProcessesInGroup(ctx, tx, jobClass, concurrencyKey)
	if err != nil {
		return false, err
	}
	return n < limit, nil
}

// AdmitEnqueue is the enqueue-time occupancy check used by the scheduler's
// time-bucketed unique enqueue: under the same group advisory lock it
// counts queued requests, in-flight processes, and (optionally) finished
// results for the exact key, admitting only while the total stays under
// limit. For ordinary producer enqueues this check is advisory; the pickup
// check above stays authoritative.
func (e *Evaluator) AdmitEnqueue(ctx context.Context, tx pgx.Tx, jobClass, concurrencyKey string, limit int, countResults bool) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	if err := e.store.AcquireGroupLock(ctx, tx, jobClass, concurrencyKey); err != nil {
		return false, err
	}
	n, err := e.store.GroupOccupancy(ctx, tx, jobClass, concurrencyKey, countResults)
	if err != nil {
		return false, err
	}
	return n < limit, nil
}
