// ABOUTME: Periodic maintenance: rescues processes whose worker died and fires cron
// ABOUTME: schedules through concurrency-keyed unique enqueue.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scarson/jobq/internal/job"
	"github.com/scarson/jobq/internal/store"
)

// rescueBatchSize bounds how many stale processes one rescue transaction
// resolves, keeping row locks short under a large orphan backlog.
const rescueBatchSize = 100

// maxScheduleCatchUp caps how many missed periods a single tick fires for
// one entry, so a worker waking from a long pause does not flood a queue.
const maxScheduleCatchUp = 10

// maintenanceLoop runs rescue and scheduling on a shared ticker. Uses
// time.NewTicker (not time.After) to avoid timer leaks.
func (w *Worker) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runRescue(ctx)
			w.runSchedules(ctx)
		}
	}
}

// runRescue terminalizes JobProcess rows whose started_at is older than
// the rescue threshold. Each batch resolves inside one transaction with
// the stale rows locked, so a second rescue pass (or a racing worker's)
// finds nothing to do — rescue is idempotent by construction.
func (w *Worker) runRescue(ctx context.Context) {
	cutoff := time.Now().Add(-w.cfg.RescueAfter)
	for {
		n, err := w.rescueBatch(ctx, cutoff)
		if err != nil {
			w.log.Error("rescue stale processes", "error", err)
			return
		}
		if n == 0 {
			return
		}
		rescuedJobs.Add(float64(n))
		w.log.Warn("rescued lost job processes", "count", n, "cutoff", cutoff)
	}
}

func (w *Worker) rescueBatch(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := w.store.WithTx(ctx, func(tx pgx.Tx) error {
		procs, err := w.store.StaleProcesses(ctx, tx, cutoff, rescueBatchSize)
		if err != nil {
			return err
		}
		for i := range procs {
			proc := &procs[i]
			if err := w.store.CompleteProcessTx(ctx, tx, w.rescueParams(proc)); err != nil {
				return fmt.Errorf("rescue process %s: %w", proc.ID, err)
			}
		}
		count = len(procs)
		return nil
	})
	return count, err
}

// rescueParams builds the terminal resolution for a lost process. A
// retryable job is recorded FAILED and re-enqueued with the standard
// backoff; otherwise the attempt is recorded CANCELLED — no handler error
// exists, the worker simply vanished.
func (w *Worker) rescueParams(proc *store.JobProcess) store.CompleteParams {
	lostFor := time.Since(proc.StartedAt)
	params := store.CompleteParams{
		Process:  proc,
		Duration: lostFor,
		Error:    fmt.Sprintf("worker lost: no result after %s (worker %s)", lostFor.Round(time.Second), proc.WorkerID),
	}

	if !w.cfg.RescueRetry || proc.RetriesRemaining <= 0 {
		params.Outcome = store.OutcomeCancelled
		return params
	}

	params.Outcome = store.OutcomeFailed
	attempt := int(proc.RetryAttempt) + 1
	delay := job.DefaultRetryStrategy.Delay(attempt)
	if def, ok := w.registry.Resolve(proc.JobClass); ok {
		delay = def.RetryDelayFor(attempt)
	}
	at := time.Now().Add(delay)
	params.FollowUp = &store.NewRequest{
		JobClass:         proc.JobClass,
		Args:             proc.Args,
		Queue:            proc.Queue,
		Priority:         proc.Priority,
		ConcurrencyKey:   proc.ConcurrencyKey,
		StartAt:          &at,
		RetriesRemaining: proc.RetriesRemaining - 1,
		RetryAttempt:     proc.RetryAttempt + 1,
		TraceID:          proc.TraceID,
		SpanID:           proc.SpanID,
	}
	return params
}

// runSchedules fires every due period of every schedule entry. The
// time-bucketed concurrency key makes the enqueue unique per period across
// the fleet; in-memory nextFire only spares this worker redundant
// attempts.
func (w *Worker) runSchedules(ctx context.Context) {
	now := time.Now()
	for i := range w.cfg.Schedules {
		entry := &w.cfg.Schedules[i]
		fired := 0
		for !w.nextFire[i].After(now) && fired < maxScheduleCatchUp {
			fireAt := w.nextFire[i]
			req, err := w.client.EnqueueUnique(ctx, entry.JobClass, entry.Args, entry.BucketKey(fireAt), 1)
			if err != nil {
				w.log.Error("enqueue scheduled job",
					"job_class", entry.JobClass, "fire_at", fireAt, "error", err)
				break
			}
			if req != nil {
				w.log.Info("scheduled job enqueued",
					"job_class", entry.JobClass, "fire_at", fireAt, "request_id", req.ID)
			}
			w.nextFire[i] = entry.NextAfter(fireAt)
			fired++
		}
		// Catch-up overflow: skip ahead rather than replaying a flood.
		if !w.nextFire[i].After(now) && fired >= maxScheduleCatchUp {
			w.nextFire[i] = entry.NextAfter(now)
		}
	}
}
