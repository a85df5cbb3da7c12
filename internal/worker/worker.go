// Package worker implements the pickup loop and execution pool: it polls
// job_requests with FOR UPDATE SKIP LOCKED, re-validates concurrency
// limits under the group advisory lock, converts requests into processes
// in one atomic lease transaction, and dispatches execution to a bounded
// goroutine pool. A shared maintenance goroutine rescues orphaned
// processes and fires scheduled jobs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scarson/jobq/internal/job"
	"github.com/scarson/jobq/internal/limiter"
	"github.com/scarson/jobq/internal/queue"
	"github.com/scarson/jobq/internal/store"
)

// Config holds worker tuning parameters (sourced from config.Config).
type Config struct {
	// Queues this worker polls. Empty defaults to the default queue.
	Queues []string

	// MaxConcurrent bounds simultaneously executing jobs. The poll loop
	// refuses to claim work when all slots are busy (back-pressure).
	MaxConcurrent int

	// PollInterval is the idle sleep between empty polls — the only
	// intentional block in the loop. Interruptible on shutdown.
	PollInterval time.Duration

	// StatsInterval is how often in-flight and backlog figures are logged.
	StatsInterval time.Duration

	// MaintenanceInterval is how often rescue and scheduling run.
	MaintenanceInterval time.Duration

	// RescueAfter is the age at which a JobProcess with no result is
	// considered lost.
	RescueAfter time.Duration

	// RescueRetry re-enqueues rescued jobs that still have retries left.
	RescueRetry bool

	// RejectCooldown nudges a concurrency-rejected row's start_at forward
	// so pollers do not hot-loop on a blocked group. Zero leaves rejected
	// rows untouched and falls back to the poll-interval sleep.
	RejectCooldown time.Duration

	// UnregisteredCooldown parks rows whose job_class has no registered
	// handler. Such rows are logged and left stuck rather than consumed.
	UnregisteredCooldown time.Duration

	// Schedules are the static recurrence entries this worker maintains.
	Schedules []queue.ScheduledJob
}

func (c Config) withDefaults() Config {
	if len(c.Queues) == 0 {
		c.Queues = []string{job.DefaultQueue}
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 30 * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.RescueAfter <= 0 {
		c.RescueAfter = 24 * time.Hour
	}
	if c.RejectCooldown < 0 {
		c.RejectCooldown = 0
	}
	if c.UnregisteredCooldown <= 0 {
		c.UnregisteredCooldown = time.Hour
	}
	return c
}

// Worker owns one process's share of the fleet: a polling goroutine, a
// bounded execution pool, and the maintenance goroutine. All cross-process
// coordination goes through Postgres row and advisory locks; nothing here
// assumes other workers share memory.
type Worker struct {
	store    *store.Store
	registry *job.Registry
	limiter  *limiter.Evaluator
	client   *queue.Client
	exec     *Executor
	cfg      Config
	workerID string
	log      *slog.Logger

	slots    chan struct{}
	wg       sync.WaitGroup
	inflight atomic.Int64

	// nextFire tracks each schedule entry's next due period in memory;
	// cross-worker duplicate suppression happens in EnqueueUnique.
	nextFire []time.Time
}

// New creates a Worker. It compiles every schedule entry and verifies its
// job class is registered, so a misconfigured worker fails at startup
// instead of silently skipping periods.
func New(st *store.Store, reg *job.Registry, cfg Config) (*Worker, error) {
	cfg = cfg.withDefaults()

	for i := range cfg.Schedules {
		entry := &cfg.Schedules[i]
		if _, ok := reg.Resolve(entry.JobClass); !ok {
			return nil, fmt.Errorf("schedule %s: job class not registered", entry.JobClass)
		}
		if err := entry.Compile(); err != nil {
			return nil, err
		}
	}

	log := slog.Default()
	w := &Worker{
		store:    st,
		registry: reg,
		limiter:  limiter.New(st),
		client:   queue.NewClient(st, reg, log),
		cfg:      cfg,
		workerID: uuid.New().String(),
		log:      log,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
	}
	w.exec = NewExecutor(st, reg, log)
	return w, nil
}

// WorkerID returns this process's identity as written to
// job_processes.worker_id.
func (w *Worker) WorkerID() string { return w.workerID }

// Inflight returns the number of currently executing jobs.
func (w *Worker) Inflight() int64 { return w.inflight.Load() }

// Start runs the poll, maintenance, and stats goroutines until ctx is
// cancelled, then waits for in-flight jobs to finish. Completion writes
// survive cancellation (the executor detaches them from ctx), so a drained
// shutdown leaves no dangling JobProcess rows for jobs that finished.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("worker started",
		"worker_id", w.workerID,
		"queues", w.cfg.Queues,
		"max_concurrent", w.cfg.MaxConcurrent,
		"poll_interval", w.cfg.PollInterval,
	)

	now := time.Now()
	w.nextFire = make([]time.Time, len(w.cfg.Schedules))
	for i := range w.cfg.Schedules {
		w.nextFire[i] = w.cfg.Schedules[i].NextAfter(now)
	}

	var loops sync.WaitGroup
	loops.Add(3)
	go func() {
		defer loops.Done()
		w.pollLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		w.maintenanceLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		w.statsLoop(ctx)
	}()

	loops.Wait()
	w.wg.Wait() // drain in-flight executions
	w.log.Info("worker stopped", "worker_id", w.workerID)
}

// pollLoop claims and dispatches work until ctx is cancelled. After any
// productive poll (dispatch, rejection nudge, unregistered park) it polls
// again immediately; only an empty poll sleeps.
func (w *Worker) pollLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if w.pollOnce(ctx) {
			continue
		}
		timer := time.NewTimer(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollOnce runs one iteration of the pickup state machine. It returns true
// when the loop should poll again immediately and false when it should
// sleep (no candidate, no free slot, or an error worth backing off from).
func (w *Worker) pollOnce(ctx context.Context) bool {
	// Acquire an execution slot before touching the database: a worker at
	// capacity must not claim rows it cannot run.
	select {
	case w.slots <- struct{}{}:
	default:
		return false
	}

	dispatched := false
	defer func() {
		if !dispatched {
			<-w.slots
		}
	}()

	tx, err := w.store.Pool().Begin(ctx)
	if err != nil {
		w.log.Error("begin pickup tx", "error", err)
		return false
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	req, err := w.store.LockReadyRequest(ctx, tx, w.cfg.Queues)
	if err != nil {
		w.log.Error("lock ready request", "error", err)
		return false
	}
	if req == nil {
		return false
	}

	def, ok := w.registry.Resolve(req.JobClass)
	if !ok {
		// Leave the row stuck but parked so the poller does not spin on it.
		w.log.Error("no handler registered for job class",
			"job_class", req.JobClass, "request_id", req.ID)
		if err := w.store.DeferRequest(ctx, tx, req.ID, time.Now().Add(w.cfg.UnregisteredCooldown)); err != nil {
			w.log.Error("park unregistered request", "request_id", req.ID, "error", err)
			return false
		}
		return w.commitPickup(ctx, tx)
	}

	admit, err := w.limiter.Admit(ctx, tx, req.JobClass, req.ConcurrencyKey, def.ConcurrencyLimit)
	if err != nil {
		w.log.Error("admission evaluation", "job_class", req.JobClass, "error", err)
		return false
	}
	if !admit {
		pickupRejects.WithLabelValues(req.JobClass).Inc()
		w.log.Debug("concurrency limit reached",
			"job_class", req.JobClass, "concurrency_key", req.ConcurrencyKey, "request_id", req.ID)
		if w.cfg.RejectCooldown > 0 {
			if err := w.store.DeferRequest(ctx, tx, req.ID, time.Now().Add(w.cfg.RejectCooldown)); err != nil {
				w.log.Error("cool down rejected request", "request_id", req.ID, "error", err)
				return false
			}
			return w.commitPickup(ctx, tx)
		}
		// Row left untouched: sleep so the loop does not hot-pick it again.
		return false
	}

	proc, err := w.store.LeaseRequest(ctx, tx, req, w.workerID)
	if err != nil {
		w.log.Error("lease request", "request_id", req.ID, "error", err)
		return false
	}
	// Commit is the atomic lease: the request row is gone, the process row
	// durable, and the group advisory lock released.
	if err := tx.Commit(ctx); err != nil {
		w.log.Error("commit lease", "request_id", req.ID, "error", err)
		return false
	}

	dispatched = true
	w.wg.Add(1)
	w.inflight.Add(1)
	inflightJobs.Inc()
	go func() {
		defer func() {
			<-w.slots
			w.inflight.Add(-1)
			inflightJobs.Dec()
			w.wg.Done()
		}()
		w.exec.Execute(ctx, def, proc)
	}()
	return true
}

// commitPickup commits a pickup transaction that modified a row without
// leasing it (nudge or park).
func (w *Worker) commitPickup(ctx context.Context, tx pgx.Tx) bool {
	if err := tx.Commit(ctx); err != nil {
		w.log.Error("commit pickup", "error", err)
		return false
	}
	return true
}

// statsLoop periodically logs in-flight and backlog figures. Uses
// time.NewTicker (not time.After) to avoid timer leaks.
func (w *Worker) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			backlog, err := w.store.BacklogCount(ctx, w.cfg.Queues)
			if err != nil {
				w.log.Error("backlog count", "error", err)
				continue
			}
			backlogJobs.Set(float64(backlog))
			w.log.Info("worker stats",
				"worker_id", w.workerID,
				"inflight", w.inflight.Load(),
				"capacity", w.cfg.MaxConcurrent,
				"backlog", backlog,
			)
		}
	}
}
