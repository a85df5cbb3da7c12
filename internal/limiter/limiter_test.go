// ABOUTME: Integration tests for advisory-locked admission — process counting at
// ABOUTME: pickup, enqueue-time occupancy, and the unlimited fast path.
package limiter_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/scarson/jobq/internal/limiter"
	"github.com/scarson/jobq/internal/store"
	"github.com/scarson/jobq/internal/testutil"
)

// startProcess inserts a request and immediately leases it, leaving one
// committed JobProcess row in the given concurrency group.
func startProcess(t *testing.T, s *store.Store, class, key string) *store.JobProcess {
	t.Helper()
	ctx := context.Background()
	var proc *store.JobProcess
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		req, err := s.InsertRequestTx(ctx, tx, store.NewRequest{
			JobClass:       class,
			Queue:          "default",
			ConcurrencyKey: key,
		})
		if err != nil {
			return err
		}
		proc, err = s.LeaseRequest(ctx, tx, req, "test-worker")
		return err
	})
	if err != nil {
		t.Fatalf("startProcess: %v", err)
	}
	return proc
}

func admit(t *testing.T, s *store.Store, ev *limiter.Evaluator, class, key string, limit int) bool {
	t.Helper()
	ctx := context.Background()
	var ok bool
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		ok, err = ev.Admit(ctx, tx, class, key, limit)
		return err
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	return ok
}

func TestAdmit_CountsRunningProcesses(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ev := limiter.New(s)
	ctx := context.Background()

	const class, key = "send_email", "tenant-1"

	if !admit(t, s, ev, class, key, 2) {
		t.Fatal("empty group rejected")
	}

	p1 := startProcess(t, s, class, key)
	if !admit(t, s, ev, class, key, 2) {
		t.Fatal("group with 1/2 slots used rejected")
	}

	startProcess(t, s, class, key)
	if admit(t, s, ev, class, key, 2) {
		t.Fatal("full group admitted")
	}

	// Completing one process frees a slot.
	err := s.CompleteProcess(ctx, store.CompleteParams{
		Process: p1,
		Outcome: store.OutcomeSucceeded,
	})
	if err != nil {
		t.Fatalf("CompleteProcess: %v", err)
	}
	if !admit(t, s, ev, class, key, 2) {
		t.Fatal("group rejected after a slot was freed")
	}
}

func TestAdmit_IgnoresQueuedRequests(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ev := limiter.New(s)
	ctx := context.Background()

	const class, key = "sync_account", "acct-9"

	// A backlog of queued requests must not consume execution slots;
	// otherwise a group could reject its own locked candidate forever.
	for i := 0; i < 5; i++ {
		_, err := s.InsertRequest(ctx, store.NewRequest{
			JobClass:       class,
			Queue:          "default",
			ConcurrencyKey: key,
		})
		if err != nil {
			t.Fatalf("InsertRequest: %v", err)
		}
	}

	if !admit(t, s, ev, class, key, 1) {
		t.Fatal("queued backlog alone blocked admission")
	}
}

func TestAdmit_GroupsAreIndependent(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ev := limiter.New(s)

	startProcess(t, s, "send_email", "tenant-1")

	if admit(t, s, ev, "send_email", "tenant-1", 1) {
		t.Fatal("full group admitted")
	}
	if !admit(t, s, ev, "send_email", "tenant-2", 1) {
		t.Fatal("sibling key was throttled by another group")
	}
	if !admit(t, s, ev, "other_class", "tenant-1", 1) {
		t.Fatal("sibling class was throttled by another group")
	}
}

func TestAdmit_UnlimitedSkipsLock(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ev := limiter.New(s)

	for i := 0; i < 4; i++ {
		startProcess(t, s, "bulk_job", "")
	}
	for _, limit := range []int{0, -1} {
		if !admit(t, s, ev, "bulk_job", "", limit) {
			t.Fatalf("limit %d rejected; non-positive limits mean unlimited", limit)
		}
	}
}

func TestAdmitEnqueue_CountsWholeLifecycle(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ev := limiter.New(s)
	ctx := context.Background()

	const class = "daily_report"
	key := "daily_report:scheduled:1700000000"

	check := func(countResults bool) bool {
		var ok bool
		err := s.WithTx(ctx, func(tx pgx.Tx) error {
			var err error
			ok, err = ev.AdmitEnqueue(ctx, tx, class, key, 1, countResults)
			return err
		})
		if err != nil {
			t.Fatalf("AdmitEnqueue: %v", err)
		}
		return ok
	}

	if !check(true) {
		t.Fatal("empty bucket rejected")
	}

	// Queued: a second enqueue for the same bucket must be suppressed.
	if _, err := s.InsertRequest(ctx, store.NewRequest{
		JobClass: class, Queue: "default", ConcurrencyKey: key,
	}); err != nil {
		t.Fatalf("InsertRequest: %v", err)
	}
	if check(true) {
		t.Fatal("bucket with a queued request admitted a duplicate")
	}

	// Running: still suppressed.
	proc := leaseNext(t, s)
	if check(true) {
		t.Fatal("bucket with a running process admitted a duplicate")
	}

	// Finished: suppressed only when results count toward occupancy.
	if err := s.CompleteProcess(ctx, store.CompleteParams{
		Process: proc, Outcome: store.OutcomeSucceeded,
	}); err != nil {
		t.Fatalf("CompleteProcess: %v", err)
	}
	if check(true) {
		t.Fatal("finished bucket admitted a duplicate while counting results")
	}
	if !check(false) {
		t.Fatal("finished bucket rejected when results are excluded")
	}
}

func leaseNext(t *testing.T, s *store.Store) *store.JobProcess {
	t.Helper()
	ctx := context.Background()
	var proc *store.JobProcess
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		req, err := s.LockReadyRequest(ctx, tx, []string{"default"})
		if err != nil {
			return err
		}
		if req == nil {
			t.Fatal("no ready request to lease")
		}
		proc, err = s.LeaseRequest(ctx, tx, req, "test-worker")
		return err
	})
	if err != nil {
		t.Fatalf("leaseNext: %v", err)
	}
	return proc
}
