// ABOUTME: Integration tests for the producer client — class defaults, per-call
// ABOUTME: options, the admission-hook veto, trace capture, and unique enqueue.
package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/scarson/jobq/internal/job"
	"github.com/scarson/jobq/internal/queue"
	"github.com/scarson/jobq/internal/store"
	"github.com/scarson/jobq/internal/testutil"
)

func newClient(t *testing.T, s *store.Store, defs ...*job.Definition) *queue.Client {
	t.Helper()
	reg := job.NewRegistry()
	for _, def := range defs {
		reg.MustRegister(def)
	}
	return queue.NewClient(s, reg, nil)
}

func noopHandler(context.Context, json.RawMessage) error { return nil }

func TestEnqueue_UnregisteredClassFails(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	client := newClient(t, s)
	if _, err := client.Enqueue(context.Background(), "nobody_home", nil); err == nil {
		t.Fatal("enqueue for an unregistered class should fail fast")
	}
}

func TestEnqueue_AppliesClassDefaults(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	client := newClient(t, s, &job.Definition{
		Name:           "send_invoice",
		Handler:        noopHandler,
		Queue:          "billing",
		Priority:       7,
		Retries:        4,
		ConcurrencyKey: "billing-provider",
	})

	req, err := client.Enqueue(ctx, "send_invoice", map[string]int{"invoice_id": 42})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if req.Queue != "billing" {
		t.Errorf("Queue = %q, want billing", req.Queue)
	}
	if req.Priority != 7 {
		t.Errorf("Priority = %d, want 7", req.Priority)
	}
	if req.RetriesRemaining != 4 {
		t.Errorf("RetriesRemaining = %d, want 4", req.RetriesRemaining)
	}
	if req.ConcurrencyKey != "billing-provider" {
		t.Errorf("ConcurrencyKey = %q, want billing-provider", req.ConcurrencyKey)
	}
	if req.StartAt != nil {
		t.Errorf("StartAt = %v, want nil (immediately runnable)", req.StartAt)
	}
	if string(req.Args) != `{"invoice_id":42}` {
		t.Errorf("Args = %s", req.Args)
	}
}

func TestEnqueue_OptionsOverrideDefaults(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	client := newClient(t, s, &job.Definition{
		Name:    "send_invoice",
		Handler: noopHandler,
		Queue:   "billing",
	})

	at := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	req, err := client.Enqueue(ctx, "send_invoice", nil,
		queue.WithQueue("billing_retry"),
		queue.WithPriority(9),
		queue.WithRetries(1),
		queue.WithConcurrencyKey("tenant-7"),
		queue.WithStartAt(at),
	)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if req.Queue != "billing_retry" || req.Priority != 9 || req.RetriesRemaining != 1 {
		t.Errorf("overrides not applied: queue=%q priority=%d retries=%d",
			req.Queue, req.Priority, req.RetriesRemaining)
	}
	if req.ConcurrencyKey != "tenant-7" {
		t.Errorf("ConcurrencyKey = %q, want tenant-7", req.ConcurrencyKey)
	}
	if req.StartAt == nil || !req.StartAt.Equal(at) {
		t.Errorf("StartAt = %v, want %v", req.StartAt, at)
	}
	// nil args are stored as an empty JSON object, never NULL.
	if string(req.Args) != `{}` {
		t.Errorf("Args = %s, want {}", req.Args)
	}
}

func TestEnqueue_VetoCreatesNothing(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	client := newClient(t, s, &job.Definition{
		Name:    "maybe_job",
		Handler: noopHandler,
		ShouldEnqueue: func(_ context.Context, args json.RawMessage) bool {
			var p struct {
				Wanted bool `json:"wanted"`
			}
			_ = json.Unmarshal(args, &p)
			return p.Wanted
		},
	})

	req, err := client.Enqueue(ctx, "maybe_job", map[string]bool{"wanted": false})
	if err != nil {
		t.Fatalf("vetoed enqueue returned error: %v", err)
	}
	if req != nil {
		t.Fatalf("vetoed enqueue returned a request: %+v", req)
	}

	reqs, err := s.ListRequests(ctx, "maybe_job")
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(reqs) != 0 {
		t.Errorf("rows after veto = %d, want 0", len(reqs))
	}

	// The hook admitting is the normal path.
	req, err = client.Enqueue(ctx, "maybe_job", map[string]bool{"wanted": true})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if req == nil {
		t.Fatal("admitted enqueue returned nil")
	}
}

func TestEnqueue_CapturesTraceContext(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	client := newClient(t, s, &job.Definition{Name: "traced", Handler: noopHandler})

	traceID, _ := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	spanID, _ := trace.SpanIDFromHex("b7ad6b7169203331")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	req, err := client.Enqueue(ctx, "traced", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if req.TraceID != "0af7651916cd43dd8448eb211c80319c" {
		t.Errorf("TraceID = %q", req.TraceID)
	}
	if req.SpanID != "b7ad6b7169203331" {
		t.Errorf("SpanID = %q", req.SpanID)
	}

	// Without a span in context the fields stay empty.
	req, err = client.Enqueue(context.Background(), "traced", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if req.TraceID != "" || req.SpanID != "" {
		t.Errorf("trace fields = (%q, %q), want empty", req.TraceID, req.SpanID)
	}
}

func TestEnqueueUnique_SuppressesDuplicates(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	client := newClient(t, s, &job.Definition{Name: "daily_report", Handler: noopHandler})

	key := "daily_report:scheduled:1756425600"
	first, err := client.EnqueueUnique(ctx, "daily_report", nil, key, 1)
	if err != nil {
		t.Fatalf("first EnqueueUnique: %v", err)
	}
	if first == nil {
		t.Fatal("first EnqueueUnique suppressed on an empty group")
	}

	second, err := client.EnqueueUnique(ctx, "daily_report", nil, key, 1)
	if err != nil {
		t.Fatalf("second EnqueueUnique: %v", err)
	}
	if second != nil {
		t.Fatalf("duplicate EnqueueUnique created request %s", second.ID)
	}

	// A different bucket is a different group.
	other, err := client.EnqueueUnique(ctx, "daily_report", nil, "daily_report:scheduled:1756512000", 1)
	if err != nil {
		t.Fatalf("other-bucket EnqueueUnique: %v", err)
	}
	if other == nil {
		t.Fatal("other bucket was suppressed")
	}
}

func TestRetryJob_PreservesIdentity(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	client := newClient(t, s, &job.Definition{
		Name:    "sync_account",
		Handler: noopHandler,
		Retries: 3,
	})

	orig, err := client.Enqueue(ctx, "sync_account", map[string]string{"acct": "a-1"},
		queue.WithConcurrencyKey("a-1"), queue.WithPriority(5))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	retried, err := client.RetryJob(ctx, orig, 30*time.Second)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if retried.JobClass != orig.JobClass || string(retried.Args) != string(orig.Args) {
		t.Errorf("retried copy diverged: %+v", retried)
	}
	if retried.ConcurrencyKey != "a-1" || retried.Priority != 5 {
		t.Errorf("grouping not preserved: key=%q priority=%d", retried.ConcurrencyKey, retried.Priority)
	}
	if retried.RetriesRemaining != orig.RetriesRemaining || retried.RetryAttempt != orig.RetryAttempt {
		t.Errorf("retry counters changed: retries=%d attempt=%d",
			retried.RetriesRemaining, retried.RetryAttempt)
	}
	if retried.StartAt == nil || time.Until(*retried.StartAt) < 20*time.Second {
		t.Errorf("StartAt = %v, want about 30s out", retried.StartAt)
	}
}
