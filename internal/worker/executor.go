// ABOUTME: Executes a leased job: restores trace context, runs the handler under a span,
// ABOUTME: recovers panics, and records the guarded completion with any retry follow-up.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scarson/jobq/internal/job"
	"github.com/scarson/jobq/internal/store"
)

// tracerName is the instrumentation scope for job execution spans.
const tracerName = "github.com/scarson/jobq"

// Executor isolates one handler invocation: it restores the producer's
// trace context, runs the handler with panic containment, maps the result
// to an outcome tag, and resolves the JobProcess in a single guarded
// transaction.
type Executor struct {
	store    *store.Store
	registry *job.Registry
	log      *slog.Logger
	tracer   trace.Tracer
}

// NewExecutor creates an Executor.
func NewExecutor(st *store.Store, reg *job.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    st,
		registry: reg,
		log:      logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// Execute runs one leased JobProcess to a terminal state. ctx cancellation
// reaches the handler (cooperative shutdown), but the completion write is
// detached from ctx so a job that finishes during drain still commits its
// result and process removal atomically.
func (e *Executor) Execute(ctx context.Context, def *job.Definition, proc *store.JobProcess) {
	ctx = e.restoreTraceContext(ctx, proc)
	ctx, span := e.tracer.Start(ctx, "jobq.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("jobq.job_class", proc.JobClass),
			attribute.String("jobq.queue", proc.Queue),
			attribute.Int("jobq.retry_attempt", int(proc.RetryAttempt)),
		),
	)
	defer span.End()

	start := time.Now()
	err := e.runHandler(ctx, def, proc.Args)
	elapsed := time.Since(start)

	params := e.resolveOutcome(def, proc, err, elapsed)
	if params.Outcome == store.OutcomeFailed {
		span.SetStatus(codes.Error, params.Error)
	}

	// Completion must survive shutdown: the handler already ran, and
	// abandoning the write would leave an orphan for rescue to mislabel.
	completeCtx := context.WithoutCancel(ctx)
	if cerr := e.store.CompleteProcess(completeCtx, params); cerr != nil {
		if errors.Is(cerr, store.ErrProcessGone) {
			// The rescue task resolved this process while the handler was
			// still running — the documented at-least-once race. Drop the
			// late result rather than double-recording the attempt.
			e.log.Warn("late completion discarded: process already rescued",
				"job_class", proc.JobClass, "process_id", proc.ID, "outcome", params.Outcome)
			return
		}
		e.log.Error("complete process",
			"job_class", proc.JobClass, "process_id", proc.ID, "error", cerr)
		return
	}

	jobOutcomes.WithLabelValues(proc.JobClass, string(params.Outcome)).Inc()
	e.log.Info("job finished",
		"job_class", proc.JobClass,
		"process_id", proc.ID,
		"outcome", params.Outcome,
		"retry_attempt", proc.RetryAttempt,
		"duration", elapsed,
	)
}

// runHandler invokes the handler, converting panics into ordinary failures
// so one bad job cannot take down the execution pool.
func (e *Executor) runHandler(ctx context.Context, def *job.Definition, args json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return def.Handler(ctx, args)
}

// resolveOutcome maps the handler's return to the closed outcome set and
// builds the completion parameters, including the retry or defer follow-up
// request when one is due.
func (e *Executor) resolveOutcome(def *job.Definition, proc *store.JobProcess, err error, elapsed time.Duration) store.CompleteParams {
	params := store.CompleteParams{
		Process:  proc,
		Duration: elapsed,
	}

	if err == nil {
		params.Outcome = store.OutcomeSucceeded
		return params
	}

	if delay, ok := job.AsDefer(err); ok {
		if delay <= 0 {
			delay = def.EffectiveDeferDelay()
		}
		at := time.Now().Add(delay)
		params.Outcome = store.OutcomeDeferred
		// Defer does not consume a retry: counters carry over unchanged.
		params.FollowUp = &store.NewRequest{
			JobClass:         proc.JobClass,
			Args:             proc.Args,
			Queue:            proc.Queue,
			Priority:         proc.Priority,
			ConcurrencyKey:   proc.ConcurrencyKey,
			StartAt:          &at,
			RetriesRemaining: proc.RetriesRemaining,
			RetryAttempt:     proc.RetryAttempt,
			TraceID:          proc.TraceID,
			SpanID:           proc.SpanID,
		}
		return params
	}

	params.Outcome = store.OutcomeFailed
	params.Error = err.Error()
	if proc.RetriesRemaining > 0 {
		attempt := int(proc.RetryAttempt) + 1
		at := time.Now().Add(def.RetryDelayFor(attempt))
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
	}
	return params
}

// restoreTraceContext rebuilds the producer's span context from the
// persisted correlation fields so the consumer span joins the original
// trace. Invalid or absent fields leave ctx unchanged.
func (e *Executor) restoreTraceContext(ctx context.Context, proc *store.JobProcess) context.Context {
	if proc.TraceID == "" || proc.SpanID == "" {
		return ctx
	}
	traceID, err := trace.TraceIDFromHex(proc.TraceID)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(proc.SpanID)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
