// Package queue exposes the producer surface: enqueueing job requests with
// per-class defaults, the admission-hook veto, trace-context capture, and
// the advisory-locked unique enqueue used by scheduled jobs.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/scarson/jobq/internal/job"
	"github.com/scarson/jobq/internal/limiter"
	"github.com/scarson/jobq/internal/store"
)

// Client enqueues job requests for registered job classes.
type Client struct {
	store    *store.Store
	registry *job.Registry
	limiter  *limiter.Evaluator
	log      *slog.Logger
}

// NewClient creates a Client. logger may be nil, in which case the default
// logger is used.
func NewClient(st *store.Store, reg *job.Registry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		store:    st,
		registry: reg,
		limiter:  limiter.New(st),
		log:      logger,
	}
}

// Option overrides a per-class default for a single enqueue.
type Option func(*store.NewRequest)

// WithQueue routes the request to the named queue.
func WithQueue(queue string) Option {
	return func(r *store.NewRequest) { r.Queue = queue }
}

// WithPriority sets the request priority; higher runs first.
func WithPriority(priority int16) Option {
	return func(r *store.NewRequest) { r.Priority = priority }
}

// WithConcurrencyKey sets the grouping key for limit enforcement.
func WithConcurrencyKey(key string) Option {
	return func(r *store.NewRequest) { r.ConcurrencyKey = key }
}

// WithRetries sets retries_remaining for the new request.
func WithRetries(retries int32) Option {
	return func(r *store.NewRequest) { r.RetriesRemaining = retries }
}

// WithStartAt delays the request until the given time.
func WithStartAt(at time.Time) Option {
	return func(r *store.NewRequest) { r.StartAt = &at }
}

// Enqueue creates a JobRequest for the given job class. args may be nil,
// a json.RawMessage, or any JSON-marshalable value. Per-class defaults from
// the Definition apply first, then opts.
//
// When the class's ShouldEnqueue hook vetoes the request, Enqueue logs the
// veto and returns (nil, nil): no row is created and no error is raised.
// An unregistered job class is an error — producers fail fast rather than
// queueing work no worker can run.
func (c *Client) Enqueue(ctx context.Context, jobClass string, args any, opts ...Option) (*store.JobRequest, error) {
	def, ok := c.registry.Resolve(jobClass)
	if !ok {
		return nil, fmt.Errorf("enqueue: job class %q not registered", jobClass)
	}

	raw, err := marshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobClass, err)
	}

	if def.ShouldEnqueue != nil && !def.ShouldEnqueue(ctx, raw) {
		c.log.InfoContext(ctx, "enqueue vetoed by admission hook", "job_class", jobClass)
		return nil, nil
	}

	req := c.buildRequest(ctx, def, raw)
	for _, opt := range opts {
		opt(&req)
	}

	inserted, err := c.store.InsertRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobClass, err)
	}
	c.log.DebugContext(ctx, "job enqueued",
		"job_class", jobClass, "request_id", inserted.ID, "queue", inserted.Queue)
	return inserted, nil
}

// RetryJob re-enqueues an existing request after delay, preserving its
// class, args, grouping, and retry counters.
func (c *Client) RetryJob(ctx context.Context, req *store.JobRequest, delay time.Duration) (*store.JobRequest, error) {
	if req == nil {
		return nil, nil
	}
	at := time.Now().Add(delay)
	inserted, err := c.store.InsertRequest(ctx, store.NewRequest{
		JobClass:         req.JobClass,
		Args:             req.Args,
		Queue:            req.Queue,
		Priority:         req.Priority,
		ConcurrencyKey:   req.ConcurrencyKey,
		StartAt:          &at,
		RetriesRemaining: req.RetriesRemaining,
		RetryAttempt:     req.RetryAttempt,
		TraceID:          req.TraceID,
		SpanID:           req.SpanID,
	})
	if err != nil {
		return nil, fmt.Errorf("retry job %s: %w", req.ID, err)
	}
	return inserted, nil
}

// EnqueueUnique creates a JobRequest only while the concurrency group's
// occupancy (queued + in-flight + already finished for this exact key)
// stays under limit, deciding under the group advisory lock. Racing
// workers evaluating the same scheduled period collapse to a single row.
// Returns (nil, nil) when the group is already occupied.
func (c *Client) EnqueueUnique(ctx context.Context, jobClass string, args json.RawMessage, concurrencyKey string, limit int) (*store.JobRequest, error) {
	def, ok := c.registry.Resolve(jobClass)
	if !ok {
		return nil, fmt.Errorf("enqueue unique: job class %q not registered", jobClass)
	}

	req := c.buildRequest(ctx, def, args)
	req.ConcurrencyKey = concurrencyKey

	var inserted *store.JobRequest
	err := c.store.WithTx(ctx, func(tx pgx.Tx) error {
		admit, err := c.limiter.AdmitEnqueue(ctx, tx, jobClass, concurrencyKey, limit, true)
		if err != nil {
			return err
		}
		if !admit {
			c.log.DebugContext(ctx, "unique enqueue suppressed: group occupied",
				"job_class", jobClass, "concurrency_key", concurrencyKey)
			return nil
		}
		inserted, err = c.store.InsertRequestTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue unique %s: %w", jobClass, err)
	}
	return inserted, nil
}

// buildRequest applies the class defaults and captures the caller's trace
// context into the persisted correlation fields.
func (c *Client) buildRequest(ctx context.Context, def *job.Definition, args json.RawMessage) store.NewRequest {
	req := store.NewRequest{
		JobClass:         def.Name,
		Args:             args,
		Queue:            def.EffectiveQueue(),
		Priority:         def.Priority,
		ConcurrencyKey:   def.ConcurrencyKey,
		RetriesRemaining: def.Retries,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		req.TraceID = sc.TraceID().String()
		req.SpanID = sc.SpanID().String()
	}
	return req
}

func marshalArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal args: %w", err)
		}
		return raw, nil
	}
}
