// Package job defines the handler contract for queue jobs: per-class
// definitions with queue/priority/retry defaults, the registry that maps
// job class names to definitions, the defer signal, and retry backoff
// strategies.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Default values applied when a Definition leaves the field zero.
const (
	DefaultQueue      = "default"
	DefaultDeferDelay = 5 * time.Minute
)

// Handler is the function executed for each leased job. A nil return marks
// the attempt succeeded; an error created by Defer requeues without
// consuming a retry; any other non-nil return triggers retry logic up to
// the configured limit.
type Handler func(ctx context.Context, args json.RawMessage) error

// Definition describes one job class: its handler plus the per-class
// defaults producers and the worker consult. Only Name and Handler are
// required; zero values fall back to package defaults.
type Definition struct {
	// Name is the stable job class string persisted in job_requests.job_class.
	Name string

	// Handler executes a leased unit of this class.
	Handler Handler

	// Queue is the default queue for enqueued requests.
	Queue string

	// Priority is the default priority; higher runs first.
	Priority int16

	// Retries is the default retries_remaining for new requests.
	Retries int32

	// ConcurrencyKey is the default grouping key. Empty groups by job
	// class alone.
	ConcurrencyKey string

	// ConcurrencyLimit caps simultaneous execution for a concurrency
	// group. Zero means unlimited and skips admission evaluation.
	ConcurrencyLimit int

	// DeferDelay is the requeue delay applied when the handler defers
	// without naming one. Zero means DefaultDeferDelay.
	DeferDelay time.Duration

	// RetryDelay overrides the backoff before retry number attempt
	// (1-indexed). Nil means the default exponential-with-jitter strategy.
	RetryDelay func(attempt int) time.Duration

	// ShouldEnqueue, when non-nil, can veto an enqueue before any row is
	// created. A veto is not an error: Enqueue logs it and returns nil.
	ShouldEnqueue func(ctx context.Context, args json.RawMessage) bool
}

// EffectiveQueue returns the definition's queue or the package default.
func (d *Definition) EffectiveQueue() string {
	if d.Queue == "" {
		return DefaultQueue
	}
	return d.Queue
}

// EffectiveDeferDelay returns the definition's defer delay or the package
// default.
func (d *Definition) EffectiveDeferDelay() time.Duration {
	if d.DeferDelay <= 0 {
		return DefaultDeferDelay
	}
	return d.DeferDelay
}

// RetryDelayFor returns the backoff before the given retry attempt,
// consulting the per-class override first.
func (d *Definition) RetryDelayFor(attempt int) time.Duration {
	if d.RetryDelay != nil {
		return d.RetryDelay(attempt)
	}
	return DefaultRetryStrategy.Delay(attempt)
}

// deferSignal is the distinguished non-error outcome a handler returns to
// request re-execution without consuming a retry.
type deferSignal struct {
	delay time.Duration
}

func (d *deferSignal) Error() string {
	if d.delay > 0 {
		return fmt.Sprintf("job deferred for %s", d.delay)
	}
	return "job deferred"
}

// Defer returns the signal requesting re-execution after delay. A
// non-positive delay requests the job class's default defer delay.
func Defer(delay time.Duration) error {
	return &deferSignal{delay: delay}
}

// DeferDefault returns the signal requesting re-execution after the job
// class's default defer delay.
func DeferDefault() error {
	return &deferSignal{}
}

// AsDefer reports whether err carries the defer signal, returning the
// requested delay (zero when the handler left it to the class default).
func AsDefer(err error) (time.Duration, bool) {
	var d *deferSignal
	if errors.As(err, &d) {
		return d.delay, true
	}
	return 0, false
}
