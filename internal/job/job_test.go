// ABOUTME: Unit tests for the job package — registry, defer signals, defaults, backoff bounds.
// ABOUTME: No database required; everything here is pure logic.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(_ context.Context, _ json.RawMessage) error { return nil }

func TestRegistry_RegisterAndResolve(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	require.NoError(t, r.Register(&Definition{Name: "send_email", Handler: noopHandler}))

	def, ok := r.Resolve("send_email")
	require.True(t, ok, "Resolve returned false for registered class")
	assert.Equal(t, "send_email", def.Name)

	_, ok = r.Resolve("not_registered")
	assert.False(t, ok, "Resolve returned true for unregistered class")
}

func TestRegistry_RejectsInvalidDefinitions(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	assert.Error(t, r.Register(&Definition{Handler: noopHandler}), "empty name")
	assert.Error(t, r.Register(&Definition{Name: "no_handler"}), "nil handler")

	require.NoError(t, r.Register(&Definition{Name: "dup", Handler: noopHandler}))
	assert.Error(t, r.Register(&Definition{Name: "dup", Handler: noopHandler}), "duplicate name")
}

func TestDefer_SignalDetection(t *testing.T) {
	t.Parallel()

	delay, ok := AsDefer(Defer(30 * time.Second))
	require.True(t, ok, "AsDefer did not detect Defer signal")
	assert.Equal(t, 30*time.Second, delay)

	// Default defer carries zero delay; the executor applies the class default.
	delay, ok = AsDefer(DeferDefault())
	require.True(t, ok, "AsDefer did not detect DeferDefault signal")
	assert.Equal(t, time.Duration(0), delay)

	// Wrapped defer signals are still detected.
	wrapped := fmt.Errorf("handler: %w", Defer(time.Minute))
	_, ok = AsDefer(wrapped)
	assert.True(t, ok, "AsDefer did not unwrap the defer signal")

	// Ordinary errors are not defers.
	_, ok = AsDefer(errors.New("boom"))
	assert.False(t, ok, "plain error detected as defer")
	_, ok = AsDefer(nil)
	assert.False(t, ok, "nil detected as defer")
}

func TestDefinition_Defaults(t *testing.T) {
	t.Parallel()

	d := &Definition{Name: "x", Handler: noopHandler}
	assert.Equal(t, DefaultQueue, d.EffectiveQueue())
	assert.Equal(t, DefaultDeferDelay, d.EffectiveDeferDelay())

	d.Queue = "mail"
	d.DeferDelay = time.Minute
	assert.Equal(t, "mail", d.EffectiveQueue())
	assert.Equal(t, time.Minute, d.EffectiveDeferDelay())
}

func TestDefinition_RetryDelayOverride(t *testing.T) {
	t.Parallel()

	d := &Definition{
		Name:       "x",
		Handler:    noopHandler,
		RetryDelay: func(attempt int) time.Duration { return time.Duration(attempt) * time.Second },
	}
	assert.Equal(t, 3*time.Second, d.RetryDelayFor(3))
}

func TestExponentialJitter_Bounds(t *testing.T) {
	t.Parallel()

	s := ExponentialJitter{Initial: time.Second, Max: 10 * time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := time.Second * time.Duration(int(1)<<(attempt-1))
		if ceiling > 10*time.Second {
			ceiling = 10 * time.Second
		}
		for i := 0; i < 50; i++ {
			d := s.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0), "attempt %d", attempt)
			assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
		}
	}

	// Attempt below 1 is clamped, not panicked on.
	d := s.Delay(0)
	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, time.Second)
}

func TestLinearAndConstant(t *testing.T) {
	t.Parallel()

	l := Linear{Initial: 2 * time.Second, Max: 5 * time.Second}
	assert.Equal(t, 2*time.Second, l.Delay(1))
	assert.Equal(t, 5*time.Second, l.Delay(4), "linear growth is capped at Max")

	c := Constant{Interval: 7 * time.Second}
	assert.Equal(t, 7*time.Second, c.Delay(99))
}
