// ABOUTME: Row types for the three queue tables and the closed set of job outcomes.
// ABOUTME: Args stay as raw JSON; handlers decode their own argument shape.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state recorded in a JobResult row.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeDeferred  Outcome = "deferred"
)

// JobRequest is a queued, not-yet-started unit of work. A nil StartAt means
// the request is runnable now. Deleted exactly once by the worker's lease
// transaction; retry and defer logic create fresh rows.
type JobRequest struct {
	ID               uuid.UUID
	JobClass         string
	Args             json.RawMessage
	Queue            string
	Priority         int16
	ConcurrencyKey   string
	StartAt          *time.Time
	RetriesRemaining int32
	RetryAttempt     int32
	TraceID          string
	SpanID           string
	CreatedAt        time.Time
}

// JobProcess is a leased, currently-executing unit of work. It exists only
// while some worker believes it owns execution; a row whose StartedAt is
// older than the rescue threshold signals a lost worker.
type JobProcess struct {
	ID               uuid.UUID
	RequestID        uuid.UUID
	JobClass         string
	Args             json.RawMessage
	Queue            string
	Priority         int16
	ConcurrencyKey   string
	RetriesRemaining int32
	RetryAttempt     int32
	TraceID          string
	SpanID           string
	CreatedAt        time.Time
	WorkerID         string
	StartedAt        time.Time
}

// JobResult is the immutable terminal record of one execution attempt.
type JobResult struct {
	ID             uuid.UUID
	ProcessID      uuid.UUID
	RequestID      uuid.UUID
	JobClass       string
	Queue          string
	ConcurrencyKey string
	Outcome        Outcome
	Error          string
	RetryAttempt   int32
	DurationMS     int64
	StartedAt      time.Time
	FinishedAt     time.Time
}
