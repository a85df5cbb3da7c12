// ABOUTME: Cron schedule entries: spec compilation, next-fire computation, and the
// ABOUTME: time-bucketed concurrency key that deduplicates a period across workers.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron expressions plus descriptors
// like "@hourly" and "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ScheduledJob is a static recurrence entry: the worker's maintenance loop
// enqueues one request per due period. The base concurrency key is
// suffixed with the period's unix timestamp so that workers racing on the
// same tick cannot both create a run for the same period.
type ScheduledJob struct {
	// JobClass names the registered job class to enqueue.
	JobClass string

	// Spec is the recurrence rule in cron syntax.
	Spec string

	// Args is the payload for each scheduled run.
	Args json.RawMessage

	// ConcurrencyKey is the base grouping key. Empty uses the job class
	// name.
	ConcurrencyKey string

	schedule cronlib.Schedule
}

// Compile parses the cron spec. Must be called (and must succeed) before
// the entry is handed to a worker.
func (s *ScheduledJob) Compile() error {
	sched, err := cronParser.Parse(s.Spec)
	if err != nil {
		return fmt.Errorf("schedule %s: parse %q: %w", s.JobClass, s.Spec, err)
	}
	s.schedule = sched
	return nil
}

// NextAfter returns the first fire time strictly after t.
func (s *ScheduledJob) NextAfter(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// BucketKey returns the time-bucketed concurrency key for the period
// firing at the given time.
func (s *ScheduledJob) BucketKey(fireAt time.Time) string {
	base := s.ConcurrencyKey
	if base == "" {
		base = s.JobClass
	}
	return fmt.Sprintf("%s:scheduled:%d", base, fireAt.Unix())
}
