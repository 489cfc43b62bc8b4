package scheduler

import (
	"context"
	"math/rand"
	"time"
)

// Job is a background task the scheduler runs periodically.
type Job interface {
	// Name identifies the job; must be unique within a scheduler.
	Name() string

	// Run executes one iteration. It must respect context cancellation.
	Run(ctx context.Context) error
}

// Schedule decides when a job runs next.
type Schedule interface {
	// Next returns the first run time after the given time.
	Next(after time.Time) time.Time
}

// IntervalSchedule fires at a fixed interval, optionally spread by a random
// jitter so that multiple instances do not hit shared backends in lockstep.
type IntervalSchedule struct {
	interval time.Duration
	jitter   time.Duration
}

// NewIntervalSchedule returns a schedule that fires every interval.
func NewIntervalSchedule(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{interval: interval}
}

// NewIntervalScheduleWithJitter returns a schedule that fires every
// interval plus a random delay in [0, jitter).
func NewIntervalScheduleWithJitter(interval, jitter time.Duration) *IntervalSchedule {
	return &IntervalSchedule{interval: interval, jitter: jitter}
}

// Next returns the next run time after the given time.
func (s *IntervalSchedule) Next(after time.Time) time.Time {
	next := after.Add(s.interval)
	if s.jitter > 0 {
		next = next.Add(time.Duration(rand.Int63n(int64(s.jitter))))
	}
	return next
}

// JobConfig carries per-job execution settings.
type JobConfig struct {
	Enabled bool
	// Timeout bounds a single run; zero means no limit.
	Timeout time.Duration
}
