// Package scheduler runs named jobs on timer-driven schedules. Each job
// re-arms its own timer after a run completes, so a slow iteration delays
// only itself and runs of one job never overlap.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// scheduledJob pairs a job with its schedule and live timer state.
type scheduledJob struct {
	job      Job
	schedule Schedule
	config   JobConfig
	nextRun  time.Time
	timer    *time.Timer
}

// Scheduler owns a set of jobs and their timers.
type Scheduler struct {
	jobs   map[string]*scheduledJob
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an empty scheduler. Register jobs with AddJob, then Start.
func New() *Scheduler {
	return &Scheduler{jobs: make(map[string]*scheduledJob)}
}

// AddJob registers a job. A disabled job is accepted and dropped so callers
// can register unconditionally and toggle via configuration.
func (s *Scheduler) AddJob(job Job, schedule Schedule, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	if !config.Enabled {
		log.Info().Str("job", name).Msg("Job disabled, not scheduling")
		return nil
	}

	s.jobs[name] = &scheduledJob{
		job:      job,
		schedule: schedule,
		config:   config,
		nextRun:  schedule.Next(time.Now()),
	}

	log.Info().
		Str("job", name).
		Time("next_run", s.jobs[name].nextRun).
		Msg("Job registered")
	return nil
}

// Start arms a timer for every registered job. It may be called once.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.mu.RLock()
	for name, sj := range s.jobs {
		s.scheduleJob(name, sj)
	}
	count := len(s.jobs)
	s.mu.RUnlock()

	log.Info().Int("jobs", count).Msg("Scheduler started")
	return nil
}

// scheduleJob arms the timer for the job's next run. Callers hold s.mu.
func (s *Scheduler) scheduleJob(name string, sj *scheduledJob) {
	duration := time.Until(sj.nextRun)
	if duration < 0 {
		duration = 0
	}
	sj.timer = time.AfterFunc(duration, func() {
		s.executeJob(name, sj)
	})
}

// executeJob runs one iteration and re-arms the timer.
func (s *Scheduler) executeJob(name string, sj *scheduledJob) {
	s.mu.RLock()
	stopped := s.ctx == nil || s.ctx.Err() != nil
	s.mu.RUnlock()
	if stopped {
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	ctx := s.ctx
	if sj.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, sj.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	log.Debug().Str("job", name).Msg("Executing job")

	err := sj.job.Run(ctx)
	duration := time.Since(start)

	if err != nil {
		log.Error().Err(err).Str("job", name).Dur("duration", duration).Msg("Job failed")
	} else {
		log.Debug().Str("job", name).Dur("duration", duration).Msg("Job completed")
	}

	s.mu.Lock()
	sj.nextRun = sj.schedule.Next(time.Now())
	s.scheduleJob(name, sj)
	s.mu.Unlock()
}

// Stop cancels all jobs and waits up to 30 seconds for running iterations
// to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not started")
	}

	s.cancel()
	for _, sj := range s.jobs {
		if sj.timer != nil {
			sj.timer.Stop()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Scheduler stopped")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Timed out waiting for jobs to stop")
	}
	return nil
}

// RunJobNow triggers one out-of-band run of the named job without touching
// its regular schedule. Non-blocking.
func (s *Scheduler) RunJobNow(name string) error {
	s.mu.RLock()
	sj, exists := s.jobs[name]
	ctx := s.ctx
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", name)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		runCtx := ctx
		if sj.config.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, sj.config.Timeout)
			defer cancel()
		}

		log.Info().Str("job", name).Msg("Manually executing job")
		start := time.Now()
		if err := sj.job.Run(runCtx); err != nil {
			log.Error().Err(err).Str("job", name).Dur("duration", time.Since(start)).
				Msg("Manual job run failed")
			return
		}
		log.Info().Str("job", name).Dur("duration", time.Since(start)).
			Msg("Manual job run completed")
	}()

	return nil
}

// GetJobs returns the names of all scheduled jobs.
func (s *Scheduler) GetJobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// GetNextRun returns the next scheduled run time for the named job.
func (s *Scheduler) GetNextRun(name string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sj, exists := s.jobs[name]
	if !exists {
		return time.Time{}, fmt.Errorf("job %s not found", name)
	}
	return sj.nextRun, nil
}
