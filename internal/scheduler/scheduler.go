// Package scheduler runs background jobs on cron schedules.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/pricehub/internal/metrics"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// JobStatus is the run history of one job
type JobStatus struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule,omitempty"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns"`
	LastError    string        `json:"last_error,omitempty"`
}

// Scheduler manages background jobs
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*JobStatus
}

// New creates a new scheduler. Schedules use the standard five-field cron
// format plus descriptors such as "@hourly" and "@every 5m".
// A run that is still going when its next tick fires causes that tick to be skipped.
func New(log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log}))),
		log:  log,
		jobs: make(map[string]*JobStatus),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()

	for _, st := range s.Jobs() {
		s.log.Debug().
			Str("job", st.Name).
			Int("runs", st.Runs).
			Int("failures", st.Failures).
			Msg("Job summary")
	}
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers job under a cron schedule.
// Schedule examples:
//   - "*/5 * * * *"  - Every 5 minutes
//   - "5 0 * * *"    - Five past midnight
//   - "@every 30s"   - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	if _, err := s.cron.AddFunc(schedule, func() { _ = s.execute(job, "schedule") }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, job.Name(), err)
	}

	s.mu.Lock()
	s.statusLocked(job.Name()).Schedule = schedule
	s.mu.Unlock()

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")
	return nil
}

// RunNow executes a job immediately, outside its schedule
func (s *Scheduler) RunNow(job Job) error {
	return s.execute(job, "manual")
}

// Entries returns the number of registered jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Jobs returns the run history of every job seen so far, ordered by name
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, st := range s.jobs {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// execute runs job once and records the outcome. A panic is returned as an error.
func (s *Scheduler) execute(job Job, trigger string) (err error) {
	name := job.Name()
	log := s.log.With().Str("job", name).Str("trigger", trigger).Logger()
	log.Debug().Msg("Running job")

	start := time.Now()
	result := "ok"
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %s panicked: %v", name, r)
				result = "panicked"
			}
		}()
		err = job.Run()
	}()
	duration := time.Since(start)

	if err != nil && result == "ok" {
		result = "failed"
	}
	metrics.ObserveJobRun(name, result)

	s.mu.Lock()
	st := s.statusLocked(name)
	st.Runs++
	st.LastRun = start
	st.LastDuration = duration
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	failures := st.Failures
	s.mu.Unlock()

	if err != nil {
		log.Error().
			Err(err).
			Dur("duration_ms", duration).
			Int("failures", failures).
			Msg("Job failed")
		return err
	}

	log.Debug().Dur("duration_ms", duration).Msg("Job completed")
	return nil
}

func (s *Scheduler) statusLocked(name string) *JobStatus {
	st, ok := s.jobs[name]
	if !ok {
		st = &JobStatus{Name: name}
		s.jobs[name] = st
	}
	return st
}

// cronLogger routes cron's own messages (skipped ticks) into zerolog
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
