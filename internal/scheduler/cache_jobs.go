package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const defaultJobTimeout = 10 * time.Minute

// Rollover archives live tables of closed years
type Rollover interface {
	Rollover(ctx context.Context) (int, error)
}

// PendingWaker wakes the worker when claimable tasks exist
type PendingWaker interface {
	WakeIfPending(ctx context.Context) (bool, error)
}

// RolloverJob moves every live table of a past year into its archive
type RolloverJob struct {
	log      zerolog.Logger
	rollover Rollover
	timeout  time.Duration
}

// NewRolloverJob creates a new RolloverJob
func NewRolloverJob(rollover Rollover) *RolloverJob {
	return &RolloverJob{
		log:      zerolog.Nop(),
		rollover: rollover,
		timeout:  defaultJobTimeout,
	}
}

// SetLogger sets the logger for the job
func (j *RolloverJob) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Name returns the job name
func (j *RolloverJob) Name() string {
	return "year_rollover"
}

// Run executes the rollover job
func (j *RolloverJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	archived, err := j.rollover.Rollover(ctx)
	j.log.Info().Int("archived", archived).Msg("Year rollover completed")
	return err
}

// WakeSweepJob re-sends the worker wake-up while tasks are pending.
// It recovers wake-ups lost while the worker was down.
type WakeSweepJob struct {
	log   zerolog.Logger
	waker PendingWaker
}

// NewWakeSweepJob creates a new WakeSweepJob
func NewWakeSweepJob(waker PendingWaker) *WakeSweepJob {
	return &WakeSweepJob{
		log:   zerolog.Nop(),
		waker: waker,
	}
}

// SetLogger sets the logger for the job
func (j *WakeSweepJob) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Name returns the job name
func (j *WakeSweepJob) Name() string {
	return "wake_sweep"
}

// Run executes the wake sweep
func (j *WakeSweepJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	woke, err := j.waker.WakeIfPending(ctx)
	if err != nil {
		return err
	}
	if woke {
		j.log.Debug().Msg("Pending tasks found, worker notified")
	}
	return nil
}
