package worker

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/aristath/pricehub/internal/domain"
	"github.com/rs/zerolog"
)

// TaskSource hands out tasks and accepts their results
type TaskSource interface {
	RequestTask(ctx context.Context) (*domain.TaskAssignment, error)
	Commit(ctx context.Context, taskID int64, result []byte) (domain.CommitStatus, error)
}

// Fetcher produces the result document for a task
type Fetcher interface {
	Fetch(ctx context.Context, assignment *domain.TaskAssignment) ([]byte, error)
}

var failureBody = []byte(strconv.Quote(domain.FailureToken))

// Loop is the WorkerLoop. Each wake-up drains the hub's queue one task at a time
// until the hub reports no work. Wake-ups arriving mid-drain collapse into a single
// follow-up drain.
type Loop struct {
	source    TaskSource
	fetcher   Fetcher
	wake      chan struct{}
	draining  atomic.Bool
	processed atomic.Int64
	log       zerolog.Logger
}

// NewLoop creates a worker loop
func NewLoop(source TaskSource, fetcher Fetcher, log zerolog.Logger) *Loop {
	return &Loop{
		source:  source,
		fetcher: fetcher,
		wake:    make(chan struct{}, 1),
		log:     log.With().Str("component", "worker_loop").Logger(),
	}
}

// Wake requests a drain. This is non-blocking and can be called from any goroutine.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
		// Drain already pending
	}
}

// Processed returns the number of tasks handled since start
func (l *Loop) Processed() int64 {
	return l.processed.Load()
}

// Run drains once at startup, then on every wake-up until ctx is cancelled
func (l *Loop) Run(ctx context.Context) {
	l.log.Info().Msg("Worker loop started")
	l.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Int64("processed", l.Processed()).Msg("Worker loop stopped")
			return
		case <-l.wake:
			l.Drain(ctx)
		}
	}
}

// Drain processes tasks until the hub has none left and returns how many were handled.
// Only one drain runs at a time; a concurrent call returns 0 immediately.
func (l *Loop) Drain(ctx context.Context) int {
	if !l.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer l.draining.Store(false)

	handled := 0
	for ctx.Err() == nil {
		assignment, err := l.source.RequestTask(ctx)
		if err != nil {
			l.log.Warn().Err(err).Msg("Failed to request task")
			break
		}
		if assignment == nil {
			break
		}

		l.process(ctx, assignment)
		handled++
		l.processed.Add(1)
	}

	if handled > 0 {
		l.log.Info().Int("tasks", handled).Msg("Queue drained")
	}
	return handled
}

func (l *Loop) process(ctx context.Context, assignment *domain.TaskAssignment) {
	log := l.log.With().
		Int64("task_id", assignment.TaskID).
		Str("symbol", assignment.Args.Symbol).
		Int("year", assignment.Args.Year).
		Int("begin", assignment.Args.Begin).
		Logger()

	result, err := l.fetcher.Fetch(ctx, assignment)
	if err != nil {
		log.Warn().Err(err).Msg("Fetch failed")
		result = failureBody
	} else if len(bytes.TrimSpace(result)) == 0 {
		log.Warn().Msg("Fetch produced no output")
		result = failureBody
	} else if _, perr := domain.ParseFetchResult(result); perr != nil && !errors.Is(perr, domain.ErrFetchFailed) {
		// The hub only counts retries for failures it can recognise
		log.Warn().Err(perr).Int("bytes", len(result)).Msg("Fetch output unusable, reporting failure")
		result = failureBody
	}

	status, err := l.source.Commit(ctx, assignment.TaskID, result)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		log.Warn().Msg("Hub no longer knows this task, result dropped")
	case err != nil:
		log.Error().Err(err).Msg("Failed to deliver result")
	default:
		log.Info().Str("status", string(status)).Msg("Task committed")
	}
}
