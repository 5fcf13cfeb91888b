// Package cache decides how a (symbol, year) request is served and applies worker commits.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/pricehub/internal/domain"
	"github.com/aristath/pricehub/internal/metrics"
	"github.com/aristath/pricehub/internal/modules/history"
	"github.com/rs/zerolog"
)

// YearStore is the subset of history.Store the resolver needs
type YearStore interface {
	HasLive(symbol string, year int) bool
	LoadArchive(ctx context.Context, symbol string, year int) (domain.YearBlob, error)
	LoadLive(ctx context.Context, symbol string, year int) (domain.YearBlob, error)
	MaxRecordedDay(ctx context.Context, symbol string, year int) (int, error)
	AppendRows(ctx context.Context, symbol string, year int, rows []domain.DayRecord) error
	Archive(ctx context.Context, symbol string, year int) (domain.YearBlob, error)
	ListLive() ([]history.Key, error)
}

// TaskQueue is the subset of tasks.Queue the resolver needs
type TaskQueue interface {
	Enqueue(ctx context.Context, symbol string, year, begin int) (bool, error)
	ClaimNext(ctx context.Context, workerID string) (*domain.Task, error)
	GetRunning(ctx context.Context, id int64) (*domain.Task, error)
	CommitSuccess(ctx context.Context, id int64) error
	CommitFailure(ctx context.Context, id int64) (domain.FailureOutcome, error)
	List(ctx context.Context) ([]domain.Task, error)
	Counts(ctx context.Context) (map[domain.TaskState]int, error)
}

// Notifier wakes the worker. Implementations must not block.
type Notifier interface {
	Notify()
}

// Outcome says how a request was served
type Outcome string

const (
	OutcomeArchive   Outcome = metrics.OutcomeArchive
	OutcomeConverted Outcome = metrics.OutcomeConverted
	OutcomeLive      Outcome = metrics.OutcomeLive
	OutcomePending   Outcome = metrics.OutcomePending
)

// PendingMarker is the data payload returned while a fetch is outstanding
const PendingMarker = "Pending"

// Result is the answer to PrepareData
type Result struct {
	Blob    domain.YearBlob
	Outcome Outcome
}

// Pending reports whether the data is still being fetched
func (r *Result) Pending() bool {
	return r.Outcome == OutcomePending
}

// Payload returns the value placed under "data" in responses
func (r *Result) Payload() interface{} {
	if r.Pending() {
		return PendingMarker
	}
	return r.Blob
}

// Config holds resolver settings
type Config struct {
	Script   string // fetch script handed to the worker
	Interval string // bar interval handed to the fetch script
}

// Resolver is the CacheResolver
type Resolver struct {
	store    YearStore
	queue    TaskQueue
	notifier Notifier
	script   string
	interval string
	now      func() time.Time
	log      zerolog.Logger
}

// NewResolver creates a resolver. A nil notifier disables worker wake-ups.
func NewResolver(store YearStore, queue TaskQueue, notifier Notifier, cfg Config, log zerolog.Logger) *Resolver {
	if cfg.Script == "" {
		cfg.Script = "yfinance_worker"
	}
	if cfg.Interval == "" {
		cfg.Interval = "1d"
	}
	return &Resolver{
		store:    store,
		queue:    queue,
		notifier: notifier,
		script:   cfg.Script,
		interval: cfg.Interval,
		now:      time.Now,
		log:      log.With().Str("component", "cache_resolver").Logger(),
	}
}

// SetClock overrides the time source (tests)
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// PrepareData serves (symbol, year) from the archive or live table, or schedules a fetch.
//
// Past years: archive, else convert the live table, else schedule from day 0.
// Current year: serve the live table when it holds data through yesterday, else schedule
// from the last recorded day. The current year is never archived.
func (r *Resolver) PrepareData(ctx context.Context, symbol string, year int) (*Result, error) {
	now := r.now()
	if err := domain.ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	if err := domain.ValidateYear(year, now); err != nil {
		return nil, err
	}

	var result *Result
	var err error
	if year < now.Year() {
		result, err = r.preparePastYear(ctx, symbol, year)
	} else {
		result, err = r.prepareCurrentYear(ctx, symbol, year, now)
	}
	if err != nil {
		metrics.ObserveDataRequest(metrics.OutcomeError)
		return nil, err
	}

	metrics.ObserveDataRequest(string(result.Outcome))
	return result, nil
}

func (r *Resolver) preparePastYear(ctx context.Context, symbol string, year int) (*Result, error) {
	blob, err := r.store.LoadArchive(ctx, symbol, year)
	if err == nil {
		return &Result{Outcome: OutcomeArchive, Blob: blob}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if r.store.HasLive(symbol, year) {
		blob, err := r.store.Archive(ctx, symbol, year)
		if err != nil {
			return nil, err
		}
		metrics.ObserveArchive()
		return &Result{Outcome: OutcomeConverted, Blob: blob}, nil
	}

	if err := r.schedule(ctx, symbol, year, 0); err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomePending}, nil
}

func (r *Resolver) prepareCurrentYear(ctx context.Context, symbol string, year int, now time.Time) (*Result, error) {
	maxDay, err := r.store.MaxRecordedDay(ctx, symbol, year)
	if err != nil {
		return nil, err
	}

	if r.store.HasLive(symbol, year) && maxDay >= domain.DayOfYear(now)-1 {
		blob, err := r.store.LoadLive(ctx, symbol, year)
		if err == nil {
			return &Result{Outcome: OutcomeLive, Blob: blob}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	if err := r.schedule(ctx, symbol, year, maxDay); err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomePending}, nil
}

// schedule enqueues a fetch and wakes the worker. The worker is woken on duplicates
// too, so a lost wake-up is recovered by the next request for the same year.
func (r *Resolver) schedule(ctx context.Context, symbol string, year, begin int) error {
	inserted, err := r.queue.Enqueue(ctx, symbol, year, begin)
	if err != nil {
		return err
	}
	if inserted {
		metrics.ObserveTaskEnqueued()
	}
	r.wake()
	return nil
}

func (r *Resolver) wake() {
	if r.notifier != nil {
		r.notifier.Notify()
	}
}

// NextTask claims the next task for workerID; nil means there is no work
func (r *Resolver) NextTask(ctx context.Context, workerID string) (*domain.TaskAssignment, error) {
	task, err := r.queue.ClaimNext(ctx, workerID)
	if err != nil || task == nil {
		return nil, err
	}
	return &domain.TaskAssignment{
		TaskID: task.ID,
		Script: r.script,
		Args: domain.FetchArgs{
			Symbol:   task.Symbol,
			Year:     task.Year,
			Begin:    task.Begin,
			Interval: r.interval,
		},
	}, nil
}

// Commit applies a worker's report for a running task.
//
// A failure token or unparseable output goes through retry accounting. Data is appended
// to the live table, past years are archived right away, and only then is the task removed. If storage
// fails the task stays running so a redelivered commit can apply it again.
func (r *Resolver) Commit(ctx context.Context, taskID int64, body []byte) (domain.CommitStatus, error) {
	task, err := r.queue.GetRunning(ctx, taskID)
	if err != nil {
		metrics.ObserveCommit("rejected")
		return "", err
	}

	records, err := domain.ParseFetchResult(body)
	if errors.Is(err, domain.ErrFetchFailed) {
		return r.commitFailure(ctx, task)
	}
	if err != nil {
		// Unusable output counts against the retry bound like a reported failure
		r.log.Warn().
			Err(err).
			Int64("task_id", task.ID).
			Str("symbol", task.Symbol).
			Int("year", task.Year).
			Msg("Fetch output unusable, counted as failure")
		return r.commitFailure(ctx, task)
	}

	if err := r.store.AppendRows(ctx, task.Symbol, task.Year, records); err != nil {
		return "", fmt.Errorf("failed to store task %d results: %w", task.ID, err)
	}

	if task.Year < r.now().Year() {
		if _, err := r.store.Archive(ctx, task.Symbol, task.Year); err != nil {
			return "", fmt.Errorf("failed to archive task %d results: %w", task.ID, err)
		}
		metrics.ObserveArchive()
	}

	if err := r.queue.CommitSuccess(ctx, task.ID); err != nil {
		return "", err
	}

	metrics.ObserveCommit("acknowledged")
	r.log.Info().
		Int64("task_id", task.ID).
		Str("symbol", task.Symbol).
		Int("year", task.Year).
		Int("days", len(records)).
		Msg("Task results stored")
	return domain.CommitAcknowledged, nil
}

func (r *Resolver) commitFailure(ctx context.Context, task *domain.Task) (domain.CommitStatus, error) {
	outcome, err := r.queue.CommitFailure(ctx, task.ID)
	if err != nil {
		return "", err
	}
	metrics.ObserveCommit(string(outcome))

	if outcome == domain.FailureRetried {
		r.wake()
		return domain.CommitRetrying, nil
	}

	r.log.Warn().
		Int64("task_id", task.ID).
		Str("symbol", task.Symbol).
		Int("year", task.Year).
		Msg("Fetch abandoned after retries")
	return domain.CommitAcknowledged, nil
}

// Rollover archives every live table of a closed year and returns how many were archived
func (r *Resolver) Rollover(ctx context.Context) (int, error) {
	keys, err := r.store.ListLive()
	if err != nil {
		return 0, err
	}

	currentYear := r.now().Year()
	archived := 0
	var errs []error
	for _, key := range keys {
		if key.Year >= currentYear {
			continue
		}
		if _, err := r.store.Archive(ctx, key.Symbol, key.Year); err != nil {
			r.log.Error().Err(err).Str("symbol", key.Symbol).Int("year", key.Year).Msg("Rollover archive failed")
			errs = append(errs, err)
			continue
		}
		metrics.ObserveArchive()
		archived++
	}

	if archived > 0 {
		r.log.Info().Int("archived", archived).Msg("Rolled over closed years")
	}
	return archived, errors.Join(errs...)
}

// WakeIfPending notifies the worker when claimable work exists
func (r *Resolver) WakeIfPending(ctx context.Context) (bool, error) {
	counts, err := r.queue.Counts(ctx)
	if err != nil {
		return false, err
	}
	if counts[domain.TaskPending] == 0 {
		return false, nil
	}
	r.wake()
	return true, nil
}

// Tasks lists active tasks
func (r *Resolver) Tasks(ctx context.Context) ([]domain.Task, error) {
	return r.queue.List(ctx)
}

// TaskCounts returns active task counts by state
func (r *Resolver) TaskCounts(ctx context.Context) (map[domain.TaskState]int, error) {
	return r.queue.Counts(ctx)
}
