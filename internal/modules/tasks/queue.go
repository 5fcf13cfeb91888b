// Package tasks provides the durable fetch task queue.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/pricehub/internal/database"
	"github.com/aristath/pricehub/internal/domain"
	"github.com/rs/zerolog"
)

const taskColumns = `task_id, symbol, year, begin_day, state, retry_count, claimed_at, claimed_by, created_at`

// Config holds queue settings
type Config struct {
	MaxRetries   int
	LeaseTimeout time.Duration // running tasks claimed longer ago than this are reclaimable
}

// Queue is the TaskQueue backed by syncer.db.
//
// Every check-then-act sequence runs inside one transaction and under the queue mutex,
// so dedup, claim and failure accounting are atomic within the hub process.
type Queue struct {
	db           *database.DB
	maxRetries   int
	leaseTimeout time.Duration
	now          func() time.Time
	mu           sync.Mutex
	log          zerolog.Logger
}

// NewQueue creates a queue over an already migrated "syncer" database
func NewQueue(db *database.DB, cfg Config, log zerolog.Logger) *Queue {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 30 * time.Minute
	}
	return &Queue{
		db:           db,
		maxRetries:   cfg.MaxRetries,
		leaseTimeout: cfg.LeaseTimeout,
		now:          time.Now,
		log:          log.With().Str("component", "task_queue").Logger(),
	}
}

// SetClock overrides the time source (tests)
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// MaxRetries returns the configured retry bound
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue inserts a pending task unless one is already active for (symbol, year).
// A false result means a fetch is already in flight.
func (q *Queue) Enqueue(ctx context.Context, symbol string, year, begin int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	inserted := false
	err := database.WithTransactionContext(ctx, q.db.Conn(), func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM tasks WHERE symbol = ? AND year = ?",
			symbol, year,
		).Scan(&active); err != nil {
			return fmt.Errorf("failed to check active tasks: %w", err)
		}
		if active > 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tasks (symbol, year, begin_day, state, retry_count, created_at) VALUES (?, ?, ?, ?, 0, ?)",
			symbol, year, begin, string(domain.TaskPending), q.now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if inserted {
		q.log.Info().Str("symbol", symbol).Int("year", year).Int("begin", begin).Msg("Task enqueued")
	} else {
		q.log.Debug().Str("symbol", symbol).Int("year", year).Msg("Task already active")
	}
	return inserted, nil
}

// ClaimNext flips the oldest claimable task to running and returns it.
// Pending tasks are claimable, as are running tasks whose lease has expired.
// Returns nil when nothing is claimable.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	cutoff := now.Add(-q.leaseTimeout).Unix()

	var claimed *domain.Task
	err := database.WithTransactionContext(ctx, q.db.Conn(), func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT task_id FROM tasks
			WHERE state = ? OR (state = ? AND claimed_at < ?)
			ORDER BY task_id ASC
			LIMIT 1
		`, string(domain.TaskPending), string(domain.TaskRunning), cutoff).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select claimable task: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, claimed_at = ?, claimed_by = ?
			WHERE task_id = ? AND (state = ? OR (state = ? AND claimed_at < ?))
		`, string(domain.TaskRunning), now.Unix(), workerID,
			id, string(domain.TaskPending), string(domain.TaskRunning), cutoff)
		if err != nil {
			return fmt.Errorf("failed to claim task %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return fmt.Errorf("task %d changed while claiming", id)
		}

		claimed, err = scanTask(tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE task_id = ?", id))
		return err
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		q.log.Info().
			Int64("task_id", claimed.ID).
			Str("symbol", claimed.Symbol).
			Int("year", claimed.Year).
			Int("retries", claimed.RetryCount).
			Str("worker", workerID).
			Msg("Task claimed")
	}
	return claimed, nil
}

// Get returns a task by id, or domain.ErrTaskNotFound
func (q *Queue) Get(ctx context.Context, id int64) (*domain.Task, error) {
	task, err := scanTask(q.db.Conn().QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE task_id = ?", id))
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
	}
	return task, nil
}

// GetRunning returns the task only when it is currently running
func (q *Queue) GetRunning(ctx context.Context, id int64) (*domain.Task, error) {
	task, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.State != domain.TaskRunning {
		return nil, fmt.Errorf("task %d is %s: %w", id, task.State, domain.ErrTaskNotFound)
	}
	return task, nil
}

// CommitSuccess deletes a running task
func (q *Queue) CommitSuccess(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Conn().ExecContext(ctx,
		"DELETE FROM tasks WHERE task_id = ? AND state = ?",
		id, string(domain.TaskRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
	}

	q.log.Info().Int64("task_id", id).Msg("Task completed")
	return nil
}

// CommitFailure records a failed fetch for a running task.
// Below the retry bound the task goes back to pending with its counter incremented;
// at the bound it is deleted.
func (q *Queue) CommitFailure(ctx context.Context, id int64) (domain.FailureOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var outcome domain.FailureOutcome
	var retries int
	err := database.WithTransactionContext(ctx, q.db.Conn(), func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			"SELECT retry_count FROM tasks WHERE task_id = ? AND state = ?",
			id, string(domain.TaskRunning),
		).Scan(&retries)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read task %d: %w", id, err)
		}

		if retries < q.maxRetries {
			retries++
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET state = ?, retry_count = ?, claimed_at = NULL, claimed_by = NULL
				WHERE task_id = ?
			`, string(domain.TaskPending), retries, id); err != nil {
				return fmt.Errorf("failed to reschedule task %d: %w", id, err)
			}
			outcome = domain.FailureRetried
			return nil
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE task_id = ?", id); err != nil {
			return fmt.Errorf("failed to drop task %d: %w", id, err)
		}
		outcome = domain.FailureExhausted
		return nil
	})
	if err != nil {
		return "", err
	}

	if outcome == domain.FailureRetried {
		q.log.Warn().Int64("task_id", id).Int("retries", retries).Msg("Task failed, rescheduled")
	} else {
		q.log.Warn().Int64("task_id", id).Int("retries", retries).Msg("Task failed, retries exhausted")
	}
	return outcome, nil
}

// List returns every active task in claim order
func (q *Queue) List(ctx context.Context) ([]domain.Task, error) {
	rows, err := q.db.Conn().QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY task_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// Counts returns the number of tasks per state
func (q *Queue) Counts(ctx context.Context) (map[domain.TaskState]int, error) {
	rows, err := q.db.Conn().QueryContext(ctx, "SELECT state, COUNT(*) FROM tasks GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := map[domain.TaskState]int{
		domain.TaskPending: 0,
		domain.TaskRunning: 0,
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[domain.TaskState(state)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTask returns nil, nil for sql.ErrNoRows
func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var state string
	var claimedAt sql.NullInt64
	var claimedBy sql.NullString
	var createdAt int64

	err := row.Scan(&task.ID, &task.Symbol, &task.Year, &task.Begin, &state,
		&task.RetryCount, &claimedAt, &claimedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.State = domain.TaskState(state)
	task.CreatedAt = time.Unix(createdAt, 0).UTC()
	if claimedAt.Valid {
		t := time.Unix(claimedAt.Int64, 0).UTC()
		task.ClaimedAt = &t
	}
	task.ClaimedBy = claimedBy.String
	return &task, nil
}
