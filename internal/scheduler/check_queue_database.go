package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/pricehub/internal/database"
	"github.com/rs/zerolog"
)

// walWarnFrames is the WAL size (in frames) above which the job logs a warning
const walWarnFrames = 1000

// CheckQueueDatabaseJob verifies syncer.db integrity and reports WAL checkpoint status
type CheckQueueDatabaseJob struct {
	log zerolog.Logger
	db  *database.DB
}

// NewCheckQueueDatabaseJob creates a new CheckQueueDatabaseJob
func NewCheckQueueDatabaseJob(db *database.DB) *CheckQueueDatabaseJob {
	return &CheckQueueDatabaseJob{
		log: zerolog.Nop(),
		db:  db,
	}
}

// SetLogger sets the logger for the job
func (j *CheckQueueDatabaseJob) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Name returns the job name
func (j *CheckQueueDatabaseJob) Name() string {
	return "check_queue_database"
}

// Run executes the check
func (j *CheckQueueDatabaseJob) Run() error {
	if j.db == nil {
		j.log.Warn().Msg("Queue database not initialized, skipping")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := j.db.HealthCheck(ctx); err != nil {
		// Queue corruption is not auto-recoverable
		j.log.Error().Err(err).Str("database", j.db.Name()).Msg("Queue database integrity check failed")
		return fmt.Errorf("database %s is corrupted: %w", j.db.Name(), err)
	}

	// PRAGMA wal_checkpoint returns: busy, log, checkpointed
	var busy, frames, checkpointed int
	err := j.db.Conn().QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &frames, &checkpointed)
	if err != nil {
		j.log.Warn().Err(err).Str("database", j.db.Name()).Msg("Failed to check WAL checkpoint")
		return nil
	}

	if frames > walWarnFrames {
		j.log.Warn().
			Str("database", j.db.Name()).
			Int("wal_frames", frames).
			Int("checkpointed", checkpointed).
			Msg("WAL file is large, checkpoint may be needed")
	} else {
		j.log.Debug().
			Str("database", j.db.Name()).
			Int("wal_frames", frames).
			Msg("WAL checkpoint status OK")
	}
	return nil
}
