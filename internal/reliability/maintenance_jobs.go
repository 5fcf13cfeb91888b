package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/pricehub/internal/database"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// Free-space thresholds for the data directory
const (
	criticalFreeBytes = 500 << 20
	warnFreeBytes     = 5 << 30
)

// DailyMaintenanceJob performs daily data-directory maintenance (2 AM)
type DailyMaintenanceJob struct {
	queueDB *database.DB
	mirror  *ArchiveMirror // nil when no mirror is configured
	dataDir string
	log     zerolog.Logger
}

// NewDailyMaintenanceJob creates a new daily maintenance job
func NewDailyMaintenanceJob(
	queueDB *database.DB,
	mirror *ArchiveMirror,
	dataDir string,
	log zerolog.Logger,
) *DailyMaintenanceJob {
	return &DailyMaintenanceJob{
		queueDB: queueDB,
		mirror:  mirror,
		dataDir: dataDir,
		log:     log.With().Str("job", "daily_maintenance").Logger(),
	}
}

// Run executes the daily maintenance job
func (j *DailyMaintenanceJob) Run() error {
	j.log.Info().Msg("Starting daily maintenance")
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	// Step 1: WAL checkpoint (prevent bloat)
	if j.queueDB != nil {
		if _, err := j.queueDB.Conn().ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			j.log.Warn().Err(err).Str("database", j.queueDB.Name()).Msg("WAL checkpoint failed")
		}
	}

	// Step 2: Check disk space
	if err := j.checkDiskSpace(ctx); err != nil {
		return err
	}

	// Step 3: Push any archive the mirror missed
	if j.mirror != nil {
		if _, err := j.mirror.Sync(ctx, j.dataDir); err != nil {
			j.log.Error().Err(err).Msg("Archive mirror sync failed")
		}
	}

	j.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Msg("Daily maintenance completed successfully")
	return nil
}

// Name returns the job name for scheduler
func (j *DailyMaintenanceJob) Name() string {
	return "daily_maintenance"
}

// checkDiskSpace verifies sufficient disk space is available
func (j *DailyMaintenanceJob) checkDiskSpace(ctx context.Context) error {
	usage, err := disk.UsageWithContext(ctx, j.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(usage.Free) / 1e9
	j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	if usage.Free < criticalFreeBytes {
		j.log.Error().
			Float64("available_gb", availableGB).
			Msg("CRITICAL: Insufficient disk space for new archives")
		return fmt.Errorf("CRITICAL: only %.2f GB free in %s", availableGB, j.dataDir)
	}
	if usage.Free < warnFreeBytes {
		j.log.Warn().
			Float64("available_gb", availableGB).
			Msg("Disk space running low")
	}
	return nil
}

// WeeklyMaintenanceJob compacts the task queue database (Sunday 3 AM)
type WeeklyMaintenanceJob struct {
	queueDB *database.DB
	log     zerolog.Logger
}

// NewWeeklyMaintenanceJob creates a new weekly maintenance job
func NewWeeklyMaintenanceJob(queueDB *database.DB, log zerolog.Logger) *WeeklyMaintenanceJob {
	return &WeeklyMaintenanceJob{
		queueDB: queueDB,
		log:     log.With().Str("job", "weekly_maintenance").Logger(),
	}
}

// Run executes the weekly maintenance job
func (j *WeeklyMaintenanceJob) Run() error {
	if j.queueDB == nil {
		return nil
	}
	return j.vacuumDatabase(j.queueDB)
}

// Name returns the job name for scheduler
func (j *WeeklyMaintenanceJob) Name() string {
	return "weekly_maintenance"
}

// vacuumDatabase performs VACUUM on a database
func (j *WeeklyMaintenanceJob) vacuumDatabase(db *database.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	sizeBefore := databaseSizeMB(ctx, db)

	if _, err := db.Conn().ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("VACUUM failed: %w", err)
	}

	sizeAfter := databaseSizeMB(ctx, db)
	j.log.Info().
		Str("database", db.Name()).
		Float64("size_before_mb", sizeBefore).
		Float64("size_after_mb", sizeAfter).
		Float64("space_reclaimed_mb", sizeBefore-sizeAfter).
		Msg("VACUUM completed")
	return nil
}

func databaseSizeMB(ctx context.Context, db *database.DB) float64 {
	var pageCount, pageSize int
	_ = db.Conn().QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	_ = db.Conn().QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
	return float64(pageCount*pageSize) / 1024 / 1024
}
