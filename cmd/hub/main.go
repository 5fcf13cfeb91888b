// Package main is the entry point for the pricehub hub: the HTTP service that serves
// yearly price series from local storage and hands fetch tasks to workers.
//
// The hub owns two kinds of state under the data directory:
//   - syncer.db: the task queue shared by request handlers and workers
//   - {symbol}_{year}.db / .json: live tables and closed-year archives
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pricehub/internal/config"
	"github.com/aristath/pricehub/internal/database"
	"github.com/aristath/pricehub/internal/metrics"
	"github.com/aristath/pricehub/internal/modules/cache"
	cachehandlers "github.com/aristath/pricehub/internal/modules/cache/handlers"
	"github.com/aristath/pricehub/internal/modules/history"
	"github.com/aristath/pricehub/internal/modules/tasks"
	"github.com/aristath/pricehub/internal/notify"
	"github.com/aristath/pricehub/internal/reliability"
	"github.com/aristath/pricehub/internal/scheduler"
	"github.com/aristath/pricehub/internal/server"
	"github.com/aristath/pricehub/pkg/logger"
)

func main() {
	cfg, err := config.LoadHub()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "hub",
	})
	logger.SetGlobalLogger(log)
	metrics.Init()

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("driver", cfg.SQLiteDriver).
		Msg("Starting pricehub hub")

	queueDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "syncer.db"),
		Driver:  cfg.SQLiteDriver,
		Profile: database.ProfileQueue,
		Name:    "syncer",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open task queue database")
	}
	defer queueDB.Close()

	if err := queueDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate task queue database")
	}

	// Optional off-box copy of closed-year archives
	var mirror *reliability.ArchiveMirror
	if cfg.R2.Enabled() {
		client, err := reliability.NewR2Client(context.Background(), reliability.R2Config{
			Endpoint:        cfg.R2.Endpoint,
			Region:          cfg.R2.Region,
			Bucket:          cfg.R2.Bucket,
			AccessKeyID:     cfg.R2.AccessKeyID,
			SecretAccessKey: cfg.R2.SecretAccessKey,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create archive mirror client")
		}
		mirror = reliability.NewArchiveMirror(client, log)
		log.Info().Str("bucket", cfg.R2.Bucket).Msg("Archive mirror enabled")
	}

	storeCfg := history.Config{
		Dir:           cfg.DataDir,
		Driver:        cfg.SQLiteDriver,
		MaxOpenTables: cfg.MaxOpenTables,
	}
	if mirror != nil {
		storeCfg.Mirror = mirror
	}
	store := history.NewStore(storeCfg, log)
	defer store.Close()

	queue := tasks.NewQueue(queueDB, tasks.Config{
		MaxRetries:   cfg.MaxRetries,
		LeaseTimeout: cfg.LeaseTimeout,
	}, log)

	// Workers are woken by signal (same host) and by the event stream (remote)
	signalNotifier := notify.NewSignalNotifier(cfg.WorkerPID, cfg.WorkerPIDFile, log)
	eventNotifier := notify.NewWebSocketNotifier(log)
	go signalNotifier.Run()
	go eventNotifier.Run()

	resolver := cache.NewResolver(store, queue, notify.Multi{signalNotifier, eventNotifier}, cache.Config{
		Script:   cfg.Script,
		Interval: cfg.Interval,
	}, log)

	sched := scheduler.New(log)
	registerJobs(sched, cfg, resolver, queueDB, mirror, log)
	sched.Start()

	srv := server.New(server.Config{
		Log:     log,
		QueueDB: queueDB,
		DataDir: cfg.DataDir,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Cache:   cachehandlers.NewHandler(resolver, log),
		Events:  eventNotifier,
		Tasks:   resolver,
		Tables:  store,
		Peers:   eventNotifier,
		Jobs:    sched,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Hub started successfully")

	// Pick up tasks left pending by a previous run
	if _, err := resolver.WakeIfPending(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to check for pending tasks")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down hub...")

	sched.Stop()
	signalNotifier.Stop()
	eventNotifier.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Hub stopped")
}

// registerJobs wires the periodic jobs. A job with a bad schedule is logged and skipped.
func registerJobs(
	sched *scheduler.Scheduler,
	cfg *config.HubConfig,
	resolver *cache.Resolver,
	queueDB *database.DB,
	mirror *reliability.ArchiveMirror,
	log zerolog.Logger,
) {
	rollover := scheduler.NewRolloverJob(resolver)
	rollover.SetLogger(log)

	wakeSweep := scheduler.NewWakeSweepJob(resolver)
	wakeSweep.SetLogger(log)

	checkQueue := scheduler.NewCheckQueueDatabaseJob(queueDB)
	checkQueue.SetLogger(log)

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{cfg.RolloverSchedule, rollover},
		{cfg.WakeSchedule, wakeSweep},
		{cfg.MaintenanceSchedule, checkQueue},
		{"0 2 * * *", reliability.NewDailyMaintenanceJob(queueDB, mirror, cfg.DataDir, log)},
		{"0 3 * * 0", reliability.NewWeeklyMaintenanceJob(queueDB, log)},
	}

	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			log.Error().Err(err).Str("job", j.job.Name()).Str("schedule", j.schedule).Msg("Failed to register job")
		}
	}

	// Archive anything left live from years that closed while the hub was down
	if err := sched.RunNow(rollover); err != nil {
		log.Warn().Err(err).Msg("Startup rollover failed")
	}
}
