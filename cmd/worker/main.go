// Package main is the entry point for the pricehub worker. The worker claims fetch
// tasks from the hub, runs the named fetch script and commits its output back.
//
// It sleeps between drains and is woken by SIGUSR1 (same host), the hub's
// websocket event channel, or the poll schedule as a fallback.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/pricehub/internal/config"
	"github.com/aristath/pricehub/internal/scheduler"
	"github.com/aristath/pricehub/internal/worker"
	"github.com/aristath/pricehub/pkg/logger"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	workerID := worker.NewWorkerID()
	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "worker",
	}).With().Str("worker_id", workerID).Logger()
	logger.SetGlobalLogger(log)

	log.Info().Str("hub", cfg.HubURL).Msg("Starting pricehub worker")

	if cfg.PIDFile != "" {
		if err := worker.WritePIDFile(cfg.PIDFile); err != nil {
			log.Warn().Err(err).Str("path", cfg.PIDFile).Msg("Failed to write PID file, signal wake-ups disabled")
		} else {
			defer func() {
				if err := worker.RemovePIDFile(cfg.PIDFile); err != nil {
					log.Warn().Err(err).Msg("Failed to remove PID file")
				}
			}()
		}
	}

	client := worker.NewClient(cfg.HubURL, workerID, cfg.DeliveryRetries, log)
	runner := worker.NewRunner(worker.RunnerConfig{
		ScriptDir:   cfg.ScriptDir,
		Interpreter: cfg.ScriptInterpreter,
		Ext:         cfg.ScriptExt,
		Timeout:     cfg.FetchTimeout,
	}, log)
	loop := worker.NewLoop(client, runner, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.WatchSignals(ctx, loop, log)

	if cfg.UseWebSocket {
		eventsURL, err := client.EventsURL()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to derive hub event URL")
		}
		go worker.NewEventListener(eventsURL, loop, log).Run(ctx)
	}

	sched := scheduler.New(log)
	if cfg.PollSchedule != "" {
		if err := sched.AddJob(cfg.PollSchedule, worker.NewPollJob(loop)); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.PollSchedule).Msg("Invalid poll schedule")
		}
	}
	sched.Start()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")
	sched.Stop()
	cancel()
	<-done

	log.Info().Int64("processed", loop.Processed()).Msg("Worker stopped")
}
