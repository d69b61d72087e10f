// Command server runs the riskwatch service.
//
// Startup order:
//  1. Load configuration from environment (.env supported)
//  2. Initialize structured logging
//  3. Open the read-only loader database and the results store
//  4. Wire the risk pipeline service and repository
//  5. Register the nightly pipeline job on the cron scheduler
//  6. Serve the reporting API until SIGINT/SIGTERM, then shut down
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

	"github.com/aristath/riskwatch/internal/config"
	"github.com/aristath/riskwatch/internal/database"
	"github.com/aristath/riskwatch/internal/modules/history"
	"github.com/aristath/riskwatch/internal/modules/risk"
	"github.com/aristath/riskwatch/internal/scheduler"
	"github.com/aristath/riskwatch/internal/server"
	"github.com/aristath/riskwatch/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Msg("Starting riskwatch")

	historyDB, err := history.Open(cfg.HistoryDBPath, log)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.HistoryDBPath).Msg("Failed to open history database")
	}
	defer historyDB.Close()

	resultsDB, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "results.db"),
		Name: "results",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open results database")
	}
	defer resultsDB.Close()

	if err := resultsDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate results database")
	}

	repo := risk.NewRepository(resultsDB, log)
	svc, err := risk.NewService(cfg.Risk, cfg.Symbols, historyDB, repo, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build risk service")
	}

	sched := scheduler.New(log, 0)
	if cfg.CronSchedule != "" {
		err := sched.AddJob("risk-pipeline", cfg.CronSchedule, scheduler.RunnerFunc(
			func(ctx context.Context) error {
				_, err := svc.Run(ctx)
				return err
			}))
		if err != nil {
			log.Fatal().Err(err).Str("spec", cfg.CronSchedule).Msg("Failed to register pipeline job")
		}
		sched.Start()
	} else {
		log.Warn().Msg("Cron schedule empty, pipeline runs only on demand")
	}

	srv := server.New(server.Config{
		Log:       log,
		ResultsDB: resultsDB,
		Repo:      repo,
		Service:   svc,
		DataDir:   cfg.DataDir,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
