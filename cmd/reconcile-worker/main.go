package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/medidesk/clinic-scheduling/internal/config"
	"github.com/medidesk/clinic-scheduling/internal/db"
	"github.com/medidesk/clinic-scheduling/internal/logging"
	"github.com/medidesk/clinic-scheduling/internal/scheduling"
)

// The reconcile worker re-derives slot booked flags from the active
// appointment set. The flags are only a cache; appointments are the source of
// truth, and this job bounds how long any drift can live.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("reconcile-worker starting up", "env", cfg.Env, "interval", cfg.ReconcileInterval.String())

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	repo := scheduling.NewPgRepository(pgPool)

	// Run once at startup
	runOnce(rootCtx, repo, logger)

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping reconcile worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, repo, logger)
		}
	}
}

func runOnce(ctx context.Context, repo *scheduling.PgRepository, logger *logging.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	fixed, err := repo.ReconcileSlotFlags(runCtx)
	if err != nil {
		logger.Error("reconcile run error", "error", err)
		return
	}
	if fixed > 0 {
		logger.Warn("corrected stale slot flags", "count", fixed)
	}
	logger.Info("reconcile run complete", "duration", time.Since(start).String(), "corrected", fixed)
}
