// Package main is the entry point for the batch worker process. It consumes
// queued jobs, runs batches, and reclaims work abandoned by crashed peers.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lumeo-ai/contentforge/internal/bootstrap"
	"github.com/lumeo-ai/contentforge/internal/config"
)

func main() {
	logger := bootstrap.NewLogger(os.Getenv("DEBUG") == "true")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting batch worker",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("worker_budget", cfg.Jobs.TotalWorkerBudget),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}
	defer app.Close()
	logger.Info("Connected to PostgreSQL and Redis")

	// One consumer per batch slot: each job holds its per-batch workers,
	// so the consumer count bounds concurrent batches.
	consumers := cfg.Jobs.TotalWorkerBudget / max(cfg.Pipeline.Workers, 1)
	if consumers < 1 {
		consumers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.Manager.RunWorker(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Manager.RunReclaimer(ctx, time.Minute)
	}()

	logger.Info("Worker running", slog.Int("consumers", consumers))
	<-ctx.Done()
	logger.Info("Shutting down worker")
	wg.Wait()
	logger.Info("Worker stopped gracefully")
}
