package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openshelf/circulation-engine-go/circulation/lending"
	"github.com/openshelf/circulation-engine-go/circulation/postgresengine"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}
}

func run() error {
	cfg := parseFlags()

	log.Printf("📚 Starting circulation load simulation")
	logConfiguration(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	service, err := buildService(pool, cfg)
	if err != nil {
		return err
	}

	simulation := NewSimulation(service, cfg)

	log.Printf("🏗️  Seeding %d books and %d members...", cfg.Books, cfg.Members)
	if err := simulation.Seed(ctx, pool); err != nil {
		return fmt.Errorf("failed to seed simulation data: %w", err)
	}

	simulationDone := make(chan error, 1)
	go func() {
		simulationDone <- simulation.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Printf("📢 Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		select {
		case err := <-simulationDone:
			return err
		case <-time.After(5 * time.Second):
			log.Printf("⚠️  Shutdown timeout after 5 seconds")
			return nil
		}

	case err := <-simulationDone:
		return err
	}
}

func buildService(pool *pgxpool.Pool, cfg Config) (*lending.Service, error) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	store, err := postgresengine.NewLoanStoreFromPGXPool(pool, postgresengine.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create loan store: %w", err)
	}

	service, err := lending.NewService(store,
		lending.WithAdmissionLimit(cfg.AdmissionLimit),
		lending.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lending service: %w", err)
	}

	return service, nil
}

func logConfiguration(cfg Config) {
	log.Printf("  - Workers: %d", cfg.Workers)
	log.Printf("  - Books: %d with %d copies each", cfg.Books, cfg.CopiesPerBook)
	log.Printf("  - Members: %d", cfg.Members)
	log.Printf("  - Duration: %s", cfg.Duration)
	log.Printf("  - Admission limit: %d", cfg.AdmissionLimit)
}
