package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/commonsmetrics/governance-collector/internal/api"
	"github.com/commonsmetrics/governance-collector/internal/blobstore"
	"github.com/commonsmetrics/governance-collector/internal/collector"
	"github.com/commonsmetrics/governance-collector/internal/config"
	"github.com/commonsmetrics/governance-collector/internal/orchestrator"
	"github.com/commonsmetrics/governance-collector/internal/ratelimit"
	"github.com/commonsmetrics/governance-collector/internal/store"
	"github.com/commonsmetrics/governance-collector/internal/store/file"
	"github.com/commonsmetrics/governance-collector/internal/store/postgres"
	"github.com/commonsmetrics/governance-collector/internal/store/sqlite"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	// Initialize the job store
	var jobStore store.JobStore
	switch cfg.StoreType {
	case "sqlite":
		jobStore, err = sqlite.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite job store: %v", err)
		}
	case "postgres":
		jobStore, err = postgres.NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL job store: %v", err)
		}
	default:
		jobStore = file.NewFileStore(cfg.StatePath)
	}
	defer jobStore.Close()

	// Initialize the result blob store
	var blobs blobstore.Store
	if cfg.BlobType == "s3" {
		blobs, err = blobstore.NewS3Store(cfg.S3Bucket, cfg.AWSRegion)
	} else {
		blobs, err = blobstore.NewFSStore(cfg.DataDir)
	}
	if err != nil {
		log.Fatalf("Failed to initialize blob store: %v", err)
	}
	defer blobs.Close()

	// Initialize the rate gate
	gateCfg := ratelimit.DefaultConfig()
	gateCfg.MinRemaining = cfg.MinRemaining
	gateCfg.CallsPerProject = cfg.CallsPerProject
	gateCfg.WaitBuffer = cfg.WaitBuffer
	gateCfg.MaxWait = cfg.MaxWait

	pool, err := ratelimit.NewPool(cfg.GitHubTokens, gateCfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize credential pool: %v", err)
	}
	gate := ratelimit.NewGate(pool, gateCfg, logger)

	var continuer orchestrator.Continuer
	switch cfg.ContinuationMode {
	case "sqs":
		continuer, err = orchestrator.NewSQSContinuer(cfg.SQSQueueURL, cfg.AWSRegion)
		if err != nil {
			log.Fatalf("Failed to initialize SQS continuer: %v", err)
		}
	case "none":
		continuer = orchestrator.NewNoopContinuer()
	default:
		continuer = orchestrator.NewLoopContinuer()
	}

	opts := collector.DefaultOptions()
	opts.SinceDays = cfg.CollectionDays
	opts.CommitBatchSize = cfg.CommitBatchSize

	orch := orchestrator.New(orchestrator.Params{
		Store:     jobStore,
		Blobs:     blobs,
		Gate:      gate,
		Continuer: continuer,
		NewSource: func(token, credentialID string) collector.Source {
			return collector.NewGitHubSource(token, credentialID, pool, logger)
		},
		Collector:       opts,
		TimeBudget:      cfg.TimeBudget,
		CallsPerProject: cfg.CallsPerProject,
		Logger:          logger,
	})

	// Initialize handler
	handler := api.NewHandler(orch)

	// Setup routes
	router := api.SetupRoutes(handler)

	// Start server
	addr := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	fmt.Printf("Starting API server on %s\n", addr)
	fmt.Printf("Job store type: %s\n", cfg.StoreType)

	srv := &http.Server{Addr: addr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
	}

	fmt.Println("Shutting down...")
	// Break any in-flight rate limit wait so collection handlers can
	// checkpoint and return before the server closes
	gate.Interrupt()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Forced shutdown: %v\n", err)
	}
}
