package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fulcra-lab/tradesweep/internal/admin"
	"github.com/fulcra-lab/tradesweep/internal/compaction"
	"github.com/fulcra-lab/tradesweep/internal/config"
	"github.com/fulcra-lab/tradesweep/internal/core/storage/postgres"
	"github.com/fulcra-lab/tradesweep/internal/migrations"
)

func main() {
	configPath := flag.String("config", "tradesweep.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	durations, err := parseDurations(cfg)
	if err != nil {
		slog.Error("Invalid duration in config", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Storage (PostgreSQL)
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		// A failed connection at startup is fatal; nothing can run
		// without the store.
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbAdapter.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// 3. Load Partition Roster
	registry, err := compaction.NewPartitionRegistry(cfg.Compaction.PartitionsDir)
	if err != nil {
		slog.Error("Failed to load partition definitions", "error", err)
		os.Exit(1)
	}
	enabled := registry.Enabled()
	slog.Info("Partition roster loaded",
		"configured", len(registry.All()),
		"enabled", len(enabled),
		"dir", cfg.Compaction.PartitionsDir,
	)

	// 4. Initialize Scheduler
	scheduler := compaction.NewScheduler(
		compaction.Stores{
			Reader:    dbAdapter,
			Marks:     dbAdapter,
			Committer: dbAdapter,
			Leases:    dbAdapter,
		},
		enabled,
		compaction.SchedulerOptions{
			Interval:       durations.sweepInterval,
			WorkerCount:    cfg.Compaction.WorkerCount,
			LeaseTTL:       durations.leaseTTL,
			BackoffInitial: durations.backoffInitial,
			BackoffMax:     durations.backoffMax,
			MaxAttempts:    cfg.Compaction.MaxAttempts,
			Cycle: compaction.CycleOptions{
				MaxRows:       cfg.Compaction.MaxBatchRows,
				FetchTimeout:  durations.fetchTimeout,
				CommitTimeout: durations.commitTimeout,
			},
		},
	)

	// 5. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	if cfg.Compaction.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := scheduler.Start(ctx); err != nil {
				slog.Error("Scheduler stopped with error", "error", err)
			}
		}()
	} else {
		slog.Info("Compaction scheduler disabled by config")
	}

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	if cfg.Admin.Enabled {
		srv := admin.New(fmtAddr(cfg.Admin.Host, cfg.Admin.Port), dbAdapter, scheduler, cfg.Admin.Mode)
		if err := srv.Run(ctx); err != nil {
			slog.Error("Admin server stopped with error", "error", err)
		}
	} else {
		<-ctx.Done()
	}

	wg.Wait()
	slog.Info("Shutdown complete")
}

type configDurations struct {
	sweepInterval  time.Duration
	fetchTimeout   time.Duration
	commitTimeout  time.Duration
	leaseTTL       time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
}

func parseDurations(cfg *config.Config) (configDurations, error) {
	var d configDurations
	for _, item := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"compaction.sweep_interval", cfg.Compaction.SweepInterval, &d.sweepInterval},
		{"compaction.fetch_timeout", cfg.Compaction.FetchTimeout, &d.fetchTimeout},
		{"compaction.commit_timeout", cfg.Compaction.CommitTimeout, &d.commitTimeout},
		{"compaction.lease_ttl", cfg.Compaction.LeaseTTL, &d.leaseTTL},
		{"compaction.backoff_initial", cfg.Compaction.BackoffInitial, &d.backoffInitial},
		{"compaction.backoff_max", cfg.Compaction.BackoffMax, &d.backoffMax},
	} {
		parsed, err := time.ParseDuration(item.value)
		if err != nil {
			return d, fmt.Errorf("%s: %w", item.name, err)
		}
		*item.dst = parsed
	}
	return d, nil
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
