// Package control wires the delivery service together and manages its
// lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/pressly/goose/v3"

	"github.com/haivu-dev/beacon/internal/activation"
	"github.com/haivu-dev/beacon/internal/core/config"
	"github.com/haivu-dev/beacon/internal/core/domain"
	"github.com/haivu-dev/beacon/internal/destination"
	"github.com/haivu-dev/beacon/internal/destination/ads"
	"github.com/haivu-dev/beacon/internal/destination/ga4"
	"github.com/haivu-dev/beacon/internal/health"
	"github.com/haivu-dev/beacon/internal/ingest"
	redisclient "github.com/haivu-dev/beacon/internal/infra/redis"
	"github.com/haivu-dev/beacon/internal/infra/storage"
	"github.com/haivu-dev/beacon/internal/infra/storage/memory"
	"github.com/haivu-dev/beacon/internal/infra/storage/postgres"
	"github.com/haivu-dev/beacon/internal/retry"
	"github.com/haivu-dev/beacon/internal/telemetry"
)

// Service is the main application struct that manages the delivery lifecycle.
type Service struct {
	cfg          *config.AppConfig
	db           *postgres.DB
	redisClient  *redisclient.Client
	repo         storage.RetryRepository
	registry     *destination.Registry
	destinations map[string]destination.Destination
	sources      map[string]ingest.RowSource
	activations  map[string]activation.Activation
	runner       *activation.Runner
	retryWorker  *retry.Worker
	healthServer *health.Server
	collector    *telemetry.Collector
	runlog       *redisclient.RunLog
	log          *slog.Logger
}

// NewService creates a new Service instance with all dependencies initialized.
func NewService(cfg *config.AppConfig) (*Service, error) {

	// 1. Initialize Storage
	var repo storage.RetryRepository
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		// Run migrations
		// Note: Goose needs direct *sql.DB which sqlx.DB wraps
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		repo = postgres.NewRetryRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		repo = memory.NewRetryRepo()
		slog.Info("Using Memory storage; retry records will not survive a restart")
	}

	// 2. Initialize Redis (optional; enables cross-replica locks and run history)
	var redisClient *redisclient.Client
	var runlog *redisclient.RunLog
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, coordination disabled", "error", err)
			redisClient = nil
		} else {
			runlog = redisclient.NewRunLog(redisClient)
		}
	}

	// 3. Destination registry and configured destinations
	registry := destination.NewRegistry()
	registry.Register(ga4.Type, ga4.New)
	registry.Register(ads.Type, ads.New)

	destinations := make(map[string]destination.Destination, len(cfg.Destinations))
	for _, dc := range cfg.Destinations {
		settings, err := dc.SettingsJSON()
		if err != nil {
			return nil, err
		}
		dest, err := registry.Build(dc.Type, settings)
		if err != nil {
			return nil, fmt.Errorf("failed to build destination %q: %w", dc.Name, err)
		}
		destinations[dc.Name] = dest
	}

	// 4. Sources
	sources := make(map[string]ingest.RowSource, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		if db == nil {
			return nil, fmt.Errorf("source %q requires a configured database", sc.Name)
		}
		src, err := ingest.NewSQLSource(db.DB, sc.Table)
		if err != nil {
			return nil, fmt.Errorf("failed to init source %q: %w", sc.Name, err)
		}
		sources[sc.Name] = src
	}

	// 5. Activations
	activations := make(map[string]activation.Activation, len(cfg.Activations))
	for _, ac := range cfg.Activations {
		src, ok := sources[ac.Source]
		if !ok {
			return nil, fmt.Errorf("activation %q references unknown source %q", ac.Name, ac.Source)
		}
		dest, ok := destinations[ac.Destination]
		if !ok {
			return nil, fmt.Errorf("activation %q references unknown destination %q", ac.Name, ac.Destination)
		}
		activations[ac.Name] = activation.Activation{
			Name:        ac.Name,
			Source:      src,
			Destination: dest,
			OrderKey:    ac.OrderKey,
			BatchSize:   ac.BatchSize,
		}
	}

	// 6. Retry strategy and worker
	strategy := &retry.ExponentialBackoff{
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		MaxAttempts:  cfg.Retry.MaxAttempts,
	}
	retryWorker := retry.NewWorker(retry.WorkerConfig{
		SweepInterval: cfg.Retry.SweepInterval,
		Lease:         cfg.Retry.Lease,
		BatchLimit:    cfg.Retry.BatchLimit,
	}, repo, registry, strategy, redisClient)

	// 7. Usage telemetry and run orchestration
	collector, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		slog.Warn("Failed to init usage telemetry", "error", err)
	}
	runner := activation.NewRunner(repo, strategy, collector, runlog)

	// 8. Health monitor and server
	var dbHealth health.DatabaseHealth
	if db != nil {
		dbHealth = db
	}
	var cacheHealth health.CacheHealth
	if redisClient != nil {
		cacheHealth = redisClient
	}
	healthServer := health.NewServer(health.NewMonitor(dbHealth, cacheHealth, repo), cfg.Server.Port)

	return &Service{
		cfg:          cfg,
		db:           db,
		redisClient:  redisClient,
		repo:         repo,
		registry:     registry,
		destinations: destinations,
		sources:      sources,
		activations:  activations,
		runner:       runner,
		retryWorker:  retryWorker,
		healthServer: healthServer,
		collector:    collector,
		runlog:       runlog,
		log:          slog.Default(),
	}, nil
}

// Start starts the service and all its components.
func (s *Service) Start(ctx context.Context) error {
	// Start Health Server
	go func() {
		if err := s.healthServer.Start(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Health server failed", "error", err)
		}
	}()

	// Start DB Metrics Collector
	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}

	// Start Retry Worker
	go func() {
		if err := s.retryWorker.Run(ctx); err != nil {
			s.log.Error("Retry worker failed", "error", err)
		}
	}()

	return nil
}

// Stop stops the service.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping Beacon...")

	// Close Redis
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.Warn("Failed to close Redis", "error", err)
		}
	}

	// Close Database
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn("Failed to close database", "error", err)
		}
	}

	// Stop Health Server
	return s.healthServer.Stop(ctx)
}

// RunActivation executes one configured activation and returns its result.
func (s *Service) RunActivation(ctx context.Context, name string, dryRun bool) (domain.RunResult, error) {
	act, ok := s.activations[name]
	if !ok {
		return domain.RunResult{}, fmt.Errorf("unknown activation %q", name)
	}
	return s.runner.Run(ctx, act, activation.RunOptions{DryRun: dryRun})
}

// ActivationNames lists the configured activations in name order.
func (s *Service) ActivationNames() []string {
	names := make([]string, 0, len(s.activations))
	for name := range s.activations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ledger exposes the retry ledger for operator commands.
func (s *Service) Ledger() storage.RetryRepository { return s.repo }

// RunHistory exposes the recent-run log, nil when Redis is not configured.
func (s *Service) RunHistory() *redisclient.RunLog { return s.runlog }
