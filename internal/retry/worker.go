package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haivu-dev/beacon/internal/core/domain"
	"github.com/haivu-dev/beacon/internal/destination"
	"github.com/haivu-dev/beacon/internal/ingest"
	redisclient "github.com/haivu-dev/beacon/internal/infra/redis"
	"github.com/haivu-dev/beacon/internal/infra/storage"
	"github.com/haivu-dev/beacon/internal/metrics"
)

// sweepLock names the cross-replica sweep lock.
const sweepLock = "retry:sweep"

// WorkerConfig holds configuration for the retry worker.
type WorkerConfig struct {
	SweepInterval time.Duration // Time between ledger sweeps (default: 30s)
	Lease         time.Duration // Claim lease; abandoned claims fall due again after this (default: 5m)
	BatchLimit    int           // Max records per sweep (default: 50)
	LockTTL       time.Duration // Sweep lock TTL when coordinating via Redis (default: 60s)
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		SweepInterval: 30 * time.Second,
		Lease:         5 * time.Minute,
		BatchLimit:    50,
		LockTTL:       60 * time.Second,
	}
}

// Worker sweeps the retry ledger and resubmits due batches to their
// destinations.
type Worker struct {
	cfg      WorkerConfig
	repo     storage.RetryRepository
	registry *destination.Registry
	strategy Strategy
	locks    *redisclient.Client // nil when running single-replica
	log      *slog.Logger
}

// NewWorker creates a new retry worker. locks may be nil, in which case
// sweeps run unconditionally.
func NewWorker(
	cfg WorkerConfig,
	repo storage.RetryRepository,
	registry *destination.Registry,
	strategy Strategy,
	locks *redisclient.Client,
) *Worker {
	def := DefaultWorkerConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if strategy == nil {
		strategy = DefaultBackoff()
	}
	return &Worker{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		strategy: strategy,
		locks:    locks,
		log:      slog.Default().With("component", "retry"),
	}
}

// Run starts the sweep loop.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Starting retry worker", "interval", w.cfg.SweepInterval)

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	// Initial sweep
	w.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Retry worker stopped")
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep claims due records, resubmits each one, and purges resolved rows.
func (w *Worker) Sweep(ctx context.Context) {
	if w.locks != nil {
		ok, err := w.locks.AcquireLock(ctx, sweepLock, w.cfg.LockTTL)
		if err != nil {
			w.log.Warn("Failed to acquire sweep lock", "error", err)
			return
		}
		if !ok {
			w.log.Debug("Sweep already running on another replica")
			return
		}
		defer func() {
			if err := w.locks.ReleaseLock(ctx, sweepLock); err != nil {
				w.log.Warn("Failed to release sweep lock", "error", err)
			}
		}()
	}

	now := time.Now()
	recs, err := w.repo.ClaimDue(ctx, now, w.cfg.Lease, w.cfg.BatchLimit)
	if err != nil {
		w.log.Error("Failed to claim due retries", "error", err)
		return
	}

	for _, rec := range recs {
		select {
		case <-ctx.Done():
			// Claimed but unprocessed records fall due again after the lease.
			return
		default:
		}

		if err := w.resend(ctx, rec, now); err != nil {
			w.log.Error("Failed to resend retry", "uuid", rec.UUID, "error", err)
		}
	}

	if purged, err := w.repo.Purge(ctx); err != nil {
		w.log.Warn("Failed to purge resolved retries", "error", err)
	} else if purged > 0 {
		w.log.Debug("Purged resolved retries", "count", purged)
	}

	if pending, err := w.repo.CountPending(ctx); err == nil {
		metrics.RetryBacklog.Set(float64(pending))
	}
}

// resend replays one claimed record against its destination and settles
// the record according to what came back.
func (w *Worker) resend(ctx context.Context, rec *domain.RetryRecord, now time.Time) error {
	if w.strategy.Exhausted(rec.RetryNum) {
		w.log.Warn("Retry attempts exhausted, dropping record",
			"uuid", rec.UUID, "connection", rec.ConnectionID, "attempts", rec.RetryNum)
		metrics.RetriesResolved.WithLabelValues(rec.DestinationType, "exhausted").Inc()
		return w.repo.MarkForDeletion(ctx, rec.UUID)
	}

	dest, err := w.registry.Build(rec.DestinationType, rec.DestinationConfig)
	if err != nil {
		w.log.Error("Dropping retry with unusable destination snapshot",
			"uuid", rec.UUID, "error", err)
		metrics.RetriesResolved.WithLabelValues(rec.DestinationType, "invalid").Inc()
		return w.repo.MarkForDeletion(ctx, rec.UUID)
	}

	payload, err := domain.DecodeRetryPayload(rec.Data)
	if err != nil {
		w.log.Error("Dropping retry with undecodable payload", "uuid", rec.UUID, "error", err)
		metrics.RetriesResolved.WithLabelValues(rec.DestinationType, "invalid").Inc()
		return w.repo.MarkForDeletion(ctx, rec.UUID)
	}

	events, err := ingest.MapRows(payload.Fields, payload.Rows)
	if err != nil {
		w.log.Error("Dropping retry with malformed rows", "uuid", rec.UUID, "error", err)
		metrics.RetriesResolved.WithLabelValues(rec.DestinationType, "invalid").Inc()
		return w.repo.MarkForDeletion(ctx, rec.UUID)
	}
	if len(events) == 0 {
		metrics.RetriesResolved.WithLabelValues(rec.DestinationType, "delivered").Inc()
		return w.repo.MarkForDeletion(ctx, rec.UUID)
	}

	outcomes, err := dest.SendEvents(ctx, events, destination.SendOptions{})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Leave the record leased; it falls due again later.
			return err
		}
		var evErr *domain.EventError
		if errors.As(err, &evErr) && evErr.Kind.Fatal() {
			w.log.Error("Dropping retry after undecodable batch response",
				"uuid", rec.UUID, "error", err)
			metrics.RetriesResolved.WithLabelValues(rec.DestinationType, "invalid").Inc()
			return w.repo.MarkForDeletion(ctx, rec.UUID)
		}
		next := w.strategy.NextRun(now, rec.RetryNum+1)
		w.log.Warn("Retry attempt failed, rescheduling",
			"uuid", rec.UUID, "attempt", rec.RetryNum+1, "next_run", next, "error", err)
		return w.repo.Reschedule(ctx, rec.UUID, next)
	}

	var delivered, rejected int
	var rejectMsgs []string
	remainder := make([]domain.Event, 0, len(outcomes))
	for _, o := range outcomes {
		switch {
		case o.OK():
			delivered++
		case o.Err.Retriable():
			remainder = append(remainder, o.Event)
		default:
			rejected++
			rejectMsgs = append(rejectMsgs, o.Err.Error())
		}
	}
	metrics.EventsSent.WithLabelValues(rec.DestinationType, "delivered").Add(float64(delivered))
	metrics.EventsSent.WithLabelValues(rec.DestinationType, "failed").Add(float64(rejected))

	switch {
	case len(remainder) == 0 && rejected == 0:
		w.log.Info("Retry delivered",
			"uuid", rec.UUID, "events", delivered, "attempt", rec.RetryNum)
		metrics.RetriesResolved.WithLabelValues(rec.DestinationType, "delivered").Inc()
		return w.repo.MarkForDeletion(ctx, rec.UUID)

	case len(remainder) == 0:
		// Nothing retriable left; the rest were definitively refused.
		w.log.Warn("Retry finished with rejected events",
			"uuid", rec.UUID, "delivered", delivered, "rejected", rejected,
			"errors", strings.Join(rejectMsgs, "; "))
		metrics.RetriesResolved.WithLabelValues(rec.DestinationType, "rejected").Inc()
		return w.repo.MarkForDeletion(ctx, rec.UUID)

	case len(remainder) == len(outcomes):
		// Whole batch still owed; try again later.
		next := w.strategy.NextRun(now, rec.RetryNum+1)
		w.log.Warn("Retry attempt failed, rescheduling",
			"uuid", rec.UUID, "attempt", rec.RetryNum+1, "next_run", next)
		return w.repo.Reschedule(ctx, rec.UUID, next)

	default:
		return w.supersede(ctx, rec, remainder, now, delivered, rejected)
	}
}

// supersede ledgers a fresh record holding only the still-owed events and
// flags the original. The successor is written first, trading a possible
// duplicate send for never losing events.
func (w *Worker) supersede(
	ctx context.Context,
	rec *domain.RetryRecord,
	remainder []domain.Event,
	now time.Time,
	delivered, rejected int,
) error {
	data, err := domain.EncodeRetryPayload(remainder[0].Fields(), remainder)
	if err != nil {
		return fmt.Errorf("failed to snapshot remainder: %w", err)
	}

	succ := domain.NewRetryRecord(
		rec.ConnectionID,
		rec.DestinationType,
		rec.DestinationConfig,
		data,
		w.strategy.NextRun(now, rec.RetryNum+1),
	)
	succ.DestinationFolder = rec.DestinationFolder
	if err := w.repo.Enqueue(ctx, succ); err != nil {
		return fmt.Errorf("failed to enqueue remainder: %w", err)
	}
	metrics.RetriesEnqueued.WithLabelValues(rec.DestinationType).Inc()

	w.log.Info("Retry partially delivered, remainder re-ledgered",
		"uuid", rec.UUID, "successor", succ.UUID,
		"delivered", delivered, "rejected", rejected, "remaining", len(remainder))
	metrics.RetriesResolved.WithLabelValues(rec.DestinationType, "superseded").Inc()
	return w.repo.MarkForDeletion(ctx, rec.UUID)
}
