// Package activation orchestrates delivery runs: it pages events out of a
// row source, hands each page to the destination, folds the outcomes into
// one result, and ledgers whatever still deserves a retry.
package activation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haivu-dev/beacon/internal/core/domain"
	"github.com/haivu-dev/beacon/internal/destination"
	"github.com/haivu-dev/beacon/internal/ingest"
	redisclient "github.com/haivu-dev/beacon/internal/infra/redis"
	"github.com/haivu-dev/beacon/internal/infra/storage"
	"github.com/haivu-dev/beacon/internal/metrics"
	"github.com/haivu-dev/beacon/internal/retry"
	"github.com/haivu-dev/beacon/internal/telemetry"
)

// defaultBatchSize pages the source when an activation leaves it unset.
const defaultBatchSize = 1000

// Activation binds one row source to one destination.
type Activation struct {
	Name        string
	Source      ingest.RowSource
	Destination destination.Destination
	OrderKey    string
	BatchSize   int
}

// RunOptions tune one run.
type RunOptions struct {
	// DryRun validates without posting to live endpoints and ledgers
	// nothing.
	DryRun bool
}

// Runner executes activations.
type Runner struct {
	repo      storage.RetryRepository // nil disables retry ledgering
	strategy  retry.Strategy
	collector *telemetry.Collector // nil when usage collection is off
	runlog    *redisclient.RunLog  // nil without redis
	log       *slog.Logger
}

// NewRunner creates a runner. repo, collector, and runlog may each be nil.
func NewRunner(
	repo storage.RetryRepository,
	strategy retry.Strategy,
	collector *telemetry.Collector,
	runlog *redisclient.RunLog,
) *Runner {
	if strategy == nil {
		strategy = retry.DefaultBackoff()
	}
	return &Runner{
		repo:      repo,
		strategy:  strategy,
		collector: collector,
		runlog:    runlog,
		log:       slog.Default().With("component", "activation"),
	}
}

// Run pages the activation's source through its destination and returns the
// folded result. The result accumulated so far is returned even on error.
func (r *Runner) Run(ctx context.Context, act Activation, opts RunOptions) (domain.RunResult, error) {
	started := time.Now()
	result := domain.RunResult{DryRun: opts.DryRun}

	limit := act.BatchSize
	if limit <= 0 {
		limit = defaultBatchSize
	}
	fields := act.Destination.Fields()

	r.log.Info("Starting run",
		"activation", act.Name, "destination", act.Destination.Type(),
		"batch_size", limit, "dry_run", opts.DryRun)

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return r.finish(act, started, result, "failed"), err
		}

		rows, err := act.Source.Fetch(ctx, fields, offset, limit, act.OrderKey)
		if err != nil {
			return r.finish(act, started, result, "failed"),
				fmt.Errorf("failed to fetch rows at offset %d: %w", offset, err)
		}
		if len(rows) == 0 {
			break
		}
		offset += len(rows)

		events, err := ingest.MapRows(fields, rows)
		if err != nil {
			// A malformed row means the source contract is broken; every
			// later page would fail the same way.
			return r.finish(act, started, result, "failed"),
				fmt.Errorf("failed to map rows: %w", err)
		}
		if len(events) == 0 {
			continue
		}

		page, err := r.sendPage(ctx, act, events, opts)
		result = result.Combine(page)
		if err != nil {
			return r.finish(act, started, result, "failed"), err
		}
	}

	status := "success"
	if result.FailedHits > 0 {
		status = "partial_failure"
	}
	return r.finish(act, started, result, status), nil
}

// sendPage delivers one page of events and ledgers its retriable failures.
// A batch-fatal response fails the whole page in the result but does not
// stop the run.
func (r *Runner) sendPage(
	ctx context.Context,
	act Activation,
	events []domain.Event,
	opts RunOptions,
) (domain.RunResult, error) {
	destType := act.Destination.Type()

	sendStart := time.Now()
	outcomes, err := act.Destination.SendEvents(ctx, events, destination.SendOptions{DryRun: opts.DryRun})
	metrics.SendLatency.WithLabelValues(destType).Observe(time.Since(sendStart).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return domain.RunResult{}, ctx.Err()
		}
		r.log.Error("Batch failed without per-event outcomes",
			"activation", act.Name, "events", len(events), "error", err)
		return domain.RunResult{
			FailedHits:    len(events),
			ErrorMessages: []string{err.Error()},
		}, nil
	}

	var page domain.RunResult
	var retriable []domain.Event
	for _, o := range outcomes {
		if o.OK() {
			page.SuccessfulHits++
			continue
		}
		page.FailedHits++
		page.ErrorMessages = append(page.ErrorMessages, o.Err.Error())
		if o.Err.Retriable() {
			retriable = append(retriable, o.Event)
		}
	}

	metrics.EventsValidated.WithLabelValues(destType, "valid").Add(float64(page.SuccessfulHits))
	metrics.EventsValidated.WithLabelValues(destType, "invalid").Add(float64(page.FailedHits))
	metrics.EventsSent.WithLabelValues(destType, "delivered").Add(float64(page.SuccessfulHits))
	metrics.EventsSent.WithLabelValues(destType, "failed").Add(float64(page.FailedHits - len(retriable)))

	if len(retriable) > 0 && !opts.DryRun {
		if err := r.enqueueRetry(ctx, act, retriable); err != nil {
			r.log.Error("Failed to ledger retriable events",
				"activation", act.Name, "events", len(retriable), "error", err)
			page.ErrorMessages = append(page.ErrorMessages,
				fmt.Sprintf("failed to ledger %d retriable events: %v", len(retriable), err))
		}
	}

	return page, nil
}

// enqueueRetry snapshots the still-owed events of one page into a fresh
// ledger record.
func (r *Runner) enqueueRetry(ctx context.Context, act Activation, events []domain.Event) error {
	if r.repo == nil {
		return fmt.Errorf("no retry ledger configured")
	}

	data, err := domain.EncodeRetryPayload(act.Destination.Fields(), events)
	if err != nil {
		return err
	}

	rec := domain.NewRetryRecord(
		act.Name,
		act.Destination.Type(),
		act.Destination.Config(),
		data,
		r.strategy.NextRun(time.Now(), 0),
	)
	if err := r.repo.Enqueue(ctx, rec); err != nil {
		return err
	}

	metrics.RetriesEnqueued.WithLabelValues(act.Destination.Type()).Inc()
	r.log.Info("Ledgered retriable events",
		"activation", act.Name, "uuid", rec.UUID, "events", len(events), "next_run", rec.NextRun)
	return nil
}

// finish records metrics, telemetry, and the run log entry, then returns
// the result unchanged.
func (r *Runner) finish(
	act Activation,
	started time.Time,
	result domain.RunResult,
	status string,
) domain.RunResult {
	metrics.RunsTotal.WithLabelValues(act.Name, status).Inc()

	r.log.Info("Run finished",
		"activation", act.Name, "status", status,
		"successful_hits", result.SuccessfulHits, "failed_hits", result.FailedHits,
		"duration", time.Since(started))

	r.collector.RecordRun(act.Name, result)

	if r.runlog != nil {
		entry := &redisclient.RunEntry{
			Activation: act.Name,
			StartedAt:  started,
			FinishedAt: time.Now(),
			Result:     result,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.runlog.Append(ctx, entry); err != nil {
			r.log.Warn("Failed to record run history", "error", err)
		}
	}

	return result
}
