// Package storage defines the persistence contracts of the retry ledger.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haivu-dev/beacon/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("record not found")
)

// RetryRepository handles the durable ledger of event batches awaiting
// resubmission to a destination
type RetryRepository interface {
	// Enqueue inserts a fresh record on its first attempt
	Enqueue(ctx context.Context, rec *domain.RetryRecord) error

	// Reschedule moves a record's next attempt forward and bumps its retry count
	Reschedule(ctx context.Context, uuid string, nextRun time.Time) error

	// MarkForDeletion flags a record as finished with: delivered,
	// exhausted, or superseded by a newer record
	MarkForDeletion(ctx context.Context, uuid string) error

	// DueRecords lists unflagged records whose next run has arrived, soonest first
	DueRecords(ctx context.Context, now time.Time) ([]*domain.RetryRecord, error)

	// ClaimDue atomically claims up to limit due records by pushing their
	// next run one lease ahead. Concurrent claimers never receive the same
	// record; a claim that is never finished falls due again once the
	// lease runs out
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.RetryRecord, error)

	// Get retrieves a record by uuid
	Get(ctx context.Context, uuid string) (*domain.RetryRecord, error)

	// Purge removes records flagged for deletion and reports how many went
	Purge(ctx context.Context) (int64, error)

	// CountPending returns the count of records not yet flagged for deletion
	CountPending(ctx context.Context) (int, error)
}
