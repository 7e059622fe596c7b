// Package memory implements the retry ledger in process memory. It backs
// tests and sessions that run without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haivu-dev/beacon/internal/core/domain"
	"github.com/haivu-dev/beacon/internal/infra/storage"
)

// RetryRepo implements storage.RetryRepository in memory. Records are
// cloned on the way in and out so callers never share ledger state.
type RetryRepo struct {
	mu     sync.RWMutex
	recs   map[string]*domain.RetryRecord
	nextID int64
}

// NewRetryRepo creates an empty in-memory retry repository.
func NewRetryRepo() *RetryRepo {
	return &RetryRepo{recs: make(map[string]*domain.RetryRecord)}
}

// Enqueue inserts a fresh record on its first attempt.
func (r *RetryRepo) Enqueue(ctx context.Context, rec *domain.RetryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.recs[rec.UUID]; ok {
		return fmt.Errorf("failed to enqueue retry: uuid %s already exists", rec.UUID)
	}

	r.nextID++
	rec.ID = r.nextID
	rec.RetryNum = 0
	rec.Delete = false
	r.recs[rec.UUID] = clone(rec)
	return nil
}

// Reschedule moves a record's next attempt forward and bumps its retry count.
func (r *RetryRepo) Reschedule(ctx context.Context, uuid string, nextRun time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.recs[uuid]
	if !ok || rec.Delete {
		return storage.ErrNotFound
	}
	rec.NextRun = &nextRun
	rec.RetryNum++
	return nil
}

// MarkForDeletion flags a record as finished with.
func (r *RetryRepo) MarkForDeletion(ctx context.Context, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.recs[uuid]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Delete = true
	return nil
}

// DueRecords lists unflagged records whose next run has arrived, soonest first.
func (r *RetryRepo) DueRecords(ctx context.Context, now time.Time) ([]*domain.RetryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	due := r.dueLocked(now)
	out := make([]*domain.RetryRecord, 0, len(due))
	for _, rec := range due {
		out = append(out, clone(rec))
	}
	return out, nil
}

// ClaimDue atomically claims up to limit due records by pushing their next
// run one lease ahead.
func (r *RetryRepo) ClaimDue(
	ctx context.Context,
	now time.Time,
	lease time.Duration,
	limit int,
) ([]*domain.RetryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := r.dueLocked(now)
	if limit < len(due) {
		due = due[:limit]
	}

	leased := now.Add(lease)
	out := make([]*domain.RetryRecord, 0, len(due))
	for _, rec := range due {
		next := leased
		rec.NextRun = &next
		out = append(out, clone(rec))
	}
	return out, nil
}

// Get retrieves a record by uuid.
func (r *RetryRepo) Get(ctx context.Context, uuid string) (*domain.RetryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.recs[uuid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(rec), nil
}

// Purge removes records flagged for deletion.
func (r *RetryRepo) Purge(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged int64
	for uuid, rec := range r.recs {
		if rec.Delete {
			delete(r.recs, uuid)
			purged++
		}
	}
	return purged, nil
}

// CountPending returns the count of records not yet flagged for deletion.
func (r *RetryRepo) CountPending(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, rec := range r.recs {
		if !rec.Delete {
			count++
		}
	}
	return count, nil
}

// dueLocked returns stored records due at now, soonest first. Callers hold
// the lock.
func (r *RetryRepo) dueLocked(now time.Time) []*domain.RetryRecord {
	var due []*domain.RetryRecord
	for _, rec := range r.recs {
		if rec.Delete || rec.NextRun == nil || rec.NextRun.After(now) {
			continue
		}
		due = append(due, rec)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRun.Before(*due[j].NextRun)
	})
	return due
}

func clone(rec *domain.RetryRecord) *domain.RetryRecord {
	out := *rec
	if rec.NextRun != nil {
		next := *rec.NextRun
		out.NextRun = &next
	}
	if rec.DestinationConfig != nil {
		out.DestinationConfig = append([]byte(nil), rec.DestinationConfig...)
	}
	if rec.Data != nil {
		out.Data = append([]byte(nil), rec.Data...)
	}
	return &out
}
