package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haivu-dev/beacon/internal/core/domain"
	"github.com/haivu-dev/beacon/internal/infra/storage"
)

// retryColumns lists the retries columns in scan order. delete is quoted
// because it is a reserved word.
const retryColumns = `id, connection_id, uuid, destination_type, destination_folder, destination_config, next_run, retry_num, "delete", data`

// RetryRepo implements storage.RetryRepository using PostgreSQL.
type RetryRepo struct {
	db *DB
}

// NewRetryRepo creates a new PostgreSQL retry repository.
func NewRetryRepo(db *DB) *RetryRepo {
	return &RetryRepo{db: db}
}

// Enqueue inserts a fresh record on its first attempt.
func (r *RetryRepo) Enqueue(ctx context.Context, rec *domain.RetryRecord) error {
	query := `
		INSERT INTO retries (connection_id, uuid, destination_type, destination_folder, destination_config, next_run, retry_num, "delete", data)
		VALUES ($1, $2, $3, $4, $5, $6, 0, FALSE, $7)
		RETURNING id
	`
	err := r.db.GetContext(
		ctx,
		&rec.ID,
		query,
		rec.ConnectionID,
		rec.UUID,
		rec.DestinationType,
		rec.DestinationFolder,
		rec.DestinationConfig,
		rec.NextRun,
		rec.Data,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue retry: %w", err)
	}
	rec.RetryNum = 0
	rec.Delete = false
	return nil
}

// Reschedule moves a record's next attempt forward and bumps its retry count.
func (r *RetryRepo) Reschedule(ctx context.Context, uuid string, nextRun time.Time) error {
	query := `
		UPDATE retries
		SET next_run = $2, retry_num = retry_num + 1
		WHERE uuid = $1 AND "delete" = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, uuid, nextRun)
	if err != nil {
		return fmt.Errorf("failed to reschedule retry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reschedule retry: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkForDeletion flags a record as finished with.
func (r *RetryRepo) MarkForDeletion(ctx context.Context, uuid string) error {
	query := `
		UPDATE retries
		SET "delete" = TRUE
		WHERE uuid = $1
	`
	res, err := r.db.ExecContext(ctx, query, uuid)
	if err != nil {
		return fmt.Errorf("failed to mark retry for deletion: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark retry for deletion: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DueRecords lists unflagged records whose next run has arrived, soonest first.
func (r *RetryRepo) DueRecords(ctx context.Context, now time.Time) ([]*domain.RetryRecord, error) {
	query := `
		SELECT ` + retryColumns + `
		FROM retries
		WHERE next_run <= $1 AND "delete" = FALSE
		ORDER BY next_run ASC
	`
	var recs []*domain.RetryRecord
	if err := r.db.SelectContext(ctx, &recs, query, now); err != nil {
		return nil, fmt.Errorf("failed to list due retries: %w", err)
	}
	return recs, nil
}

// ClaimDue atomically claims up to limit due records by pushing their next
// run one lease ahead. SKIP LOCKED keeps concurrent claimers from blocking
// on or receiving each other's rows.
func (r *RetryRepo) ClaimDue(
	ctx context.Context,
	now time.Time,
	lease time.Duration,
	limit int,
) ([]*domain.RetryRecord, error) {
	query := `
		UPDATE retries
		SET next_run = $2
		WHERE uuid IN (
			SELECT uuid FROM retries
			WHERE next_run <= $1 AND "delete" = FALSE
			ORDER BY next_run ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + retryColumns + `
	`
	var recs []*domain.RetryRecord
	if err := r.db.SelectContext(ctx, &recs, query, now, now.Add(lease), limit); err != nil {
		return nil, fmt.Errorf("failed to claim due retries: %w", err)
	}
	return recs, nil
}

// Get retrieves a record by uuid.
func (r *RetryRepo) Get(ctx context.Context, uuid string) (*domain.RetryRecord, error) {
	query := `
		SELECT ` + retryColumns + `
		FROM retries
		WHERE uuid = $1
	`
	var rec domain.RetryRecord
	err := r.db.GetContext(ctx, &rec, query, uuid)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retry: %w", err)
	}
	return &rec, nil
}

// Purge removes records flagged for deletion.
func (r *RetryRepo) Purge(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM retries
		WHERE "delete" = TRUE
	`
	res, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to purge retries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge retries: %w", err)
	}
	return affected, nil
}

// CountPending returns the count of records not yet flagged for deletion.
func (r *RetryRepo) CountPending(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM retries
		WHERE "delete" = FALSE
	`
	var count int
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("failed to count pending retries: %w", err)
	}
	return count, nil
}
