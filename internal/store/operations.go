package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/plumbworks/fieldsync/internal/models"
)

// AddOperation upserts an operation by id. Re-enqueuing with the same id
// replaces the stored record rather than duplicating it, so producers can
// safely retry their own enqueue calls.
func (s *Store) AddOperation(ctx context.Context, op *models.Operation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (id, kind, job_id, payload, created_at, attempt, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			job_id = excluded.job_id,
			payload = excluded.payload,
			created_at = excluded.created_at,
			attempt = excluded.attempt,
			next_attempt_at = excluded.next_attempt_at
	`,
		op.ID,
		op.Kind,
		nullString(op.JobID),
		string(op.Payload),
		op.CreatedAt,
		op.Attempt,
		nullInt64(op.NextAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("add operation: %w", err)
	}
	return nil
}

// ListOperations returns all pending operations ordered by created_at
// ascending.
func (s *Store) ListOperations(ctx context.Context) ([]*models.Operation, error) {
	return s.queryOperations(ctx, `
		SELECT id, kind, job_id, payload, created_at, attempt, next_attempt_at
		FROM operations
		ORDER BY created_at ASC
	`)
}

// ListReadyOperations returns the operations whose next_attempt_at is unset
// or has elapsed at the given epoch-millisecond instant, ordered by
// created_at ascending. This is the drain loop's working set.
func (s *Store) ListReadyOperations(ctx context.Context, nowMillis int64) ([]*models.Operation, error) {
	return s.queryOperations(ctx, `
		SELECT id, kind, job_id, payload, created_at, attempt, next_attempt_at
		FROM operations
		WHERE next_attempt_at IS NULL OR next_attempt_at <= ?
		ORDER BY created_at ASC
	`, nowMillis)
}

// OperationsForJob returns the pending operations associated with a job,
// ordered by created_at ascending.
func (s *Store) OperationsForJob(ctx context.Context, jobID string) ([]*models.Operation, error) {
	return s.queryOperations(ctx, `
		SELECT id, kind, job_id, payload, created_at, attempt, next_attempt_at
		FROM operations
		WHERE job_id = ?
		ORDER BY created_at ASC
	`, jobID)
}

// RemoveOperation deletes an operation by id. No-op if absent.
func (s *Store) RemoveOperation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove operation: %w", err)
	}
	return nil
}

// UpdateOperationMeta persists a new attempt count and next attempt time
// for an operation. No-op if the record no longer exists (it may have been
// delivered by a pass that raced with the caller).
func (s *Store) UpdateOperationMeta(ctx context.Context, id string, attempt int, nextAttemptAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operations SET attempt = ?, next_attempt_at = ? WHERE id = ?
	`, attempt, nullInt64(nextAttemptAt), id)
	if err != nil {
		return fmt.Errorf("update operation meta: %w", err)
	}
	return nil
}

// CountOperations returns the current pending count.
func (s *Store) CountOperations(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return count, nil
}

// NextAttemptAt returns the earliest next_attempt_at among pending
// operations, with NULL treated as zero (ready now). ok is false when the
// queue is empty.
func (s *Store) NextAttemptAt(ctx context.Context) (int64, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(COALESCE(next_attempt_at, 0)) FROM operations
	`).Scan(&next)
	if err != nil {
		return 0, false, fmt.Errorf("next attempt at: %w", err)
	}
	if !next.Valid {
		return 0, false, nil
	}
	return next.Int64, true, nil
}

// GetOperation retrieves a single operation by id, or sql.ErrNoRows.
func (s *Store) GetOperation(ctx context.Context, id string) (*models.Operation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, job_id, payload, created_at, attempt, next_attempt_at
		FROM operations WHERE id = ?
	`, id)
	return scanOperation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*models.Operation, error) {
	var op models.Operation
	var jobID sql.NullString
	var payload string
	var nextAttemptAt sql.NullInt64

	err := row.Scan(&op.ID, &op.Kind, &jobID, &payload, &op.CreatedAt, &op.Attempt, &nextAttemptAt)
	if err != nil {
		return nil, err
	}

	if jobID.Valid {
		op.JobID = jobID.String
	}
	op.Payload = []byte(payload)
	if nextAttemptAt.Valid {
		op.NextAttemptAt = nextAttemptAt.Int64
	}
	return &op, nil
}

func (s *Store) queryOperations(ctx context.Context, query string, args ...any) ([]*models.Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
