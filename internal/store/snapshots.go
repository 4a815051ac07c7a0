package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plumbworks/fieldsync/internal/models"
)

// WriteJobSnapshot creates or overwrites the cached server state for a job.
// Called by the drain loop after a successful dispatch with a non-null
// result, and by the explicit cache-job signal.
func (s *Store) WriteJobSnapshot(ctx context.Context, jobID string, payload json.RawMessage) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, jobID, string(payload), now)
	if err != nil {
		return fmt.Errorf("write job snapshot: %w", err)
	}
	return nil
}

// ReadJobSnapshot returns the cached state for a job, or sql.ErrNoRows.
func (s *Store) ReadJobSnapshot(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	var snap models.JobSnapshot
	var payload string

	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, payload, updated_at FROM jobs WHERE job_id = ?
	`, jobID).Scan(&snap.JobID, &payload, &snap.UpdatedAt)
	if err != nil {
		return nil, err
	}

	snap.Payload = []byte(payload)
	return &snap, nil
}

// RemoveJobSnapshot deletes the cached state for a job. No-op if absent.
func (s *Store) RemoveJobSnapshot(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("remove job snapshot: %w", err)
	}
	return nil
}
