// Package models provides data model definitions for the fieldsync engine.
package models

import "encoding/json"

// Operation represents one durable offline-originated mutation intent
// awaiting delivery to the remote endpoint.
//
// An operation is either present (pending or backing off) or absent
// (delivered and removed). There is no terminal failed state; failed
// dispatches are retried forever with backoff.
type Operation struct {
	ID        string          `db:"id" json:"id"`
	Kind      string          `db:"kind" json:"kind"`
	JobID     string          `db:"job_id" json:"job_id,omitempty"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt int64           `db:"created_at" json:"created_at"` // epoch millis, set once at enqueue
	Attempt   int             `db:"attempt" json:"attempt"`
	// NextAttemptAt is an epoch-millisecond timestamp; zero means the
	// operation is ready immediately (stored as NULL).
	NextAttemptAt int64 `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "operations"
}

// Ready reports whether the operation may be dispatched at the given
// epoch-millisecond instant.
func (o *Operation) Ready(nowMillis int64) bool {
	return o.NextAttemptAt == 0 || o.NextAttemptAt <= nowMillis
}
