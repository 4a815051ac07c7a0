package models

import "encoding/json"

// JobSnapshot is the last confirmed server state for a job, kept so the UI
// can render a job while offline. It is a read cache only; the drain loop
// never consults it when dispatching.
type JobSnapshot struct {
	JobID     string          `db:"job_id" json:"job_id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"` // epoch millis
}

// TableName returns the table name for JobSnapshot.
func (JobSnapshot) TableName() string {
	return "jobs"
}
