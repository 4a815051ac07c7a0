package models

// Media is the reserved record shape for offline-captured attachments
// (photos, signatures). The store creates the table; no read/write paths
// exist yet in this core.
type Media struct {
	ID        string `db:"id" json:"id"`
	JobID     string `db:"job_id" json:"job_id,omitempty"`
	MimeType  string `db:"mime_type" json:"mime_type,omitempty"`
	Data      []byte `db:"data" json:"-"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Media.
func (Media) TableName() string {
	return "media"
}
