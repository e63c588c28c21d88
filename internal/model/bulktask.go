package model

import "time"

// BulkStatus is a BulkTask's lifecycle position (spec.md §3).
type BulkStatus string

const (
	BulkPending    BulkStatus = "pending"
	BulkProcessing BulkStatus = "processing"
	BulkCompleted  BulkStatus = "completed"
	BulkFailed     BulkStatus = "failed"
)

// BulkItem is one entry of a bulk submission payload.
type BulkItem struct {
	Provider   string   `json:"provider"`
	ExternalID string   `json:"external_id"`
	Hints      Metadata `json:"hints,omitempty"`
}

// BulkOptions carries submission-wide overrides, e.g. a category
// override applied to every resolved job.
type BulkOptions struct {
	Category Category `json:"category,omitempty"`
}

// BulkTask is the persisted row backing the Bulk Resolver (C8).
type BulkTask struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Payload        []BulkItem `json:"payload"`
	Options        BulkOptions `json:"options"`
	Status         BulkStatus `json:"status"`
	TotalItems     int        `json:"total_items"`
	ProcessedItems int        `json:"processed_items"`
	FailedItems    int        `json:"failed_items"`
	ErrorText      string     `json:"error_text,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// MaxBulkItems bounds total_items per task (spec.md §5 backpressure).
const MaxBulkItems = 1000
