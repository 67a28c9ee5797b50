package model

import "time"

// ProcessingState is the durable per-batch record created when a spreadsheet
// attachment is ingested. It is append-only from the caller's point of view:
// rows are never deleted, so the table doubles as an audit trail.
type ProcessingState struct {
	StateID       string           `json:"state_id"` // format: pf_{batch_id}_{timestamp}
	EmailID       string           `json:"email_id"`
	ExcelFilename string           `json:"excel_filename"`
	BatchID       string           `json:"batch_id"`
	Status        ProcessingStatus `json:"processing_status"`
	RetryCount    int              `json:"retry_count"`
	LastError     string           `json:"last_error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// POState tracks one purchase order through the four-flow sequence. Version
// is an optimistic-concurrency token: every transition must present the
// version it read, so two runs can never drive the same PO concurrently.
type POState struct {
	PONumber   string           `json:"po_number"`
	BatchID    string           `json:"batch_id"`
	Status     ProcessingStatus `json:"status"`
	RetryCount int              `json:"retry_count"`
	LastError  string           `json:"last_error,omitempty"`
	Version    int64            `json:"version"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
