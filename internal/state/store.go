// Package state owns durable processing state. All status mutations in the
// system go through this package; no other component writes status
// directly.
package state

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cte-pipeline/internal/model"
)

// ErrVersionConflict is returned when a PO transition presents a stale
// version token, meaning another run holds the PO in flight.
var ErrVersionConflict = eris.New("state: version conflict")

// StateFilter specifies criteria for listing processing states.
type StateFilter struct {
	Status  model.ProcessingStatus `json:"status,omitempty"`
	BatchID string                 `json:"batch_id,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
}

// Store defines the persistence interface for batch and per-PO processing
// state.
type Store interface {
	// Batch states. CreateProcessingState persists synchronously before
	// returning; states are never deleted (audit trail).
	CreateProcessingState(ctx context.Context, emailID, excelFilename, batchID string) (*model.ProcessingState, error)
	UpdateProcessingStatus(ctx context.Context, stateID string, status model.ProcessingStatus, procErr error) error
	IncrementRetryCount(ctx context.Context, stateID string) (int, error)
	GetProcessingState(ctx context.Context, stateID string) (*model.ProcessingState, error)
	ListProcessingStates(ctx context.Context, filter StateFilter) ([]model.ProcessingState, error)

	// PO states. UpsertPOState creates a PENDING row on first sight of a
	// po_number and returns the existing row unchanged otherwise, so re-runs
	// are idempotent by po_number. TransitionPO applies an optimistic
	// transition guarded by the version read by the caller.
	UpsertPOState(ctx context.Context, batchID, poNumber string) (*model.POState, error)
	GetPOState(ctx context.Context, poNumber string) (*model.POState, error)
	TransitionPO(ctx context.Context, poNumber string, to model.ProcessingStatus, version int64, procErr error) (*model.POState, error)
	IncrementPORetry(ctx context.Context, poNumber string) (int, error)
	ListPOStates(ctx context.Context, batchID string) ([]model.POState, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
