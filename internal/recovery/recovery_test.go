package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cte-pipeline/internal/model"
	"github.com/sells-group/cte-pipeline/internal/resilience"
	"github.com/sells-group/cte-pipeline/internal/state"
)

func newManager(t *testing.T) (*Manager, state.Store) {
	t.Helper()
	st, err := state.NewSQLite(filepath.Join(t.TempDir(), "rec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return NewManager(st), st
}

func TestStrategyTable(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", context.DeadlineExceeded, StrategyIncreaseTimeoutAndRetry},
		{"connection", resilience.NewTransientError(errors.New("connection refused"), 0), StrategyRetryWithBackoff},
		{"validation", resilience.NewValidationError(errors.New("bad payload"), 422, ""), StrategyEscalateToManualReview},
		{"unknown", errors.New("weird"), StrategyLogAndRetryOnce},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			report := m.HandleEmailProcessingError(ctx, tt.err, "email-1", "")
			assert.Equal(t, tt.want, report.RecoveryStrategy)
			assert.Equal(t, tt.err.Error(), report.ErrorMessage)
		})
	}
}

func TestEmailErrorPersistsBeforeReturn(t *testing.T) {
	t.Parallel()
	m, st := newManager(t)
	ctx := context.Background()

	created, err := st.CreateProcessingState(ctx, "email-1", "a.xlsx", "batch-1")
	require.NoError(t, err)

	report := m.HandleEmailProcessingError(ctx, errors.New("sheet unreadable"), "email-1", created.StateID)
	assert.Equal(t, "email-1", report.Context["email_id"])

	got, err := st.GetProcessingState(ctx, created.StateID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailedExtraction, got.Status)
	assert.Equal(t, "sheet unreadable", got.LastError)
}

func TestAPIErrorMapsEndpointToFailureBranch(t *testing.T) {
	t.Parallel()
	m, st := newManager(t)
	ctx := context.Background()

	tests := []struct {
		endpoint string
		want     model.ProcessingStatus
	}{
		{"/api/invoiceGen", model.StatusFailedGeneration},
		{"/api/invoiceMonitor", model.StatusFailedMonitoring},
		{"/api/main-download-invoice", model.StatusFailedDownload},
		{"/api/invoiceUpload", model.StatusFailedUpload},
	}

	for _, tt := range tests {
		created, err := st.CreateProcessingState(ctx, "e", "a.xlsx", "batch-"+string(tt.want))
		require.NoError(t, err)

		m.HandleAPIOrchestrationError(ctx, errors.New("flow failed"), tt.endpoint, created.StateID)

		got, err := st.GetProcessingState(ctx, created.StateID)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Status, "endpoint %s", tt.endpoint)
	}
}

func TestAPIErrorWithoutStateSkipsWrite(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	// Per-PO failures pass an empty state ID; the report still classifies.
	report := m.HandleAPIOrchestrationError(context.Background(), context.DeadlineExceeded, "/api/invoiceGen", "")
	assert.Equal(t, string(resilience.KindTimeout), report.ErrorType)
	assert.Equal(t, StrategyIncreaseTimeoutAndRetry, report.RecoveryStrategy)
}

func TestStepErrorEscalates(t *testing.T) {
	t.Parallel()
	m, st := newManager(t)
	ctx := context.Background()

	created, err := st.CreateProcessingState(ctx, "e", "a.xlsx", "batch-1")
	require.NoError(t, err)

	report := m.HandleStepError(ctx, errors.New("still failing"), model.StepJSONGeneration, created.StateID)
	assert.Equal(t, StrategyEscalateToManualReview, report.RecoveryStrategy)

	got, err := st.GetProcessingState(ctx, created.StateID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailedGeneration, got.Status)
}

func TestFailureStatusForEndpoint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, model.StatusFailedGeneration, FailureStatusForEndpoint("/api/invoiceGen"))
	assert.Equal(t, model.StatusFailedMonitoring, FailureStatusForEndpoint("/api/invoiceMonitor"))
	assert.Equal(t, model.StatusFailedDownload, FailureStatusForEndpoint("/api/main-download-invoice"))
	assert.Equal(t, model.StatusFailedUpload, FailureStatusForEndpoint("/api/invoiceUpload"))
	assert.Equal(t, model.StatusFailedExtraction, FailureStatusForEndpoint("/api/other"))
}
