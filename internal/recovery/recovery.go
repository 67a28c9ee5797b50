// Package recovery classifies pipeline failures into recovery strategies
// and makes the failure durable before the caller gets a chance to crash.
package recovery

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/cte-pipeline/internal/model"
	"github.com/sells-group/cte-pipeline/internal/resilience"
	"github.com/sells-group/cte-pipeline/internal/state"
)

// Recovery strategies returned to the orchestrator. They are advisory: the
// orchestrator decides whether to re-invoke the step (bounded by the step's
// retry budget) or mark the item terminally failed and move on.
const (
	StrategyIncreaseTimeoutAndRetry = "increase_timeout_and_retry"
	StrategyRetryWithBackoff        = "retry_with_backoff"
	StrategyEscalateToManualReview  = "escalate_to_manual_review"
	StrategyLogAndRetryOnce         = "log_and_retry_once"
)

// Report describes a handled failure.
type Report struct {
	ErrorType        string         `json:"error_type"`
	ErrorMessage     string         `json:"error_message"`
	RecoveryStrategy string         `json:"recovery_strategy"`
	Context          map[string]any `json:"context"`
}

// Manager writes failure state through the state store and decides the
// recovery strategy for each failure class.
type Manager struct {
	states state.Store
}

// NewManager creates a recovery manager backed by the given state store.
func NewManager(states state.Store) *Manager {
	return &Manager{states: states}
}

// HandleEmailProcessingError records a FAILED_EXTRACTION status for the
// batch and returns the recovery report. The status write happens before
// returning so the failure survives a caller crash.
func (m *Manager) HandleEmailProcessingError(ctx context.Context, procErr error, emailID, stateID string) Report {
	kind := resilience.Classify(procErr)
	report := Report{
		ErrorType:        string(kind),
		ErrorMessage:     procErr.Error(),
		RecoveryStrategy: strategyFor(kind),
		Context: map[string]any{
			"email_id": emailID,
			"state_id": stateID,
		},
	}

	m.persistFailure(ctx, stateID, model.StatusFailedExtraction, procErr)

	zap.L().Error("email processing error handled",
		zap.String("email_id", emailID),
		zap.String("state_id", stateID),
		zap.String("error_type", report.ErrorType),
		zap.String("strategy", report.RecoveryStrategy),
		zap.Error(procErr),
	)
	return report
}

// HandleAPIOrchestrationError records the FAILED_* status matching the
// failed endpoint and returns the recovery report.
func (m *Manager) HandleAPIOrchestrationError(ctx context.Context, procErr error, endpoint, stateID string) Report {
	kind := resilience.Classify(procErr)
	report := Report{
		ErrorType:        string(kind),
		ErrorMessage:     procErr.Error(),
		RecoveryStrategy: strategyFor(kind),
		Context: map[string]any{
			"endpoint": endpoint,
			"state_id": stateID,
		},
	}

	m.persistFailure(ctx, stateID, FailureStatusForEndpoint(endpoint), procErr)

	zap.L().Error("api orchestration error handled",
		zap.String("endpoint", endpoint),
		zap.String("state_id", stateID),
		zap.String("error_type", report.ErrorType),
		zap.String("strategy", report.RecoveryStrategy),
		zap.Error(procErr),
	)
	return report
}

// HandleStepError records the failure branch matching a pipeline step and
// returns the recovery report. Used when a step exhausts its retry budget.
func (m *Manager) HandleStepError(ctx context.Context, procErr error, step, stateID string) Report {
	kind := resilience.Classify(procErr)
	report := Report{
		ErrorType:        string(kind),
		ErrorMessage:     procErr.Error(),
		RecoveryStrategy: StrategyEscalateToManualReview,
		Context: map[string]any{
			"step":     step,
			"state_id": stateID,
		},
	}

	if status, ok := failureStatusForStep(step); ok {
		m.persistFailure(ctx, stateID, status, procErr)
	}

	zap.L().Error("step retry budget exhausted, escalating",
		zap.String("step", step),
		zap.String("state_id", stateID),
		zap.String("error_type", report.ErrorType),
		zap.Error(procErr),
	)
	return report
}

func failureStatusForStep(step string) (model.ProcessingStatus, bool) {
	switch step {
	case model.StepEmailMonitoring, model.StepDataExtraction:
		return model.StatusFailedExtraction, true
	case model.StepJSONGeneration:
		return model.StatusFailedGeneration, true
	case model.StepAPIOrchestration:
		return model.StatusFailedMonitoring, true
	default:
		// Completion failures have no dedicated branch; the last recorded
		// stage failure stands.
		return "", false
	}
}

func (m *Manager) persistFailure(ctx context.Context, stateID string, status model.ProcessingStatus, procErr error) {
	if stateID == "" {
		return
	}
	if err := m.states.UpdateProcessingStatus(ctx, stateID, status, procErr); err != nil {
		// A missing state is not retried; the caller escalates.
		zap.L().Warn("failed to persist failure status",
			zap.String("state_id", stateID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// strategyFor is the recovery policy table.
func strategyFor(kind resilience.Kind) string {
	switch kind {
	case resilience.KindTimeout:
		return StrategyIncreaseTimeoutAndRetry
	case resilience.KindConnection:
		return StrategyRetryWithBackoff
	case resilience.KindValidation:
		return StrategyEscalateToManualReview
	default:
		return StrategyLogAndRetryOnce
	}
}

// FailureStatusForEndpoint maps an external flow endpoint to the failure
// branch it lands the item in.
func FailureStatusForEndpoint(endpoint string) model.ProcessingStatus {
	switch {
	case strings.Contains(endpoint, "invoiceGen"):
		return model.StatusFailedGeneration
	case strings.Contains(endpoint, "invoiceMonitor"):
		return model.StatusFailedMonitoring
	case strings.Contains(endpoint, "download"):
		return model.StatusFailedDownload
	case strings.Contains(endpoint, "invoiceUpload"):
		return model.StatusFailedUpload
	default:
		return model.StatusFailedExtraction
	}
}
