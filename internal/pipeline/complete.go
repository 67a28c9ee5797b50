package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cte-pipeline/internal/metrics"
	"github.com/sells-group/cte-pipeline/internal/model"
)

// runWorkflowCompletion folds all stage outputs and the metrics snapshot
// into the final execution summary.
func (p *Pipeline) runWorkflowCompletion(
	ctx context.Context,
	batchID string,
	monOut *model.MonitoringOutput,
	extOut *model.ExtractionOutput,
	genOut *model.GenerationOutput,
	orchOut *model.OrchestrationOutput,
) (*model.CompletionOutput, error) {
	if monOut == nil || extOut == nil || genOut == nil || orchOut == nil {
		return nil, eris.New("Missing required previous step outputs")
	}

	completion := p.metrics.CalculateWorkflowCompletion()

	completed := 0
	var totalInvoiced float64
	for po, status := range orchOut.FinalStatusSummary {
		if status == model.StatusCompleted {
			completed++
			if doc, ok := genOut.Documents[po]; ok {
				totalInvoiced += doc.TotalValue
			}
		}
	}

	// The API-call success rate alone can read 100% when a PO never made it
	// far enough to place calls; any non-completed PO degrades SUCCESS.
	overall := completion.WorkflowStatus
	if overall == metrics.WorkflowSuccess && completed < len(orchOut.FinalStatusSummary) {
		overall = metrics.WorkflowPartial
	}

	var findings []string
	if monOut.ErrorDetails != "" {
		findings = append(findings, monOut.ErrorDetails)
	}
	findings = append(findings, extOut.ValidationErrors...)

	stageStatus := map[string]string{
		model.StepEmailMonitoring:    stageOutcome(monOut.ErrorDetails == ""),
		model.StepDataExtraction:     stageOutcome(len(extOut.ValidationErrors) == 0),
		model.StepJSONGeneration:     "completed",
		model.StepAPIOrchestration:   stageOutcome(completed == len(orchOut.FinalStatusSummary)),
		model.StepWorkflowCompletion: "completed",
	}

	return &model.CompletionOutput{
		BatchID:       batchID,
		OverallStatus: overall,
		StageStatus:   stageStatus,
		StatusSummary: orchOut.FinalStatusSummary,
		Metrics: model.WorkflowMetrics{
			APISuccessRatePercent: completion.APISuccessRatePercent,
			ExecutionTimeSeconds:  completion.ExecutionTimeSeconds,
			WorkflowStatus:        completion.WorkflowStatus,
		},
		QualityFindings: findings,
		GeneratedFiles:  genOut.GeneratedFiles,
		POsProcessed:    len(orchOut.FinalStatusSummary),
		POsCompleted:    completed,
		MinutasFiltered: extOut.MinutasFilteredOut,
		TotalInvoiced:   totalInvoiced,
		CompletedAt:     time.Now().UTC(),
	}, nil
}

func stageOutcome(clean bool) string {
	if clean {
		return "completed"
	}
	return "degraded"
}
