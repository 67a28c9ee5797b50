// Package pipeline orchestrates the five-stage invoice workflow: email
// monitoring, data extraction, JSON generation, API orchestration and
// workflow completion. Each stage consumes the previous stage's typed
// output; the orchestration stage fans out per purchase order.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cte-pipeline/internal/config"
	"github.com/sells-group/cte-pipeline/internal/metrics"
	"github.com/sells-group/cte-pipeline/internal/model"
	"github.com/sells-group/cte-pipeline/internal/recovery"
	"github.com/sells-group/cte-pipeline/internal/registry"
	"github.com/sells-group/cte-pipeline/internal/state"
	"github.com/sells-group/cte-pipeline/pkg/browserapi"
)

// Pipeline runs one batch through the five stages. All dependencies are
// injected; the lifecycle of a Pipeline is a single run.
type Pipeline struct {
	cfg      *config.Config
	states   state.Store
	client   browserapi.Client
	recovery *recovery.Manager
	metrics  *metrics.Collector
	clients  *registry.ClientRegistry

	// stateID is the durable batch state created by the monitoring step.
	stateID string
}

// New creates a Pipeline with all dependencies.
func New(
	cfg *config.Config,
	states state.Store,
	client browserapi.Client,
	rec *recovery.Manager,
	collector *metrics.Collector,
	clients *registry.ClientRegistry,
) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		states:   states,
		client:   client,
		recovery: rec,
		metrics:  collector,
		clients:  clients,
	}
}

// Run executes the full workflow for one batch and returns the final
// execution summary. Downstream-service failures degrade the summary
// instead of aborting; only contract violations (missing upstream outputs)
// propagate as errors.
func (p *Pipeline) Run(ctx context.Context) (*model.CompletionOutput, error) {
	batchID := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102"), uuid.NewString()[:8])
	log := zap.L().With(zap.String("batch_id", batchID))
	log.Info("pipeline: starting run")

	p.metrics.StartWorkflowExecution()

	// Stage 1: email monitoring. Never errors; internal failures produce a
	// degraded output so the run can still report.
	monOut := p.runEmailMonitoring(ctx, batchID)
	log.Info("pipeline: email monitoring complete",
		zap.Int("emails_processed", monOut.EmailsProcessed),
		zap.Int("attachments", len(monOut.ValidAttachments)),
	)

	// Stage 2: data extraction.
	var extOut *model.ExtractionOutput
	err := p.runStep(ctx, model.StepDataExtraction, p.cfg.Pipeline.ExtractionMaxRetries, func(ctx context.Context) error {
		out, stepErr := p.runDataExtraction(ctx, monOut)
		if stepErr != nil {
			return stepErr
		}
		extOut = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("pipeline: data extraction complete",
		zap.Int("pos", len(extOut.CTEsExtracted)),
		zap.Int("minutas_filtered_out", extOut.MinutasFilteredOut),
		zap.Int("validation_errors", len(extOut.ValidationErrors)),
	)

	// Stage 3: JSON generation.
	var genOut *model.GenerationOutput
	err = p.runStep(ctx, model.StepJSONGeneration, p.cfg.Pipeline.GenerationMaxRetries, func(ctx context.Context) error {
		out, stepErr := p.runJSONGeneration(ctx, extOut)
		if stepErr != nil {
			return stepErr
		}
		genOut = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("pipeline: json generation complete", zap.Int("documents", len(genOut.Documents)))

	// Stage 4: API orchestration. Per-PO failures are absorbed into the
	// output; structural failures propagate.
	orchOut, err := p.runAPIOrchestration(ctx, batchID, genOut, extOut)
	if err != nil {
		return nil, err
	}

	// Stage 5: workflow completion.
	var compOut *model.CompletionOutput
	err = p.runStep(ctx, model.StepWorkflowCompletion, p.cfg.Pipeline.CompletionMaxRetries, func(ctx context.Context) error {
		out, stepErr := p.runWorkflowCompletion(ctx, batchID, monOut, extOut, genOut, orchOut)
		if stepErr != nil {
			return stepErr
		}
		compOut = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	if compOut.OverallStatus == metrics.WorkflowSuccess && p.stateID != "" {
		if updErr := p.states.UpdateProcessingStatus(ctx, p.stateID, model.StatusCompleted, nil); updErr != nil {
			log.Warn("pipeline: failed to mark batch completed", zap.Error(updErr))
		}
	}

	log.Info("pipeline: run complete",
		zap.String("overall_status", compOut.OverallStatus),
		zap.Float64("api_success_rate", compOut.Metrics.APISuccessRatePercent),
		zap.Int("pos_completed", compOut.POsCompleted),
	)
	return compOut, nil
}

// runStep executes fn under the step's retry budget. Once the batch retry
// counter exceeds maxRetries the step stops auto-retrying and escalates
// through the recovery manager.
func (p *Pipeline) runStep(ctx context.Context, step string, maxRetries int, fn func(context.Context) error) error {
	var lastErr error
	for {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if p.stateID == "" {
			// No durable state to count against; surface immediately.
			return lastErr
		}

		count, incErr := p.states.IncrementRetryCount(ctx, p.stateID)
		if incErr != nil {
			// "state not found" is not retried; escalate to the caller.
			return eris.Wrapf(incErr, "pipeline: step %s", step)
		}
		if count > maxRetries {
			break
		}
		zap.L().Warn("pipeline: step failed, retrying",
			zap.String("step", step),
			zap.Int("retry", count),
			zap.Int("max_retries", maxRetries),
			zap.Error(lastErr),
		)
	}

	report := p.recovery.HandleStepError(ctx, lastErr, step, p.stateID)
	return eris.Wrapf(lastErr, "pipeline: step %s exhausted retries (%s)", step, report.RecoveryStrategy)
}

// callFlow executes one flow call, records the outcome and converts an
// application-level rejection into an error.
func (p *Pipeline) callFlow(ctx context.Context, flow string, params map[string]any) (*browserapi.FlowResponse, time.Duration, error) {
	start := time.Now()
	resp, err := p.client.ExecuteFlow(ctx, flow, params)
	dur := time.Since(start)

	success := err == nil && resp.Succeeded()
	p.metrics.RecordAPICall(browserapi.Endpoint(flow), success, dur)

	if err == nil && !resp.Succeeded() {
		err = eris.Errorf("pipeline: flow %s rejected: %s", flow, resp.Message)
	}
	return resp, dur, err
}
