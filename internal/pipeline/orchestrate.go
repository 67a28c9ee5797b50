package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cte-pipeline/internal/integrity"
	"github.com/sells-group/cte-pipeline/internal/model"
	"github.com/sells-group/cte-pipeline/internal/recovery"
	"github.com/sells-group/cte-pipeline/internal/state"
	"github.com/sells-group/cte-pipeline/pkg/browserapi"
)

// flowRecorder accumulates per-PO flow outcomes across workers.
type flowRecorder struct {
	mu       sync.Mutex
	flows    map[string]*model.FlowSummary
	statuses map[string]model.ProcessingStatus
}

func newFlowRecorder() *flowRecorder {
	return &flowRecorder{
		flows: map[string]*model.FlowSummary{
			browserapi.FlowInvoiceGen:      {IndividualExecutions: map[string]model.FlowExecution{}},
			browserapi.FlowInvoiceMonitor:  {IndividualExecutions: map[string]model.FlowExecution{}},
			browserapi.FlowDownloadInvoice: {IndividualExecutions: map[string]model.FlowExecution{}},
			browserapi.FlowInvoiceUpload:   {IndividualExecutions: map[string]model.FlowExecution{}},
		},
		statuses: make(map[string]model.ProcessingStatus),
	}
}

func (r *flowRecorder) record(flow, po string, exec model.FlowExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := r.flows[flow]
	summary.Executed++
	if exec.Status == "success" {
		summary.Succeeded++
	} else {
		summary.Failed++
	}
	summary.IndividualExecutions[po] = exec
}

func (r *flowRecorder) setStatus(po string, status model.ProcessingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[po] = status
}

// allFailed reports whether every processed PO landed in a failure branch.
// An empty batch counts as not failed.
func (r *flowRecorder) allFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return false
	}
	for _, s := range r.statuses {
		if !s.IsFailure() {
			return false
		}
	}
	return true
}

func (r *flowRecorder) output() *model.OrchestrationOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &model.OrchestrationOutput{
		FlowsExecuted: model.FlowsExecuted{
			InvoiceGen:          *r.flows[browserapi.FlowInvoiceGen],
			InvoiceMonitor:      *r.flows[browserapi.FlowInvoiceMonitor],
			MainDownloadInvoice: *r.flows[browserapi.FlowDownloadInvoice],
			InvoiceUpload:       *r.flows[browserapi.FlowInvoiceUpload],
		},
		FinalStatusSummary: r.statuses,
	}
}

// runAPIOrchestration executes the four-flow sequence for every generated
// document, bounded to MaxConcurrentPOs in flight. A PO failure is absorbed
// into the output; only a cancelled context aborts the stage.
func (p *Pipeline) runAPIOrchestration(ctx context.Context, batchID string, genOut *model.GenerationOutput, extOut *model.ExtractionOutput) (*model.OrchestrationOutput, error) {
	if genOut == nil {
		return nil, eris.New("JSON generation step output not found")
	}

	rec := newFlowRecorder()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.API.MaxConcurrentPOs)
	for po := range genOut.Documents {
		po := po
		group := extOut.CTEsExtracted[po]
		g.Go(func() error {
			p.processPO(gctx, batchID, po, group, rec)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "pipeline: api orchestration aborted")
	}

	// The batch only advances when at least one PO made it past the flow
	// sequence; a batch whose every PO failed keeps its current status.
	if p.stateID != "" {
		if rec.allFailed() {
			zap.L().Warn("all pos failed, batch status left unchanged",
				zap.String("batch_id", batchID))
		} else if err := p.states.UpdateProcessingStatus(ctx, p.stateID, model.StatusMonitored, nil); err != nil {
			zap.L().Warn("failed to advance batch status", zap.Error(err))
		}
	}

	return rec.output(), nil
}

// processPO walks one purchase order through invoiceGen, invoiceMonitor,
// main_download_invoice and invoiceUpload, resuming from its persisted
// status. Failures land the PO in the matching FAILED_* branch; terminal
// POs are never re-entered.
func (p *Pipeline) processPO(ctx context.Context, batchID, po string, group model.POGroup, rec *flowRecorder) {
	log := zap.L().With(zap.String("po_number", po), zap.String("batch_id", batchID))

	cur, err := p.states.UpsertPOState(ctx, batchID, po)
	if err != nil {
		log.Error("failed to upsert po state", zap.Error(err))
		return
	}
	if cur.Status.IsTerminal() {
		log.Info("po already terminal, skipping", zap.String("status", string(cur.Status)))
		rec.setStatus(po, cur.Status)
		return
	}

	// Claim the PO. Bumping the version with an optimistic transition makes
	// this run the owner; a conflict means another run holds the PO.
	// WAITING_MONITORING claims back to PROCESSING: the monitor job id is
	// not persisted, so a resumed PO re-enters the sequence at generation.
	claimTo := cur.Status
	if claimTo == model.StatusPending || claimTo == model.StatusWaitingMonitoring {
		claimTo = model.StatusProcessing
	}
	cur, err = p.states.TransitionPO(ctx, po, claimTo, cur.Version, nil)
	if err != nil {
		if errors.Is(err, state.ErrVersionConflict) {
			log.Info("po claimed by another run, skipping")
		} else {
			log.Error("failed to claim po", zap.Error(err))
		}
		return
	}

	if cur.Status == model.StatusProcessing {
		cur = p.runGenAndMonitor(ctx, batchID, po, group, cur, rec)
	}
	if cur.Status == model.StatusMonitored {
		cur = p.runDownload(ctx, po, group, cur, rec)
	}
	if cur.Status == model.StatusDownloaded {
		cur = p.runUpload(ctx, po, group, cur, rec)
	}
	if cur.Status == model.StatusUploaded {
		cur = p.transitionPO(ctx, po, model.StatusCompleted, cur, nil)
	}

	rec.setStatus(po, cur.Status)
	log.Info("po processed", zap.String("final_status", string(cur.Status)))
}

func (p *Pipeline) runGenAndMonitor(ctx context.Context, batchID, po string, group model.POGroup, cur *model.POState, rec *flowRecorder) *model.POState {
	payload := browserapi.BuildInvoiceGenerationPayload(map[string]model.POGroup{po: group}, batchID)

	resp, dur, err := p.callFlow(ctx, browserapi.FlowInvoiceGen, payload.Parameters)
	rec.record(browserapi.FlowInvoiceGen, po, flowExecution(resp, dur, err, group))
	if err != nil {
		return p.failPO(ctx, po, browserapi.FlowInvoiceGen, cur, err)
	}

	cur = p.transitionPO(ctx, po, model.StatusWaitingMonitoring, cur, nil)
	if cur.Status != model.StatusWaitingMonitoring {
		return cur
	}

	monStart := time.Now()
	monResp, err := p.client.MonitorJob(ctx, resp.JobID)
	monDur := time.Since(monStart)
	p.metrics.RecordAPICall(browserapi.Endpoint(browserapi.FlowInvoiceMonitor), err == nil, monDur)
	rec.record(browserapi.FlowInvoiceMonitor, po, flowExecution(monResp, monDur, err, group))
	if err != nil {
		return p.failPO(ctx, po, browserapi.FlowInvoiceMonitor, cur, err)
	}

	return p.transitionPO(ctx, po, model.StatusMonitored, cur, nil)
}

func (p *Pipeline) runDownload(ctx context.Context, po string, group model.POGroup, cur *model.POState, rec *flowRecorder) *model.POState {
	resp, dur, err := p.callFlow(ctx, browserapi.FlowDownloadInvoice, browserapi.BuildDownloadParameters(po, group))
	rec.record(browserapi.FlowDownloadInvoice, po, flowExecution(resp, dur, err, group))
	if err != nil {
		return p.failPO(ctx, po, browserapi.FlowDownloadInvoice, cur, err)
	}

	// The downloaded artifact must match the digest the API reported before
	// the upload flow is allowed to run.
	if resp.DownloadPath != "" && resp.Checksum != "" {
		ok, verr := integrity.Verify(resp.DownloadPath, resp.Checksum)
		if verr != nil {
			return p.failPO(ctx, po, browserapi.FlowDownloadInvoice, cur, verr)
		}
		if !ok {
			return p.failPO(ctx, po, browserapi.FlowDownloadInvoice, cur,
				eris.Errorf("pipeline: checksum mismatch for %s", resp.DownloadPath))
		}
	}

	return p.transitionPO(ctx, po, model.StatusDownloaded, cur, nil)
}

func (p *Pipeline) runUpload(ctx context.Context, po string, group model.POGroup, cur *model.POState, rec *flowRecorder) *model.POState {
	resp, dur, err := p.callFlow(ctx, browserapi.FlowInvoiceUpload, map[string]any{"po_number": po})
	rec.record(browserapi.FlowInvoiceUpload, po, flowExecution(resp, dur, err, group))
	if err != nil {
		return p.failPO(ctx, po, browserapi.FlowInvoiceUpload, cur, err)
	}

	return p.transitionPO(ctx, po, model.StatusUploaded, cur, nil)
}

// transitionPO applies an optimistic transition and returns the new state.
// On failure the in-memory state is returned unchanged so the caller's
// status checks stop advancing.
func (p *Pipeline) transitionPO(ctx context.Context, po string, to model.ProcessingStatus, cur *model.POState, procErr error) *model.POState {
	next, err := p.states.TransitionPO(ctx, po, to, cur.Version, procErr)
	if err != nil {
		zap.L().Error("po transition failed",
			zap.String("po_number", po),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return cur
	}
	return next
}

// failPO records the failure branch for the endpoint, classifies the error
// through the recovery manager and bumps the PO retry counter so a later
// resume can see how often this PO has failed.
func (p *Pipeline) failPO(ctx context.Context, po, flow string, cur *model.POState, procErr error) *model.POState {
	endpoint := browserapi.Endpoint(flow)
	// The batch state is left untouched: one PO failing must not take the
	// rest of the batch down, so the report is per-PO only.
	p.recovery.HandleAPIOrchestrationError(ctx, procErr, endpoint, "")

	if _, err := p.states.IncrementPORetry(ctx, po); err != nil {
		zap.L().Warn("failed to bump po retry count", zap.String("po_number", po), zap.Error(err))
	}

	return p.transitionPO(ctx, po, recovery.FailureStatusForEndpoint(endpoint), cur, procErr)
}

func flowExecution(resp *browserapi.FlowResponse, dur time.Duration, err error, group model.POGroup) model.FlowExecution {
	exec := model.FlowExecution{
		Status:     "success",
		DurationMS: dur.Milliseconds(),
		TotalValue: group.TotalValue,
		CTECount:   group.CTECount,
	}
	if resp != nil {
		exec.JobID = resp.JobID
	}
	if err != nil {
		exec.Status = "failed"
		exec.Error = err.Error()
	}
	return exec
}
