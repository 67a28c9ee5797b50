package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/cte-pipeline/internal/config"
	"github.com/sells-group/cte-pipeline/internal/integrity"
	"github.com/sells-group/cte-pipeline/internal/metrics"
	"github.com/sells-group/cte-pipeline/internal/model"
	"github.com/sells-group/cte-pipeline/internal/recovery"
	"github.com/sells-group/cte-pipeline/internal/registry"
	"github.com/sells-group/cte-pipeline/internal/state"
	"github.com/sells-group/cte-pipeline/pkg/browserapi"
)

// fakeFlowClient records flow calls and returns configurable responses.
type fakeFlowClient struct {
	mu        sync.Mutex
	calls     []string
	params    map[string]map[string]any
	failFlows map[string]error
	download  browserapi.FlowResponse
}

func (f *fakeFlowClient) ExecuteFlow(ctx context.Context, flow string, params map[string]any) (*browserapi.FlowResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, flow)
	if f.params == nil {
		f.params = make(map[string]map[string]any)
	}
	f.params[flow] = params
	f.mu.Unlock()

	if err := f.failFlows[flow]; err != nil {
		return nil, err
	}
	if flow == browserapi.FlowDownloadInvoice {
		resp := f.download
		resp.Status = "success"
		return &resp, nil
	}
	return &browserapi.FlowResponse{Status: "success", JobID: "job-" + flow}, nil
}

func (f *fakeFlowClient) MonitorJob(ctx context.Context, jobID string) (*browserapi.FlowResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, browserapi.FlowInvoiceMonitor)
	f.mu.Unlock()

	if err := f.failFlows[browserapi.FlowInvoiceMonitor]; err != nil {
		return nil, err
	}
	return &browserapi.FlowResponse{Status: "success", JobID: jobID, State: "complete"}, nil
}

func (f *fakeFlowClient) flowParams(flow string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[flow]
}

func (f *fakeFlowClient) flowCalls(flow string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == flow {
			n++
		}
	}
	return n
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		API: config.APIConfig{MaxConcurrentPOs: 2},
		Pipeline: config.PipelineConfig{
			ExtractionMaxRetries: 3,
			GenerationMaxRetries: 3,
			CompletionMaxRetries: 2,
			PartialThreshold:     50.0,
			AttachmentPattern:    `(?i)(cte|medicao).*\.xlsx$`,
		},
		Paths: config.PathsConfig{
			InboxDir:  t.TempDir(),
			OutputDir: t.TempDir(),
		},
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, client browserapi.Client) (*Pipeline, state.Store) {
	t.Helper()
	st, err := state.NewSQLite(filepath.Join(t.TempDir(), "pipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	clients := &registry.ClientRegistry{Default: model.ClientData{Name: "Claro S.A.", CNPJ: "40432544000147"}}
	collector := metrics.NewCollector(cfg.Pipeline.PartialThreshold)
	p := New(cfg, st, client, recovery.NewManager(st), collector, clients)
	return p, st
}

func writeInboxSheet(t *testing.T, dir, name string, rows [][]string) {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Planilha1")
	require.NoError(t, err)
	for _, row := range rows {
		r := sheet.AddRow()
		for _, cell := range row {
			r.AddCell().SetString(cell)
		}
	}
	require.NoError(t, f.Save(filepath.Join(dir, name)))
}

func standardSheet() [][]string {
	return [][]string{
		{"TIPO", "PEDIDO", "NF CTE", "VALOR", "DATA EMISSAO", "CNPJ CLIENTE"},
		{"CTE", "600708542", "12345", "1.421,95", "01/08/2026", "40.432.544/0001-47"},
		{"CTE", "600708542", "12346", "1.421,96", "15/08/2026", "40.432.544/0001-47"},
		{"MINUTA", "600708599", "99999", "500,00", "10/08/2026", "40.432.544/0001-47"},
	}
}

func downloadArtifact(t *testing.T) browserapi.FlowResponse {
	t.Helper()
	path := filepath.Join(t.TempDir(), "invoice.pdf")
	require.NoError(t, os.WriteFile(path, []byte("pdf body"), 0o644))
	digest, err := integrity.Checksum(path)
	require.NoError(t, err)
	return browserapi.FlowResponse{DownloadPath: path, Checksum: digest}
}

func TestRunHappyPath(t *testing.T) {
	cfg := testConfig(t)
	writeInboxSheet(t, cfg.Paths.InboxDir, "cte_medicao_agosto.xlsx", standardSheet())

	client := &fakeFlowClient{download: downloadArtifact(t)}
	p, st := newTestPipeline(t, cfg, client)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, metrics.WorkflowSuccess, summary.OverallStatus)
	assert.Equal(t, 1, summary.POsProcessed)
	assert.Equal(t, 1, summary.POsCompleted)
	assert.Equal(t, 1, summary.MinutasFiltered)
	assert.InDelta(t, 2843.91, summary.TotalInvoiced, 0.01)
	assert.Equal(t, model.StatusCompleted, summary.StatusSummary["600708542"])

	// All four flows ran exactly once.
	for _, flow := range []string{
		browserapi.FlowInvoiceGen, browserapi.FlowInvoiceMonitor,
		browserapi.FlowDownloadInvoice, browserapi.FlowInvoiceUpload,
	} {
		assert.Equal(t, 1, client.flowCalls(flow), "flow %s", flow)
	}

	// The generated invoice document exists and the PO state is terminal.
	require.Len(t, summary.GeneratedFiles, 1)
	_, err = os.Stat(summary.GeneratedFiles[0])
	assert.NoError(t, err)

	po, err := st.GetPOState(context.Background(), "600708542")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, po.Status)

	// The batch state ends COMPLETED.
	states, err := st.ListProcessingStates(context.Background(), state.StateFilter{})
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, model.StatusCompleted, states[0].Status)
}

func TestRunDownloadCarriesOrderDetails(t *testing.T) {
	cfg := testConfig(t)
	writeInboxSheet(t, cfg.Paths.InboxDir, "cte_drop.xlsx", standardSheet())

	client := &fakeFlowClient{download: downloadArtifact(t)}
	p, _ := newTestPipeline(t, cfg, client)

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	// main_download_invoice is parameterized per PO with the order number,
	// its line items and the grouped total.
	params := client.flowParams(browserapi.FlowDownloadInvoice)
	require.NotNil(t, params)
	assert.Equal(t, "600708542", params["po"])
	assert.InDelta(t, 2843.91, params["total_value"].(float64), 0.001)

	ctes, ok := params["ctes"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, ctes, 2)
	assert.Equal(t, "12345", ctes[0]["nf_cte"])
	assert.InDelta(t, 1421.95, ctes[0]["value"].(float64), 0.001)
}

func TestRunChecksumMismatchBlocksUpload(t *testing.T) {
	cfg := testConfig(t)
	writeInboxSheet(t, cfg.Paths.InboxDir, "cte_drop.xlsx", standardSheet())

	artifact := downloadArtifact(t)
	artifact.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
	client := &fakeFlowClient{download: artifact}
	p, st := newTestPipeline(t, cfg, client)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, metrics.WorkflowPartial, summary.OverallStatus)
	assert.Equal(t, model.StatusFailedDownload, summary.StatusSummary["600708542"])
	assert.Zero(t, summary.POsCompleted)

	// The upload flow never fires for a corrupted artifact.
	assert.Zero(t, client.flowCalls(browserapi.FlowInvoiceUpload))

	po, err := st.GetPOState(context.Background(), "600708542")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailedDownload, po.Status)
	assert.Contains(t, po.LastError, "checksum mismatch")
}

func TestRunGenerationFlowFailure(t *testing.T) {
	cfg := testConfig(t)
	writeInboxSheet(t, cfg.Paths.InboxDir, "cte_drop.xlsx", standardSheet())

	client := &fakeFlowClient{
		download:  downloadArtifact(t),
		failFlows: map[string]error{browserapi.FlowInvoiceGen: assertError("flow rejected")},
	}
	p, st := newTestPipeline(t, cfg, client)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, metrics.WorkflowFailed, summary.OverallStatus)
	assert.Equal(t, model.StatusFailedGeneration, summary.StatusSummary["600708542"])

	// The sequence stops at the first failed flow.
	assert.Zero(t, client.flowCalls(browserapi.FlowInvoiceMonitor))
	assert.Zero(t, client.flowCalls(browserapi.FlowDownloadInvoice))

	po, err := st.GetPOState(context.Background(), "600708542")
	require.NoError(t, err)
	assert.Equal(t, 1, po.RetryCount)

	// Every PO failed, so the batch must not be advanced to MONITORED.
	states, err := st.ListProcessingStates(context.Background(), state.StateFilter{})
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, model.StatusProcessing, states[0].Status)
}

func TestRunExtractionRetryBudgetEscalates(t *testing.T) {
	cfg := testConfig(t)

	// A matching attachment that is not a parseable workbook fails the
	// extraction step on every attempt.
	corrupt := filepath.Join(cfg.Paths.InboxDir, "cte_drop.xlsx")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a workbook"), 0o644))

	client := &fakeFlowClient{}
	p, st := newTestPipeline(t, cfg, client)

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted retries")

	// One initial attempt plus three retries, then escalation: the counter
	// lands one past the budget and the batch carries the failure status.
	states, err := st.ListProcessingStates(context.Background(), state.StateFilter{})
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, model.StatusFailedExtraction, states[0].Status)
	assert.Equal(t, cfg.Pipeline.ExtractionMaxRetries+1, states[0].RetryCount)
	assert.Empty(t, client.calls)
}

func TestRunResumesFromMonitored(t *testing.T) {
	cfg := testConfig(t)
	writeInboxSheet(t, cfg.Paths.InboxDir, "cte_drop.xlsx", standardSheet())

	client := &fakeFlowClient{download: downloadArtifact(t)}
	p, st := newTestPipeline(t, cfg, client)

	// A previous run left the PO MONITORED; this run must pick up at the
	// download flow instead of regenerating the invoice.
	seeded, err := st.UpsertPOState(context.Background(), "old-batch", "600708542")
	require.NoError(t, err)
	_, err = st.TransitionPO(context.Background(), "600708542", model.StatusMonitored, seeded.Version, nil)
	require.NoError(t, err)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, summary.StatusSummary["600708542"])
	assert.Zero(t, client.flowCalls(browserapi.FlowInvoiceGen))
	assert.Zero(t, client.flowCalls(browserapi.FlowInvoiceMonitor))
	assert.Equal(t, 1, client.flowCalls(browserapi.FlowDownloadInvoice))
	assert.Equal(t, 1, client.flowCalls(browserapi.FlowInvoiceUpload))
}

func TestRunSkipsTerminalPO(t *testing.T) {
	cfg := testConfig(t)
	writeInboxSheet(t, cfg.Paths.InboxDir, "cte_drop.xlsx", standardSheet())

	client := &fakeFlowClient{download: downloadArtifact(t)}
	p, st := newTestPipeline(t, cfg, client)

	seeded, err := st.UpsertPOState(context.Background(), "old-batch", "600708542")
	require.NoError(t, err)
	_, err = st.TransitionPO(context.Background(), "600708542", model.StatusCompleted, seeded.Version, nil)
	require.NoError(t, err)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, metrics.WorkflowSuccess, summary.OverallStatus)
	assert.Equal(t, model.StatusCompleted, summary.StatusSummary["600708542"])
	assert.Empty(t, client.calls)
}

func TestRunEmptyInbox(t *testing.T) {
	cfg := testConfig(t)

	client := &fakeFlowClient{}
	p, _ := newTestPipeline(t, cfg, client)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, metrics.WorkflowSuccess, summary.OverallStatus)
	assert.Zero(t, summary.POsProcessed)
	assert.Empty(t, client.calls)
}

// assertError is a trivial error type for failure injection.
type assertError string

func (e assertError) Error() string { return string(e) }
