package model

import "time"

// Step names, in execution order. Each step consumes the previous step's
// typed output and fails fast when it is missing.
const (
	StepEmailMonitoring    = "email_monitoring"
	StepDataExtraction     = "data_extraction"
	StepJSONGeneration     = "json_generation"
	StepAPIOrchestration   = "api_orchestration"
	StepWorkflowCompletion = "workflow_completion"
)

// MonitoringOutput is the result of the email_monitoring step. A failed
// scan produces a degraded output (zero emails, ErrorDetails set) instead
// of an error so the pipeline can still report.
type MonitoringOutput struct {
	BatchID             string       `json:"batch_id"`
	EmailsProcessed     int          `json:"emails_processed"`
	ValidAttachments    []Attachment `json:"valid_attachments"`
	ProcessingTimestamp time.Time    `json:"processing_timestamp"`
	ErrorDetails        string       `json:"error_details,omitempty"`
}

// ExtractionOutput is the result of the data_extraction step. MINUTA rows
// are never carried forward; they are only counted for audit.
type ExtractionOutput struct {
	CTEsExtracted      map[string]POGroup `json:"ctes_extracted"`
	MinutasFilteredOut int                `json:"minutas_filtered_out"`
	ValidationErrors   []string           `json:"validation_errors"`
}

// GenerationOutput is the result of the json_generation step.
type GenerationOutput struct {
	Documents      map[string]InvoiceDocument `json:"documents"`
	GeneratedFiles []string                   `json:"generated_files"`
}

// FlowExecution records the outcome of a single flow call for one PO.
type FlowExecution struct {
	Status     string  `json:"status"` // "success" or "failed"
	JobID      string  `json:"job_id,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMS int64   `json:"duration_ms"`
	TotalValue float64 `json:"total_value,omitempty"`
	CTECount   int     `json:"cte_count,omitempty"`
}

// FlowSummary aggregates one named flow across the batch.
type FlowSummary struct {
	Executed             int                      `json:"executed"`
	Succeeded            int                      `json:"succeeded"`
	Failed               int                      `json:"failed"`
	IndividualExecutions map[string]FlowExecution `json:"individual_executions,omitempty"`
}

// FlowsExecuted collects all four flow summaries keyed by flow name.
type FlowsExecuted struct {
	InvoiceGen          FlowSummary `json:"invoiceGen"`
	InvoiceMonitor      FlowSummary `json:"invoiceMonitor"`
	MainDownloadInvoice FlowSummary `json:"main_download_invoice"`
	InvoiceUpload       FlowSummary `json:"invoiceUpload"`
}

// OrchestrationOutput is the result of the api_orchestration step.
type OrchestrationOutput struct {
	FlowsExecuted      FlowsExecuted               `json:"flows_executed"`
	FinalStatusSummary map[string]ProcessingStatus `json:"final_status_summary"`
}

// WorkflowMetrics is the metrics snapshot folded into the completion output.
type WorkflowMetrics struct {
	APISuccessRatePercent float64 `json:"api_success_rate_percent"`
	ExecutionTimeSeconds  float64 `json:"execution_time_seconds"`
	WorkflowStatus        string  `json:"workflow_status"`
}

// CompletionOutput is the final execution summary.
type CompletionOutput struct {
	BatchID         string                      `json:"batch_id"`
	OverallStatus   string                      `json:"overall_status"` // SUCCESS, PARTIAL or FAILED
	StageStatus     map[string]string           `json:"stage_status"`
	StatusSummary   map[string]ProcessingStatus `json:"final_status_summary"`
	Metrics         WorkflowMetrics             `json:"metrics"`
	QualityFindings []string                    `json:"quality_findings,omitempty"`
	GeneratedFiles  []string                    `json:"generated_files,omitempty"`
	POsProcessed    int                         `json:"pos_processed"`
	POsCompleted    int                         `json:"pos_completed"`
	MinutasFiltered int                         `json:"minutas_filtered"`
	TotalInvoiced   float64                     `json:"total_invoiced"`
	CompletedAt     time.Time                   `json:"completed_at"`
}
