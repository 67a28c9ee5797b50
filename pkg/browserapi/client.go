// Package browserapi drives the external browser-automation API through
// the four invoice flows.
package browserapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/cte-pipeline/internal/model"
	"github.com/sells-group/cte-pipeline/internal/resilience"
)

// Flow names. The four flows always execute in this order for a PO, each
// gated on the previous one's success.
const (
	FlowInvoiceGen      = "invoiceGen"
	FlowInvoiceMonitor  = "invoiceMonitor"
	FlowDownloadInvoice = "main_download_invoice"
	FlowInvoiceUpload   = "invoiceUpload"
)

// Endpoints returns the POST path for each flow.
var endpoints = map[string]string{
	FlowInvoiceGen:      "/api/invoiceGen",
	FlowInvoiceMonitor:  "/api/invoiceMonitor",
	FlowDownloadInvoice: "/api/main-download-invoice",
	FlowInvoiceUpload:   "/api/invoiceUpload",
}

// Endpoint returns the API path for a flow name, or "" if unknown.
func Endpoint(flow string) string {
	return endpoints[flow]
}

// FlowRequest is the request body for every flow endpoint.
type FlowRequest struct {
	FlowName   string         `json:"flow_name"`
	Parameters map[string]any `json:"parameters"`
}

// FlowResponse is the response from a flow endpoint. Download responses
// also carry the artifact location and its expected digest.
type FlowResponse struct {
	Status       string `json:"status"`
	JobID        string `json:"job_id,omitempty"`
	State        string `json:"state,omitempty"` // monitor: "running", "complete" or "failed"
	Message      string `json:"message,omitempty"`
	DownloadPath string `json:"download_path,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
}

// Succeeded reports whether the API accepted the flow.
func (r *FlowResponse) Succeeded() bool {
	return r != nil && r.Status == "success"
}

// Client executes flows against the browser-automation backend.
type Client interface {
	// ExecuteFlow posts {flow_name, parameters} to the flow's endpoint with
	// retry and timeout.
	ExecuteFlow(ctx context.Context, flow string, params map[string]any) (*FlowResponse, error)
	// MonitorJob polls the invoiceMonitor flow until the job completes,
	// fails, or the monitoring timeout expires.
	MonitorJob(ctx context.Context, jobID string) (*FlowResponse, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) { c.http.Timeout = d }
}

// WithRetry overrides the retry policy for flow calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

// WithRateLimit throttles flow calls. The backend runs a single headless
// browser, so it tolerates very little parallel pressure.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *httpClient) { c.limiter = rate.NewLimiter(rate.Limit(perSec), burst) }
}

// WithMonitorPolicy sets the invoiceMonitor poll interval and deadline.
func WithMonitorPolicy(poll, timeout time.Duration) Option {
	return func(c *httpClient) {
		c.monitorPoll = poll
		c.monitorTimeout = timeout
	}
}

type httpClient struct {
	baseURL        string
	http           *http.Client
	retry          resilience.RetryConfig
	limiter        *rate.Limiter
	monitorPoll    time.Duration
	monitorTimeout time.Duration
}

// NewClient creates a flow API client.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry:          resilience.DefaultRetryConfig(),
		limiter:        rate.NewLimiter(rate.Limit(2), 1),
		monitorPoll:    15 * time.Second,
		monitorTimeout: 10 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) ExecuteFlow(ctx context.Context, flow string, params map[string]any) (*FlowResponse, error) {
	path, ok := endpoints[flow]
	if !ok {
		return nil, eris.Errorf("browserapi: unknown flow %q", flow)
	}

	body, err := json.Marshal(FlowRequest{FlowName: flow, Parameters: params})
	if err != nil {
		return nil, eris.Wrapf(err, "browserapi: marshal %s request", flow)
	}

	retryCfg := c.retry
	retryCfg.OnRetry = resilience.RetryLogger("browserapi", flow)

	return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*FlowResponse, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrapf(err, "browserapi: rate limit wait for %s", flow)
		}
		return c.post(ctx, flow, path, body)
	})
}

func (c *httpClient) post(ctx context.Context, flow, path string, body []byte) (*FlowResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "browserapi: create %s request", flow)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures are retryable.
		return nil, resilience.NewTransientError(eris.Wrapf(err, "browserapi: send %s request", flow), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "browserapi: read %s response", flow), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		callErr := eris.Errorf("browserapi: %s returned status %d: %s", flow, resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(callErr, resp.StatusCode)
		}
		// Application failure: 4xx with a structured error body. Not retryable.
		return nil, resilience.NewValidationError(callErr, resp.StatusCode, string(respBody))
	}

	var result FlowResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, resilience.NewValidationError(
			eris.Wrapf(err, "browserapi: unmarshal %s response", flow), resp.StatusCode, string(respBody))
	}

	return &result, nil
}

func (c *httpClient) MonitorJob(ctx context.Context, jobID string) (*FlowResponse, error) {
	deadline := time.Now().Add(c.monitorTimeout)
	ticker := time.NewTicker(c.monitorPoll)
	defer ticker.Stop()

	for {
		resp, err := c.ExecuteFlow(ctx, FlowInvoiceMonitor, map[string]any{"job_id": jobID})
		if err != nil {
			return nil, err
		}
		if resp.Succeeded() && resp.State == "complete" {
			return resp, nil
		}
		if resp.State == "failed" {
			return resp, eris.Errorf("browserapi: job %s reported failure: %s", jobID, resp.Message)
		}

		if time.Now().After(deadline) {
			return resp, eris.Wrap(context.DeadlineExceeded, "browserapi: monitoring timeout for job "+jobID)
		}

		zap.L().Debug("monitor poll",
			zap.String("job_id", jobID),
			zap.String("state", resp.State),
		)

		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "browserapi: monitoring cancelled for job "+jobID)
		case <-ticker.C:
		}
	}
}

// cteItems flattens a group's line items into the wire shape shared by the
// generation and download flows.
func cteItems(group model.POGroup) []map[string]any {
	ctes := make([]map[string]any, 0, len(group.Values))
	for _, item := range group.Values {
		ctes = append(ctes, map[string]any{
			"nf_cte": item.NFCTE,
			"value":  item.Value,
		})
	}
	return ctes
}

// BuildInvoiceGenerationPayload builds the invoiceGen request for the PO
// groups passed in. Callers pass only POs currently in PENDING status.
func BuildInvoiceGenerationPayload(ctesByPO map[string]model.POGroup, batchID string) FlowRequest {
	orders := make(map[string]any, len(ctesByPO))
	for po, group := range ctesByPO {
		orders[po] = map[string]any{
			"total_value": group.TotalValue,
			"cte_count":   group.CTECount,
			"ctes":        cteItems(group),
		}
	}

	return FlowRequest{
		FlowName: FlowInvoiceGen,
		Parameters: map[string]any{
			"batch_id": batchID,
			"orders":   orders,
			"headless": true,
		},
	}
}

// BuildDownloadParameters builds the main_download_invoice parameters for
// one PO: the order identifier plus the line items backing its total.
func BuildDownloadParameters(po string, group model.POGroup) map[string]any {
	return map[string]any{
		"po":          po,
		"ctes":        cteItems(group),
		"total_value": group.TotalValue,
	}
}
