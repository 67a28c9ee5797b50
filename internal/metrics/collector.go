// Package metrics aggregates per-run API call outcomes into the workflow
// completion summary.
package metrics

import (
	"sync"
	"time"
)

// Workflow status values reported by CalculateWorkflowCompletion.
const (
	WorkflowSuccess = "SUCCESS"
	WorkflowPartial = "PARTIAL"
	WorkflowFailed  = "FAILED"
)

// EndpointStats accumulates call outcomes for one endpoint.
type EndpointStats struct {
	Calls        int           `json:"calls"`
	Successes    int           `json:"successes"`
	Failures     int           `json:"failures"`
	TotalLatency time.Duration `json:"total_latency_ns"`
}

// Completion is the computed end-of-run summary.
type Completion struct {
	APISuccessRatePercent float64 `json:"api_success_rate_percent"`
	ExecutionTimeSeconds  float64 `json:"execution_time_seconds"`
	WorkflowStatus        string  `json:"workflow_status"`
}

// Collector gathers execution metrics for a single pipeline run. Safe for
// concurrent use by the orchestration workers.
type Collector struct {
	mu               sync.Mutex
	startedAt        time.Time
	runs             int
	successes        int
	failures         int
	endpoints        map[string]*EndpointStats
	partialThreshold float64
}

// NewCollector creates a collector. partialThreshold is the success-rate
// percentage below which the workflow status degrades from PARTIAL to
// FAILED.
func NewCollector(partialThreshold float64) *Collector {
	return &Collector{
		endpoints:        make(map[string]*EndpointStats),
		partialThreshold: partialThreshold,
	}
}

// StartWorkflowExecution records the wall-clock start and bumps the run
// counter.
func (c *Collector) StartWorkflowExecution() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startedAt = time.Now()
	c.runs++
}

// RecordAPICall accumulates one call outcome for an endpoint.
func (c *Collector) RecordAPICall(endpoint string, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.endpoints[endpoint]
	if st == nil {
		st = &EndpointStats{}
		c.endpoints[endpoint] = st
	}
	st.Calls++
	st.TotalLatency += duration
	if success {
		st.Successes++
		c.successes++
	} else {
		st.Failures++
		c.failures++
	}
}

// CalculateWorkflowCompletion computes the success rate and final workflow
// status. 100% success is SUCCESS; at or above the partial threshold is
// PARTIAL; below it is FAILED. A run with no API calls counts as SUCCESS.
func (c *Collector) CalculateWorkflowCompletion() Completion {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.successes + c.failures
	rate := 100.0
	if total > 0 {
		rate = float64(c.successes) / float64(total) * 100.0
	}

	status := WorkflowSuccess
	switch {
	case rate >= 100.0:
		status = WorkflowSuccess
	case rate >= c.partialThreshold:
		status = WorkflowPartial
	default:
		status = WorkflowFailed
	}

	var elapsed float64
	if !c.startedAt.IsZero() {
		elapsed = time.Since(c.startedAt).Seconds()
	}

	return Completion{
		APISuccessRatePercent: rate,
		ExecutionTimeSeconds:  elapsed,
		WorkflowStatus:        status,
	}
}

// Snapshot returns a copy of the per-endpoint stats for reporting.
func (c *Collector) Snapshot() map[string]EndpointStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]EndpointStats, len(c.endpoints))
	for k, v := range c.endpoints {
		out[k] = *v
	}
	return out
}
