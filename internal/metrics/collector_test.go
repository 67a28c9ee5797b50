package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllSuccessIsSuccess(t *testing.T) {
	t.Parallel()

	c := NewCollector(50.0)
	c.StartWorkflowExecution()
	c.RecordAPICall("/api/invoiceGen", true, 100*time.Millisecond)
	c.RecordAPICall("/api/invoiceUpload", true, 200*time.Millisecond)

	got := c.CalculateWorkflowCompletion()
	assert.Equal(t, 100.0, got.APISuccessRatePercent)
	assert.Equal(t, WorkflowSuccess, got.WorkflowStatus)
	assert.GreaterOrEqual(t, got.ExecutionTimeSeconds, 0.0)
}

func TestPartialAboveThreshold(t *testing.T) {
	t.Parallel()

	c := NewCollector(50.0)
	c.StartWorkflowExecution()
	c.RecordAPICall("/api/invoiceGen", true, time.Millisecond)
	c.RecordAPICall("/api/invoiceGen", true, time.Millisecond)
	c.RecordAPICall("/api/invoiceUpload", false, time.Millisecond)

	got := c.CalculateWorkflowCompletion()
	assert.InDelta(t, 66.67, got.APISuccessRatePercent, 0.01)
	assert.Equal(t, WorkflowPartial, got.WorkflowStatus)
}

func TestFailedBelowThreshold(t *testing.T) {
	t.Parallel()

	c := NewCollector(50.0)
	c.StartWorkflowExecution()
	c.RecordAPICall("/api/invoiceGen", false, time.Millisecond)
	c.RecordAPICall("/api/invoiceGen", false, time.Millisecond)
	c.RecordAPICall("/api/invoiceGen", true, time.Millisecond)

	got := c.CalculateWorkflowCompletion()
	assert.InDelta(t, 33.33, got.APISuccessRatePercent, 0.01)
	assert.Equal(t, WorkflowFailed, got.WorkflowStatus)
}

func TestNoCallsIsSuccess(t *testing.T) {
	t.Parallel()

	c := NewCollector(50.0)
	c.StartWorkflowExecution()

	got := c.CalculateWorkflowCompletion()
	assert.Equal(t, 100.0, got.APISuccessRatePercent)
	assert.Equal(t, WorkflowSuccess, got.WorkflowStatus)
}

func TestThresholdBoundary(t *testing.T) {
	t.Parallel()

	// Exactly at the threshold counts as PARTIAL, not FAILED.
	c := NewCollector(50.0)
	c.StartWorkflowExecution()
	c.RecordAPICall("/api/invoiceGen", true, time.Millisecond)
	c.RecordAPICall("/api/invoiceGen", false, time.Millisecond)

	got := c.CalculateWorkflowCompletion()
	assert.Equal(t, 50.0, got.APISuccessRatePercent)
	assert.Equal(t, WorkflowPartial, got.WorkflowStatus)
}

func TestSnapshotPerEndpoint(t *testing.T) {
	t.Parallel()

	c := NewCollector(50.0)
	c.RecordAPICall("/api/invoiceGen", true, 10*time.Millisecond)
	c.RecordAPICall("/api/invoiceGen", false, 20*time.Millisecond)
	c.RecordAPICall("/api/invoiceMonitor", true, 5*time.Millisecond)

	snap := c.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, 2, snap["/api/invoiceGen"].Calls)
	assert.Equal(t, 1, snap["/api/invoiceGen"].Successes)
	assert.Equal(t, 1, snap["/api/invoiceGen"].Failures)
	assert.Equal(t, 30*time.Millisecond, snap["/api/invoiceGen"].TotalLatency)
	assert.Equal(t, 1, snap["/api/invoiceMonitor"].Calls)
}

func TestConcurrentRecording(t *testing.T) {
	t.Parallel()

	c := NewCollector(50.0)
	c.StartWorkflowExecution()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.RecordAPICall("/api/invoiceGen", i%2 == 0, time.Millisecond)
		}(i)
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, 20, snap["/api/invoiceGen"].Calls)
	assert.Equal(t, 10, snap["/api/invoiceGen"].Successes)
}
