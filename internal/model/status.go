package model

// ProcessingStatus represents the lifecycle of a batch or purchase order
// moving through the invoice pipeline. The forward path is
// PENDING → PROCESSING → WAITING_MONITORING → MONITORED → DOWNLOADED →
// UPLOADED → COMPLETED; each active stage has a corresponding failure
// branch. Statuses are stored as-is, so the string values are part of the
// persistence contract.
type ProcessingStatus string

const (
	StatusPending           ProcessingStatus = "PENDING"
	StatusProcessing        ProcessingStatus = "PROCESSING"
	StatusWaitingMonitoring ProcessingStatus = "WAITING_MONITORING"
	StatusMonitored         ProcessingStatus = "MONITORED"
	StatusDownloaded        ProcessingStatus = "DOWNLOADED"
	StatusUploaded          ProcessingStatus = "UPLOADED"
	StatusCompleted         ProcessingStatus = "COMPLETED"

	StatusFailedExtraction ProcessingStatus = "FAILED_EXTRACTION"
	StatusFailedGeneration ProcessingStatus = "FAILED_GENERATION"
	StatusFailedMonitoring ProcessingStatus = "FAILED_MONITORING"
	StatusFailedDownload   ProcessingStatus = "FAILED_DOWNLOAD"
	StatusFailedUpload     ProcessingStatus = "FAILED_UPLOAD"
)

// IsFailure reports whether s is one of the FAILED_* branches.
func (s ProcessingStatus) IsFailure() bool {
	switch s {
	case StatusFailedExtraction, StatusFailedGeneration, StatusFailedMonitoring,
		StatusFailedDownload, StatusFailedUpload:
		return true
	}
	return false
}

// IsTerminal reports whether s admits no further transitions. A purchase
// order in a non-terminal status is considered in flight and must not
// re-enter the flow sequence.
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusCompleted || s.IsFailure()
}
