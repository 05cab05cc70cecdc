package models

// These structs define the JSON payloads exchanged with the function
// entrypoints: the scheduler-invoked training check and its response.

// TrainingCheckRequest is the input for the training-monitor function. The
// scheduler sends only the processor to check; an empty value falls back to
// the deployment's default processor.
type TrainingCheckRequest struct {
	ProcessorID string `json:"processorId"`
}

// TrainingCheckResponse reports what the periodic check did. It is a no-op
// almost always.
type TrainingCheckResponse struct {
	Status       string `json:"status"`
	ProcessorID  string `json:"processorId"`
	Decision     string `json:"decision,omitempty"`
	BatchID      string `json:"batchId,omitempty"`
	BatchStatus  string `json:"batchStatus,omitempty"`
	PendingCount int64  `json:"pendingCount"`
}

// IntakeEvent is one labeled-document upload notification, already mapped
// from the storage event to the processor it feeds.
type IntakeEvent struct {
	ProcessorID string `json:"processorId"`
	SourceURI   string `json:"sourceUri"`
	Label       string `json:"label"`
}

// IntakeResult is the outcome of recording one upload event.
type IntakeResult struct {
	Status             string `json:"status"`
	DocumentID         string `json:"documentId,omitempty"`
	PendingCount       int64  `json:"pendingCount"`
	CrossedInitial     bool   `json:"crossedInitial"`
	CrossedIncremental bool   `json:"crossedIncremental"`
}

// Intake result statuses.
const (
	IntakeRecorded  = "recorded"
	IntakeDuplicate = "duplicate"
	IntakeDropped   = "dropped"
)
