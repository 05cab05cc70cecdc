package models

import (
	"fmt"
	"time"
)

// DocumentStatus tracks a document's position in the training lifecycle.
type DocumentStatus string

const (
	DocumentPending DocumentStatus = "pending"
	DocumentUsed    DocumentStatus = "usedForTraining"
)

// BatchKind distinguishes a processor's first training run from later ones.
type BatchKind string

const (
	BatchInitial     BatchKind = "initial"
	BatchIncremental BatchKind = "incremental"
)

// BatchStatus is the persisted state of a training batch. Every transition
// is written to the store before the orchestrator takes its next step, so a
// restarted orchestrator resumes from the last written status.
type BatchStatus string

const (
	BatchAssembling   BatchStatus = "assembling"
	BatchImporting    BatchStatus = "importing"
	BatchImportFailed BatchStatus = "import_failed"
	BatchTraining     BatchStatus = "training"
	BatchTrainFailed  BatchStatus = "train_failed"
	BatchTrained      BatchStatus = "trained"
	BatchEvaluating   BatchStatus = "evaluating"
	BatchDeployed     BatchStatus = "deployed"
	BatchDone         BatchStatus = "done"
)

// Terminal reports whether a batch in this status will never move again.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchDone, BatchImportFailed, BatchTrainFailed:
		return true
	}
	return false
}

// ActiveBatchStatuses are the non-terminal statuses. A processor may hold at
// most one batch in any of these at a time.
var ActiveBatchStatuses = []BatchStatus{
	BatchAssembling,
	BatchImporting,
	BatchTraining,
	BatchTrained,
	BatchEvaluating,
	BatchDeployed,
}

// TrainedBatchStatuses are the statuses a batch can only reach after its
// training operation succeeded. Their existence means the processor has a
// trained version.
var TrainedBatchStatuses = []BatchStatus{
	BatchTrained,
	BatchEvaluating,
	BatchDeployed,
	BatchDone,
}

// ProcessorConfig is the per-processor training configuration, created and
// mutated only through the operator path and read-only everywhere else.
type ProcessorConfig struct {
	ProcessorID              string  `firestore:"processorId"`
	Enabled                  bool    `firestore:"enabled"`
	MinDocumentsInitial      int     `firestore:"minDocumentsInitial"`
	MinDocumentsIncremental  int     `firestore:"minDocumentsIncremental"`
	MinAccuracyForDeployment float64 `firestore:"minAccuracyForDeployment"`
	// CheckIntervalMinutes records the cadence the external scheduler is
	// configured to invoke the periodic check with. Operator documentation
	// only; nothing in this process schedules off it.
	CheckIntervalMinutes int       `firestore:"checkIntervalMinutes"`
	AutoDeploy           bool      `firestore:"autoDeploy"`
	DocumentTypes        []string  `firestore:"documentTypes,omitempty"`
	MaxBatchSize         int       `firestore:"maxBatchSize,omitempty"`
	DeployedVersion      string    `firestore:"deployedVersion,omitempty"`
	UpdatedAt            time.Time `firestore:"updatedAt,omitempty"`
}

// DefaultMaxBatchSize bounds how many pending documents one batch may claim.
const DefaultMaxBatchSize = 100

// Validate checks the invariants an operator-supplied config must satisfy.
func (c *ProcessorConfig) Validate() error {
	if c.ProcessorID == "" {
		return fmt.Errorf("processorId must be set")
	}
	if c.MinDocumentsInitial < 1 {
		return fmt.Errorf("minDocumentsInitial must be >= 1, got %d", c.MinDocumentsInitial)
	}
	if c.MinDocumentsIncremental < 1 {
		return fmt.Errorf("minDocumentsIncremental must be >= 1, got %d", c.MinDocumentsIncremental)
	}
	if c.MinAccuracyForDeployment < 0 || c.MinAccuracyForDeployment > 1 {
		return fmt.Errorf("minAccuracyForDeployment must be in [0,1], got %v", c.MinAccuracyForDeployment)
	}
	if c.MaxBatchSize < 0 {
		return fmt.Errorf("maxBatchSize must not be negative, got %d", c.MaxBatchSize)
	}
	return nil
}

// AllowsType reports whether a document label is accepted by this config.
// An empty documentTypes set accepts everything.
func (c *ProcessorConfig) AllowsType(label string) bool {
	if len(c.DocumentTypes) == 0 {
		return true
	}
	for _, t := range c.DocumentTypes {
		if t == label {
			return true
		}
	}
	return false
}

// EffectiveMaxBatchSize returns the configured batch bound or the default.
func (c *ProcessorConfig) EffectiveMaxBatchSize() int {
	if c.MaxBatchSize > 0 {
		return c.MaxBatchSize
	}
	return DefaultMaxBatchSize
}

// DocumentRecord is the per-document ledger entry. Its ID is derived
// deterministically from the source URI so redelivered upload events hit the
// same record instead of creating a second one.
type DocumentRecord struct {
	DocumentID  string         `firestore:"documentId"`
	SourceURI   string         `firestore:"sourceUri"`
	Label       string         `firestore:"label"`
	ProcessorID string         `firestore:"processorId"`
	Status      DocumentStatus `firestore:"status"`
	// BatchID is set while the document is claimed by a batch; a failed
	// batch clears it again so the document is eligible for reassembly.
	BatchID    string    `firestore:"batchId"`
	LabeledURI string    `firestore:"labeledUri,omitempty"`
	LabeledAt  time.Time `firestore:"labeledAt,omitempty"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

// TrainingBatch is one orchestration run: the documents it claimed, the
// long-running operations it started, and where the state machine stands.
type TrainingBatch struct {
	BatchID            string      `firestore:"batchId"`
	ProcessorID        string      `firestore:"processorId"`
	Kind               BatchKind   `firestore:"kind"`
	DocumentIDs        []string    `firestore:"documentIds"`
	Status             BatchStatus `firestore:"status"`
	ImportOperationRef string      `firestore:"importOperationRef,omitempty"`
	TrainOperationRef  string      `firestore:"trainOperationRef,omitempty"`
	DeployOperationRef string      `firestore:"deployOperationRef,omitempty"`
	// DeployedVersionName is the processor version this batch deployed or
	// attempted to deploy.
	DeployedVersionName string    `firestore:"deployedVersionName,omitempty"`
	Accuracy            float64   `firestore:"accuracy,omitempty"`
	FailureReason       string    `firestore:"failureReason,omitempty"`
	StartedAt           time.Time `firestore:"startedAt"`
	CompletedAt         time.Time `firestore:"completedAt,omitempty"`
}

// ExtractedText is the OCR collaborator's output for one document: the raw
// text plus enough page geometry to build a labeled training document.
type ExtractedText struct {
	Text  string
	Pages []ExtractedPage
}

// ExtractedPage carries per-page dimensions from the OCR result.
type ExtractedPage struct {
	PageNumber int
	Width      float64
	Height     float64
}
