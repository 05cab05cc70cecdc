// Package docai wraps the Document AI service behind the narrow contract
// the training orchestrator needs: submit calls returning opaque operation
// references, a three-valued status poll, and version lookups for the
// deploy decision.
package docai

import "context"

// OperationState is the three-valued view of a long-running operation.
// Vendor-specific states are collapsed into this model at the boundary.
type OperationState string

const (
	StatePending   OperationState = "PENDING"
	StateSucceeded OperationState = "SUCCEEDED"
	StateFailed    OperationState = "FAILED"
)

// OperationStatus is one poll result for a long-running operation.
type OperationStatus struct {
	State OperationState
	// Message carries the vendor error description for failed operations
	// and progress notes otherwise. Diagnostic only.
	Message string
}

// Version describes one trained processor version.
type Version struct {
	Name        string
	DisplayName string
	State       string
	// F1 is the aggregate F1 score of the version's latest evaluation,
	// zero when no evaluation exists.
	F1 float64
}

// Gateway is the sole source of truth for long-running operation state.
// Callers never infer completion from elapsed time.
type Gateway interface {
	// SubmitImport starts importing the labeled documents under gcsPrefix
	// into the processor's dataset and returns the operation reference.
	SubmitImport(ctx context.Context, processorID, gcsPrefix string) (string, error)

	// SubmitTrain starts training a new processor version and returns the
	// operation reference.
	SubmitTrain(ctx context.Context, processorID, displayName string) (string, error)

	// SubmitDeploy starts deploying the given processor version and
	// returns the operation reference.
	SubmitDeploy(ctx context.Context, versionName string) (string, error)

	// PollStatus reads the current state of an operation.
	PollStatus(ctx context.Context, operationRef string) (*OperationStatus, error)

	// LatestTrainedVersion returns the most recently created version that
	// finished training, or nil when the processor has none.
	LatestTrainedVersion(ctx context.Context, processorID string) (*Version, error)
}
