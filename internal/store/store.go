// Package store is the metadata layer for training orchestration: processor
// configs, per-document records and training batches, with the transactional
// operations the threshold logic depends on.
package store

import (
	"context"
	"errors"

	"github.com/verozhao/document-ai-v2/internal/models"
)

var (
	// ErrNotFound is returned for point lookups that match nothing.
	ErrNotFound = errors.New("store: not found")

	// ErrBatchActive is returned by CreateBatch when the processor already
	// has a non-terminal batch. At most one batch may be in flight per
	// processor, and the check is part of the creating transaction.
	ErrBatchActive = errors.New("store: processor already has an active training batch")
)

// Store is the durable metadata store. All mutating operations are atomic;
// InsertDocument and CreateBatch are the two synchronization points the
// whole pipeline relies on under concurrent upload events.
type Store interface {
	// GetConfig returns the processor's training configuration, or
	// ErrNotFound.
	GetConfig(ctx context.Context, processorID string) (*models.ProcessorConfig, error)

	// PutConfig creates or replaces a processor configuration. Operator
	// path only.
	PutConfig(ctx context.Context, cfg *models.ProcessorConfig) error

	// SetDeployedVersion records the processor version that went live.
	// Written exclusively by the deployed transition.
	SetDeployedVersion(ctx context.Context, processorID, version string) error

	// InsertDocument records a document on first sight. If a record with
	// the same ID already exists the call is a no-op and inserted is
	// false. On first insertion the processor's pending counter is
	// incremented in the same transaction; pending is the post-increment
	// value either way.
	InsertDocument(ctx context.Context, rec *models.DocumentRecord) (inserted bool, pending int64, err error)

	// GetDocument returns one document record, or ErrNotFound.
	GetDocument(ctx context.Context, documentID string) (*models.DocumentRecord, error)

	// PendingDocuments returns up to limit unclaimed pending documents for
	// the processor, oldest first.
	PendingDocuments(ctx context.Context, processorID string, limit int) ([]models.DocumentRecord, error)

	// ListDocuments returns recent documents for the processor, optionally
	// filtered by status (empty status means all).
	ListDocuments(ctx context.Context, processorID string, status models.DocumentStatus, limit int) ([]models.DocumentRecord, error)

	// CountPending recounts the processor's pending documents from the
	// records themselves rather than the counter, so out-of-band deletes
	// are observed.
	CountPending(ctx context.Context, processorID string) (int64, error)

	// SetDocumentLabeled records where the labeled training document for
	// this record was written.
	SetDocumentLabeled(ctx context.Context, documentID, labeledURI string) error

	// ConsumeDocuments moves the batch's documents from pending to
	// usedForTraining and decrements the pending counter accordingly.
	// Documents not claimed by batchID, or already consumed, are skipped,
	// so retrying after a crash is safe.
	ConsumeDocuments(ctx context.Context, processorID, batchID string, documentIDs []string) error

	// ReleaseDocuments reverts the failed batch's documents to pending and
	// unclaims them, restoring the counter for any that had been consumed.
	// Idempotent: releasing an already-pending document is a no-op.
	ReleaseDocuments(ctx context.Context, processorID, batchID string, documentIDs []string) error

	// CreateBatch creates the batch and claims its documents, but only if
	// the processor has no other non-terminal batch; otherwise
	// ErrBatchActive. The existence check, the batch write and the claims
	// are one transaction.
	CreateBatch(ctx context.Context, batch *models.TrainingBatch) error

	// GetBatch returns one training batch, or ErrNotFound.
	GetBatch(ctx context.Context, batchID string) (*models.TrainingBatch, error)

	// SaveBatch overwrites the batch record. The orchestrator owns a batch
	// exclusively for its lifetime, so a plain write is sufficient.
	SaveBatch(ctx context.Context, batch *models.TrainingBatch) error

	// ActiveBatch returns the processor's single non-terminal batch, or
	// ErrNotFound when there is none.
	ActiveBatch(ctx context.Context, processorID string) (*models.TrainingBatch, error)

	// RecentBatches returns the processor's batches, newest first.
	RecentBatches(ctx context.Context, processorID string, limit int) ([]models.TrainingBatch, error)

	// HasTrainedBatch reports whether any batch for the processor reached
	// a post-training success state.
	HasTrainedBatch(ctx context.Context, processorID string) (bool, error)
}
