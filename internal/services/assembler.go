package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/verozhao/document-ai-v2/internal/models"
	"github.com/verozhao/document-ai-v2/internal/store"
)

// ErrNoPendingDocuments is returned when assembly finds nothing to batch.
// This is expected under concurrent evaluation (another assembler got there
// first) and is never an error condition.
var ErrNoPendingDocuments = errors.New("no pending documents to assemble")

// Assembler materializes the processor's unclaimed pending documents into a
// new TrainingBatch. Batch creation and document claiming happen in one
// conditional store transaction, so concurrent threshold crossings resolve
// to exactly one batch.
type Assembler struct {
	store store.Store
}

// NewAssembler creates an Assembler.
func NewAssembler(s store.Store) *Assembler {
	return &Assembler{store: s}
}

// Assemble creates a batch of the given kind from the processor's pending
// documents. Returns ErrNoPendingDocuments when there is nothing to claim
// and store.ErrBatchActive when another batch is already in flight; callers
// treat both quietly.
func (a *Assembler) Assemble(ctx context.Context, cfg *models.ProcessorConfig, kind models.BatchKind) (*models.TrainingBatch, error) {
	docs, err := a.store.PendingDocuments(ctx, cfg.ProcessorID, cfg.EffectiveMaxBatchSize())
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNoPendingDocuments
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.DocumentID
	}

	batch := &models.TrainingBatch{
		BatchID:     uuid.NewString(),
		ProcessorID: cfg.ProcessorID,
		Kind:        kind,
		DocumentIDs: ids,
		Status:      models.BatchAssembling,
		StartedAt:   time.Now().UTC(),
	}
	if err := a.store.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}

	slog.Info("Assembled training batch.",
		"processorId", cfg.ProcessorID,
		"batchId", batch.BatchID,
		"kind", kind,
		"documentCount", len(ids),
	)
	return batch, nil
}
