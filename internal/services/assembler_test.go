package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verozhao/document-ai-v2/internal/models"
	"github.com/verozhao/document-ai-v2/internal/store"
)

func seedPending(t *testing.T, s store.Store, processorID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	base := time.Now().UTC().Add(-time.Duration(n) * time.Minute)
	for i := 0; i < n; i++ {
		rec := &models.DocumentRecord{
			DocumentID:  fmt.Sprintf("doc-%03d", i),
			SourceURI:   fmt.Sprintf("gs://bucket/documents/INVOICE/doc-%03d.pdf", i),
			Label:       "INVOICE",
			ProcessorID: processorID,
			Status:      models.DocumentPending,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		inserted, _, err := s.InsertDocument(context.Background(), rec)
		require.NoError(t, err)
		require.True(t, inserted)
		ids = append(ids, rec.DocumentID)
	}
	return ids
}

func TestAssembler_NoPendingDocuments(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := intakeConfig(t, s, nil)

	_, err := NewAssembler(s).Assemble(context.Background(), cfg, models.BatchInitial)
	assert.ErrorIs(t, err, ErrNoPendingDocuments)
}

func TestAssembler_ClaimsOldestFirstUpToMaxBatchSize(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	cfg := intakeConfig(t, s, func(c *models.ProcessorConfig) { c.MaxBatchSize = 3 })
	ids := seedPending(t, s, "proc", 5)

	batch, err := NewAssembler(s).Assemble(ctx, cfg, models.BatchInitial)
	require.NoError(t, err)

	assert.Equal(t, models.BatchAssembling, batch.Status)
	assert.Equal(t, models.BatchInitial, batch.Kind)
	assert.Equal(t, ids[:3], batch.DocumentIDs)

	// Claimed documents are still pending but no longer assemblable.
	remaining, err := s.PendingDocuments(ctx, "proc", 100)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, ids[3], remaining[0].DocumentID)

	for _, id := range batch.DocumentIDs {
		rec, err := s.GetDocument(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.DocumentPending, rec.Status)
		assert.Equal(t, batch.BatchID, rec.BatchID)
	}
}

func TestAssembler_RejectsSecondActiveBatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	cfg := intakeConfig(t, s, nil)
	seedPending(t, s, "proc", 3)

	a := NewAssembler(s)
	first, err := a.Assemble(ctx, cfg, models.BatchInitial)
	require.NoError(t, err)

	seedPending2 := &models.DocumentRecord{
		DocumentID:  "late-doc",
		ProcessorID: "proc",
		Status:      models.DocumentPending,
		CreatedAt:   time.Now().UTC(),
	}
	_, _, err = s.InsertDocument(ctx, seedPending2)
	require.NoError(t, err)

	_, err = a.Assemble(ctx, cfg, models.BatchIncremental)
	assert.ErrorIs(t, err, store.ErrBatchActive)

	// Once the first batch reaches a terminal state, assembly works again.
	first.Status = models.BatchDone
	require.NoError(t, s.SaveBatch(ctx, first))

	second, err := a.Assemble(ctx, cfg, models.BatchIncremental)
	require.NoError(t, err)
	assert.Equal(t, []string{"late-doc"}, second.DocumentIDs)
}

func TestAssembler_ConcurrentAssemblyCreatesOneBatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	cfg := intakeConfig(t, s, nil)
	seedPending(t, s, "proc", 3)

	a := NewAssembler(s)
	var created atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Assemble(ctx, cfg, models.BatchInitial)
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, store.ErrBatchActive), errors.Is(err, ErrNoPendingDocuments):
				// Expected race outcomes.
			default:
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), created.Load())
}
