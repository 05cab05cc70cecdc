package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verozhao/document-ai-v2/internal/models"
)

func testDoc(id, processorID string) *models.DocumentRecord {
	return &models.DocumentRecord{
		DocumentID:  id,
		SourceURI:   "gs://bucket/documents/INVOICE/" + id + ".pdf",
		Label:       "INVOICE",
		ProcessorID: processorID,
		Status:      models.DocumentPending,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestMemoryStore_InsertDocument(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t.Run("first insert increments counter", func(t *testing.T) {
		inserted, pending, err := s.InsertDocument(ctx, testDoc("doc-1", "proc"))
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, int64(1), pending)
	})

	t.Run("duplicate insert is a no-op", func(t *testing.T) {
		inserted, pending, err := s.InsertDocument(ctx, testDoc("doc-1", "proc"))
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, int64(1), pending)

		count, err := s.CountPending(ctx, "proc")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("counters are per processor", func(t *testing.T) {
		_, pending, err := s.InsertDocument(ctx, testDoc("doc-2", "other"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), pending)
	})
}

func TestMemoryStore_CreateBatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := s.InsertDocument(ctx, testDoc(id, "proc"))
		require.NoError(t, err)
	}

	batch := &models.TrainingBatch{
		BatchID:     "batch-1",
		ProcessorID: "proc",
		Kind:        models.BatchInitial,
		DocumentIDs: []string{"a", "b", "c"},
		Status:      models.BatchAssembling,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateBatch(ctx, batch))

	t.Run("claims its documents", func(t *testing.T) {
		for _, id := range batch.DocumentIDs {
			rec, err := s.GetDocument(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "batch-1", rec.BatchID)
		}
		pending, err := s.PendingDocuments(ctx, "proc", 10)
		require.NoError(t, err)
		assert.Empty(t, pending, "claimed documents must not be re-selectable")
	})

	t.Run("rejects a second active batch", func(t *testing.T) {
		second := &models.TrainingBatch{
			BatchID:     "batch-2",
			ProcessorID: "proc",
			Status:      models.BatchAssembling,
		}
		assert.ErrorIs(t, s.CreateBatch(ctx, second), ErrBatchActive)
	})

	t.Run("allows a new batch once terminal", func(t *testing.T) {
		batch.Status = models.BatchImportFailed
		require.NoError(t, s.SaveBatch(ctx, batch))
		third := &models.TrainingBatch{
			BatchID:     "batch-3",
			ProcessorID: "proc",
			Status:      models.BatchAssembling,
		}
		assert.NoError(t, s.CreateBatch(ctx, third))
	})
}

func TestMemoryStore_ConsumeAndRelease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ids := []string{"a", "b"}
	for _, id := range ids {
		_, _, err := s.InsertDocument(ctx, testDoc(id, "proc"))
		require.NoError(t, err)
	}
	batch := &models.TrainingBatch{
		BatchID:     "batch-1",
		ProcessorID: "proc",
		DocumentIDs: ids,
		Status:      models.BatchAssembling,
	}
	require.NoError(t, s.CreateBatch(ctx, batch))

	t.Run("consume marks used and decrements counter", func(t *testing.T) {
		require.NoError(t, s.ConsumeDocuments(ctx, "proc", "batch-1", ids))
		count, err := s.CountPending(ctx, "proc")
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)

		rec, err := s.GetDocument(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, models.DocumentUsed, rec.Status)
	})

	t.Run("consume is idempotent", func(t *testing.T) {
		require.NoError(t, s.ConsumeDocuments(ctx, "proc", "batch-1", ids))
		count, err := s.CountPending(ctx, "proc")
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("release reverts to pending and restores counter", func(t *testing.T) {
		require.NoError(t, s.ReleaseDocuments(ctx, "proc", "batch-1", ids))
		count, err := s.CountPending(ctx, "proc")
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		rec, err := s.GetDocument(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, models.DocumentPending, rec.Status)
		assert.Empty(t, rec.BatchID)
	})

	t.Run("release is idempotent", func(t *testing.T) {
		require.NoError(t, s.ReleaseDocuments(ctx, "proc", "batch-1", ids))
		count, err := s.CountPending(ctx, "proc")
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("release ignores documents of other batches", func(t *testing.T) {
		require.NoError(t, s.ReleaseDocuments(ctx, "proc", "some-other-batch", ids))
		rec, err := s.GetDocument(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, models.DocumentPending, rec.Status)
	})
}

func TestMemoryStore_HasTrainedBatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	trained, err := s.HasTrainedBatch(ctx, "proc")
	require.NoError(t, err)
	assert.False(t, trained)

	require.NoError(t, s.SaveBatch(ctx, &models.TrainingBatch{
		BatchID:     "failed",
		ProcessorID: "proc",
		Status:      models.BatchImportFailed,
	}))
	trained, err = s.HasTrainedBatch(ctx, "proc")
	require.NoError(t, err)
	assert.False(t, trained, "a failed batch is not a trained one")

	require.NoError(t, s.SaveBatch(ctx, &models.TrainingBatch{
		BatchID:     "done",
		ProcessorID: "proc",
		Status:      models.BatchDone,
	}))
	trained, err = s.HasTrainedBatch(ctx, "proc")
	require.NoError(t, err)
	assert.True(t, trained)
}
