package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verozhao/document-ai-v2/internal/models"
	"github.com/verozhao/document-ai-v2/internal/store"
)

func intakeConfig(t *testing.T, s store.Store, mutate func(*models.ProcessorConfig)) *models.ProcessorConfig {
	t.Helper()
	cfg := &models.ProcessorConfig{
		ProcessorID:             "proc",
		Enabled:                 true,
		MinDocumentsInitial:     3,
		MinDocumentsIncremental: 2,
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, s.PutConfig(context.Background(), cfg))
	return cfg
}

func uploadEvent(n int) *models.IntakeEvent {
	return &models.IntakeEvent{
		ProcessorID: "proc",
		SourceURI:   fmt.Sprintf("gs://bucket/documents/INVOICE/file-%d.pdf", n),
		Label:       "INVOICE",
	}
}

func TestIntake_IdempotentIngestion(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	intakeConfig(t, s, nil)
	in := NewIntake(s, nil)

	first, err := in.Process(ctx, uploadEvent(1))
	require.NoError(t, err)
	assert.Equal(t, models.IntakeRecorded, first.Status)
	assert.Equal(t, int64(1), first.PendingCount)

	// Redeliver the same event several times.
	for i := 0; i < 4; i++ {
		res, err := in.Process(ctx, uploadEvent(1))
		require.NoError(t, err)
		assert.Equal(t, models.IntakeDuplicate, res.Status)
		assert.Equal(t, int64(1), res.PendingCount)
		assert.False(t, res.CrossedInitial)
	}

	count, err := s.CountPending(ctx, "proc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIntake_DropsWithoutError(t *testing.T) {
	ctx := context.Background()

	t.Run("missing config", func(t *testing.T) {
		s := store.NewMemoryStore()
		in := NewIntake(s, nil)
		res, err := in.Process(ctx, uploadEvent(1))
		require.NoError(t, err)
		assert.Equal(t, models.IntakeDropped, res.Status)
	})

	t.Run("disabled config", func(t *testing.T) {
		s := store.NewMemoryStore()
		intakeConfig(t, s, func(c *models.ProcessorConfig) { c.Enabled = false })
		in := NewIntake(s, nil)
		res, err := in.Process(ctx, uploadEvent(1))
		require.NoError(t, err)
		assert.Equal(t, models.IntakeDropped, res.Status)
	})

	t.Run("label not in configured types", func(t *testing.T) {
		s := store.NewMemoryStore()
		intakeConfig(t, s, func(c *models.ProcessorConfig) { c.DocumentTypes = []string{"CONTRACT"} })
		in := NewIntake(s, nil)
		res, err := in.Process(ctx, uploadEvent(1))
		require.NoError(t, err)
		assert.Equal(t, models.IntakeDropped, res.Status)

		count, err := s.CountPending(ctx, "proc")
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("failed validation", func(t *testing.T) {
		s := store.NewMemoryStore()
		intakeConfig(t, s, nil)
		in := NewIntake(s, validatorFunc(func(context.Context, string) error {
			return fmt.Errorf("truncated PDF")
		}))
		res, err := in.Process(ctx, uploadEvent(1))
		require.NoError(t, err)
		assert.Equal(t, models.IntakeDropped, res.Status)
	})
}

type validatorFunc func(ctx context.Context, sourceURI string) error

func (f validatorFunc) Validate(ctx context.Context, sourceURI string) error {
	return f(ctx, sourceURI)
}

func TestIntake_ThresholdCrossing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	intakeConfig(t, s, nil)
	in := NewIntake(s, nil)

	for i := 1; i <= 2; i++ {
		res, err := in.Process(ctx, uploadEvent(i))
		require.NoError(t, err)
		assert.False(t, res.CrossedInitial, "crossing must not fire before the threshold")
	}

	res, err := in.Process(ctx, uploadEvent(3))
	require.NoError(t, err)
	assert.True(t, res.CrossedInitial)
	assert.False(t, res.CrossedIncremental)

	res, err = in.Process(ctx, uploadEvent(4))
	require.NoError(t, err)
	assert.False(t, res.CrossedInitial, "crossing fires exactly once")
}

func TestIntake_IncrementalCrossingAfterTraining(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	intakeConfig(t, s, nil)
	require.NoError(t, s.SaveBatch(ctx, &models.TrainingBatch{
		BatchID:     "earlier",
		ProcessorID: "proc",
		Status:      models.BatchDone,
	}))
	in := NewIntake(s, nil)

	res, err := in.Process(ctx, uploadEvent(10))
	require.NoError(t, err)
	assert.False(t, res.CrossedIncremental)

	res, err = in.Process(ctx, uploadEvent(11))
	require.NoError(t, err)
	assert.True(t, res.CrossedIncremental)
	assert.False(t, res.CrossedInitial)
}

func TestIntake_ExactlyOnceCrossingUnderConcurrency(t *testing.T) {
	const workers = 24
	ctx := context.Background()
	s := store.NewMemoryStore()
	intakeConfig(t, s, func(c *models.ProcessorConfig) { c.MinDocumentsInitial = workers })
	in := NewIntake(s, nil)

	var crossings atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := in.Process(ctx, uploadEvent(n))
			assert.NoError(t, err)
			if res != nil && res.CrossedInitial {
				crossings.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), crossings.Load(), "exactly one event observes the crossing")
	count, err := s.CountPending(ctx, "proc")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), count)
}

func TestDocumentID(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := DocumentID("gs://bucket/documents/INVOICE/report 2024.pdf")
		b := DocumentID("gs://bucket/documents/INVOICE/report 2024.pdf")
		assert.Equal(t, a, b)
	})

	t.Run("distinct per object", func(t *testing.T) {
		a := DocumentID("gs://bucket/documents/INVOICE/a.pdf")
		b := DocumentID("gs://bucket/documents/INVOICE/b.pdf")
		assert.NotEqual(t, a, b)
	})

	t.Run("same basename in different folders is distinct", func(t *testing.T) {
		a := DocumentID("gs://bucket/documents/INVOICE/report.pdf")
		b := DocumentID("gs://bucket/documents/CONTRACT/report.pdf")
		assert.NotEqual(t, a, b)
	})

	t.Run("sanitises awkward names", func(t *testing.T) {
		id := DocumentID("gs://bucket/documents/OTHER/weird názv (1).pdf")
		assert.Regexp(t, `^[A-Za-z0-9_-]+_[0-9a-f]{8}$`, id)
	})
}
