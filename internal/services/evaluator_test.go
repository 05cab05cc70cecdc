package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/verozhao/document-ai-v2/internal/models"
)

func evalConfig() *models.ProcessorConfig {
	return &models.ProcessorConfig{
		ProcessorID:             "proc",
		Enabled:                 true,
		MinDocumentsInitial:     3,
		MinDocumentsIncremental: 2,
	}
}

func TestEvaluate(t *testing.T) {
	cfg := evalConfig()

	tests := []struct {
		name       string
		pending    int64
		hasTrained bool
		want       Decision
	}{
		{"below initial threshold", 2, false, DecisionNone},
		{"at initial threshold", 3, false, DecisionStartInitial},
		{"above initial threshold", 7, false, DecisionStartInitial},
		{"below incremental threshold", 1, true, DecisionNone},
		{"at incremental threshold", 2, true, DecisionStartIncremental},
		{"above incremental threshold", 5, true, DecisionStartIncremental},
		{"zero pending", 0, true, DecisionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.pending, tt.hasTrained, cfg))
		})
	}

	t.Run("disabled config never starts", func(t *testing.T) {
		disabled := evalConfig()
		disabled.Enabled = false
		assert.Equal(t, DecisionNone, Evaluate(100, false, disabled))
	})

	t.Run("nil config never starts", func(t *testing.T) {
		assert.Equal(t, DecisionNone, Evaluate(100, false, nil))
	})
}

func TestCrossed(t *testing.T) {
	cfg := evalConfig()

	t.Run("fires only on exact equality", func(t *testing.T) {
		initial, incremental := Crossed(3, false, cfg)
		assert.True(t, initial)
		assert.False(t, incremental)

		initial, _ = Crossed(4, false, cfg)
		assert.False(t, initial, "past the threshold must not re-fire")

		initial, _ = Crossed(2, false, cfg)
		assert.False(t, initial)
	})

	t.Run("incremental once trained", func(t *testing.T) {
		initial, incremental := Crossed(2, true, cfg)
		assert.False(t, initial)
		assert.True(t, incremental)

		_, incremental = Crossed(3, true, cfg)
		assert.False(t, incremental)
	})
}

func TestKindForDecision(t *testing.T) {
	assert.Equal(t, models.BatchInitial, KindForDecision(DecisionStartInitial))
	assert.Equal(t, models.BatchIncremental, KindForDecision(DecisionStartIncremental))
}
