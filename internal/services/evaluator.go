package services

import "github.com/verozhao/document-ai-v2/internal/models"

// Decision is the threshold evaluator's verdict.
type Decision string

const (
	DecisionNone             Decision = "no-op"
	DecisionStartInitial     Decision = "start-initial"
	DecisionStartIncremental Decision = "start-incremental"
)

// Evaluate maps the current pending count and training history onto a start
// decision. This is the periodic, self-healing path: it compares with >= so
// a crossing missed by the upload fast path (crash, delivery gap,
// out-of-band document deletion) is caught on the next tick. Callers must
// treat an existing non-terminal batch as an unconditional no-op before
// acting on the result.
func Evaluate(pendingCount int64, hasTrained bool, cfg *models.ProcessorConfig) Decision {
	if cfg == nil || !cfg.Enabled {
		return DecisionNone
	}
	if hasTrained {
		if pendingCount >= int64(cfg.MinDocumentsIncremental) {
			return DecisionStartIncremental
		}
		return DecisionNone
	}
	if pendingCount >= int64(cfg.MinDocumentsInitial) {
		return DecisionStartInitial
	}
	return DecisionNone
}

// Crossed is the upload fast path: it fires on exact equality at the moment
// of increment, so a monotonically increasing counter triggers each
// crossing exactly once even under concurrent ingestion. The >= fallback
// lives in Evaluate.
func Crossed(pendingCount int64, hasTrained bool, cfg *models.ProcessorConfig) (initial, incremental bool) {
	if cfg == nil || !cfg.Enabled {
		return false, false
	}
	if hasTrained {
		return false, pendingCount == int64(cfg.MinDocumentsIncremental)
	}
	return pendingCount == int64(cfg.MinDocumentsInitial), false
}

// KindForDecision maps a start decision to the batch kind it produces.
func KindForDecision(d Decision) models.BatchKind {
	if d == DecisionStartIncremental {
		return models.BatchIncremental
	}
	return models.BatchInitial
}
