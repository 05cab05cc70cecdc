package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/verozhao/document-ai-v2/internal/models"
	"github.com/verozhao/document-ai-v2/internal/store"
)

// Monitor is the periodic, self-healing entry into orchestration. Each
// check resumes the processor's in-flight batch if one exists, otherwise
// re-evaluates the thresholds against a live recount. It is a no-op almost
// always, and that is the point: crossings missed by the upload fast path
// (crashes, delivery gaps, out-of-band deletions) are caught here.
type Monitor struct {
	store store.Store
	orch  *Orchestrator
}

// NewMonitor creates a Monitor.
func NewMonitor(s store.Store, orch *Orchestrator) *Monitor {
	return &Monitor{store: s, orch: orch}
}

// Check runs one periodic evaluation for the processor.
func (m *Monitor) Check(ctx context.Context, processorID string) (*models.TrainingCheckResponse, error) {
	logCtx := slog.With("processorId", processorID)
	resp := &models.TrainingCheckResponse{ProcessorID: processorID}

	cfg, err := m.store.GetConfig(ctx, processorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logCtx.Info("No training config; nothing to check.")
			resp.Status = "no_config"
			return resp, nil
		}
		return nil, err
	}
	if !cfg.Enabled {
		resp.Status = "disabled"
		return resp, nil
	}

	// An in-flight batch takes priority over starting anything new.
	if active, err := m.store.ActiveBatch(ctx, processorID); err == nil {
		logCtx.Info("Resuming active batch.", "batchId", active.BatchID, "status", active.Status)
		if err := m.orch.Advance(ctx, cfg); err != nil {
			return nil, err
		}
		resp.Status = "resumed"
		resp.BatchID = active.BatchID
		if final, err := m.store.GetBatch(ctx, active.BatchID); err == nil {
			resp.BatchStatus = string(final.Status)
		}
		return resp, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	pending, err := m.store.CountPending(ctx, processorID)
	if err != nil {
		return nil, err
	}
	resp.PendingCount = pending

	hasTrained, err := m.store.HasTrainedBatch(ctx, processorID)
	if err != nil {
		return nil, err
	}

	decision := Evaluate(pending, hasTrained, cfg)
	resp.Decision = string(decision)
	if decision == DecisionNone {
		resp.Status = "no_op"
		return resp, nil
	}

	logCtx.Info("Threshold met on periodic check; starting batch.",
		"decision", decision,
		"pendingCount", pending,
	)
	batch, err := m.orch.StartBatch(ctx, cfg, KindForDecision(decision))
	if err != nil {
		if errors.Is(err, ErrNoPendingDocuments) || errors.Is(err, store.ErrBatchActive) {
			// Lost a race with a concurrent evaluation; that evaluation
			// owns the batch now.
			logCtx.Info("Batch start lost a race; nothing to do.", "reason", err)
			resp.Status = "no_op"
			return resp, nil
		}
		if errors.Is(err, ErrBatchFailed) {
			resp.Status = "failed"
			resp.BatchID = batch.BatchID
			resp.BatchStatus = string(batch.Status)
			return resp, nil
		}
		return nil, err
	}

	resp.Status = "started"
	resp.BatchID = batch.BatchID
	if err := m.orch.Advance(ctx, cfg); err != nil {
		return nil, err
	}
	if final, err := m.store.GetBatch(ctx, batch.BatchID); err == nil {
		resp.BatchStatus = string(final.Status)
	}
	return resp, nil
}
