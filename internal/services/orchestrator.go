package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/verozhao/document-ai-v2/internal/docai"
	"github.com/verozhao/document-ai-v2/internal/models"
	"github.com/verozhao/document-ai-v2/internal/store"
)

// OrchestratorConfig tunes the poll loop. Zero values fall back to the
// defaults.
type OrchestratorConfig struct {
	// PollInterval is the wait between status polls of a long-running
	// operation.
	PollInterval time.Duration
	// MaxPollFailures is how many consecutive transient poll errors are
	// tolerated before the current phase is marked failed.
	MaxPollFailures int
	// BackoffBase and BackoffCap bound the exponential backoff applied
	// between failed polls.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

const (
	defaultPollInterval    = 30 * time.Second
	defaultMaxPollFailures = 5
	defaultBackoffBase     = 1 * time.Second
	defaultBackoffCap      = 32 * time.Second
)

func (c *OrchestratorConfig) withDefaults() OrchestratorConfig {
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = defaultPollInterval
	}
	if out.MaxPollFailures <= 0 {
		out.MaxPollFailures = defaultMaxPollFailures
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = defaultBackoffBase
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = defaultBackoffCap
	}
	return out
}

// ErrBatchFailed is returned by StartBatch when the freshly assembled batch
// failed before its import was submitted. The batch is persisted in its
// failure status and its documents are already released; the returned batch
// carries the details.
var ErrBatchFailed = errors.New("training batch failed before import")

// Orchestrator drives one training batch through its lifecycle:
// assembling -> importing -> training -> (evaluating -> deployed) -> done,
// with import_failed / train_failed as the failure exits. Every transition
// is persisted before the next step, so an orchestrator killed mid-poll is
// resumed by Advance from the stored status and operation references
// instead of resubmitting work. The store's conditional batch creation
// keeps batches strictly sequential per processor.
type Orchestrator struct {
	store     store.Store
	gateway   docai.Gateway
	labeler   Labeler
	assembler *Assembler
	cfg       OrchestratorConfig
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(s store.Store, gateway docai.Gateway, labeler Labeler, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		store:     s,
		gateway:   gateway,
		labeler:   labeler,
		assembler: NewAssembler(s),
		cfg:       cfg.withDefaults(),
	}
}

// StartBatch assembles a new batch, labels it and submits the dataset
// import, leaving the batch persisted in importing. It does not poll; the
// periodic Advance carries the batch forward. Returns ErrNoPendingDocuments
// or store.ErrBatchActive for the expected races, and ErrBatchFailed with
// the batch when labeling or submission failed the batch before importing.
func (o *Orchestrator) StartBatch(ctx context.Context, cfg *models.ProcessorConfig, kind models.BatchKind) (*models.TrainingBatch, error) {
	batch, err := o.assembler.Assemble(ctx, cfg, kind)
	if err != nil {
		return nil, err
	}
	if err := o.beginImport(ctx, batch); err != nil {
		return nil, err
	}
	if batch.Status.Terminal() {
		return batch, ErrBatchFailed
	}
	return batch, nil
}

// Advance resumes the processor's active batch, if any, and drives it until
// it reaches a terminal status or ctx is cancelled. Cancellation is safe:
// the persisted state lets the next invocation continue where this one
// stopped.
func (o *Orchestrator) Advance(ctx context.Context, cfg *models.ProcessorConfig) error {
	batch, err := o.store.ActiveBatch(ctx, cfg.ProcessorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return o.drive(ctx, cfg, batch)
}

func (o *Orchestrator) drive(ctx context.Context, cfg *models.ProcessorConfig, batch *models.TrainingBatch) error {
	logCtx := slog.With("processorId", batch.ProcessorID, "batchId", batch.BatchID, "kind", batch.Kind)

	for !batch.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			logCtx.Info("Stopping batch orchestration; state is persisted for resume.", "status", batch.Status)
			return err
		}

		switch batch.Status {
		case models.BatchAssembling:
			// A crash before the import was submitted: labeling is
			// idempotent, so redo it and submit.
			if err := o.beginImport(ctx, batch); err != nil {
				return err
			}

		case models.BatchImporting:
			if err := o.awaitImport(ctx, logCtx, batch); err != nil {
				return err
			}

		case models.BatchTraining:
			if err := o.awaitTraining(ctx, logCtx, batch); err != nil {
				return err
			}

		case models.BatchTrained:
			if cfg.AutoDeploy {
				if err := o.transition(ctx, batch, models.BatchEvaluating); err != nil {
					return err
				}
			} else {
				logCtx.Info("Training complete; auto-deploy disabled.")
				if err := o.finish(ctx, batch); err != nil {
					return err
				}
			}

		case models.BatchEvaluating:
			if err := o.evaluateAndDeploy(ctx, logCtx, cfg, batch); err != nil {
				return err
			}

		case models.BatchDeployed:
			if err := o.finish(ctx, batch); err != nil {
				return err
			}

		default:
			return fmt.Errorf("batch %s is in unknown status %q", batch.BatchID, batch.Status)
		}
	}

	logCtx.Info("Batch orchestration finished.", "status", batch.Status)
	return nil
}

// beginImport labels the batch documents and submits the dataset import.
// Failures here fail the batch and release its documents; the next
// threshold crossing or periodic check assembles a fresh batch.
func (o *Orchestrator) beginImport(ctx context.Context, batch *models.TrainingBatch) error {
	prefix, err := o.labeler.LabelBatch(ctx, batch)
	if err != nil {
		return o.failBatch(ctx, batch, models.BatchImportFailed, fmt.Sprintf("labeling failed: %v", err))
	}

	opRef, err := o.gateway.SubmitImport(ctx, batch.ProcessorID, prefix)
	if err != nil {
		return o.failBatch(ctx, batch, models.BatchImportFailed, fmt.Sprintf("import submission failed: %v", err))
	}

	batch.ImportOperationRef = opRef
	if err := o.transition(ctx, batch, models.BatchImporting); err != nil {
		return err
	}
	slog.Info("Dataset import submitted.", "batchId", batch.BatchID, "operation", opRef)
	return nil
}

func (o *Orchestrator) awaitImport(ctx context.Context, logCtx *slog.Logger, batch *models.TrainingBatch) error {
	status, err := o.pollOperation(ctx, logCtx, batch.ImportOperationRef)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.failBatch(ctx, batch, models.BatchImportFailed, fmt.Sprintf("import polling gave up: %v", err))
	}
	if status.State == docai.StateFailed {
		return o.failBatch(ctx, batch, models.BatchImportFailed, status.Message)
	}

	// Import succeeded: the documents are in the dataset for good.
	if err := o.store.ConsumeDocuments(ctx, batch.ProcessorID, batch.BatchID, batch.DocumentIDs); err != nil {
		return err
	}
	logCtx.Info("Import succeeded; documents marked used for training.")

	displayName := fmt.Sprintf("auto-train-%s-%.8s", time.Now().UTC().Format("2006-01-02"), batch.BatchID)
	opRef, err := o.gateway.SubmitTrain(ctx, batch.ProcessorID, displayName)
	if err != nil {
		return o.failBatch(ctx, batch, models.BatchTrainFailed, fmt.Sprintf("training submission failed: %v", err))
	}
	batch.TrainOperationRef = opRef
	if err := o.transition(ctx, batch, models.BatchTraining); err != nil {
		return err
	}
	logCtx.Info("Training submitted.", "operation", opRef, "displayName", displayName)
	return nil
}

func (o *Orchestrator) awaitTraining(ctx context.Context, logCtx *slog.Logger, batch *models.TrainingBatch) error {
	status, err := o.pollOperation(ctx, logCtx, batch.TrainOperationRef)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.failBatch(ctx, batch, models.BatchTrainFailed, fmt.Sprintf("training polling gave up: %v", err))
	}
	if status.State == docai.StateFailed {
		return o.failBatch(ctx, batch, models.BatchTrainFailed, status.Message)
	}
	logCtx.Info("Training operation succeeded.")
	return o.transition(ctx, batch, models.BatchTrained)
}

func (o *Orchestrator) evaluateAndDeploy(ctx context.Context, logCtx *slog.Logger, cfg *models.ProcessorConfig, batch *models.TrainingBatch) error {
	// Resuming after a crash mid-deploy: the operation reference is
	// already persisted, just keep polling it.
	if batch.DeployOperationRef != "" {
		return o.awaitDeploy(ctx, logCtx, batch)
	}

	version, err := o.gateway.LatestTrainedVersion(ctx, batch.ProcessorID)
	if err != nil {
		// Transient lookup failure; the batch stays in evaluating and the
		// next periodic check retries.
		return fmt.Errorf("failed to evaluate trained version: %w", err)
	}
	if version == nil {
		batch.FailureReason = "no trained version found after successful training"
		logCtx.Warn("No trained version found; completing without deployment.")
		return o.finish(ctx, batch)
	}

	batch.Accuracy = version.F1
	if version.F1 < cfg.MinAccuracyForDeployment {
		logCtx.Info("Accuracy below deployment threshold; trained but not deployed.",
			"accuracy", version.F1,
			"minAccuracy", cfg.MinAccuracyForDeployment,
		)
		return o.finish(ctx, batch)
	}

	opRef, err := o.gateway.SubmitDeploy(ctx, version.Name)
	if err != nil {
		// The trained version exists either way; record the problem and
		// complete so the failed deploy can be retried operationally.
		batch.FailureReason = fmt.Sprintf("deploy submission failed: %v", err)
		logCtx.Warn("Deploy submission failed; completing without deployment.", "error", err)
		return o.finish(ctx, batch)
	}
	batch.DeployOperationRef = opRef
	batch.DeployedVersionName = version.Name
	if err := o.store.SaveBatch(ctx, batch); err != nil {
		return err
	}
	logCtx.Info("Deployment submitted.", "operation", opRef, "version", version.Name, "accuracy", version.F1)
	return o.awaitDeploy(ctx, logCtx, batch)
}

func (o *Orchestrator) awaitDeploy(ctx context.Context, logCtx *slog.Logger, batch *models.TrainingBatch) error {
	status, err := o.pollOperation(ctx, logCtx, batch.DeployOperationRef)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch.FailureReason = fmt.Sprintf("deploy polling gave up: %v", err)
		return o.finish(ctx, batch)
	}
	if status.State == docai.StateFailed {
		batch.FailureReason = status.Message
		logCtx.Warn("Deployment failed; version remains trained.", "reason", status.Message)
		return o.finish(ctx, batch)
	}

	if err := o.store.SetDeployedVersion(ctx, batch.ProcessorID, batch.DeployedVersionName); err != nil {
		return err
	}
	logCtx.Info("Version deployed.", "version", batch.DeployedVersionName)
	return o.transition(ctx, batch, models.BatchDeployed)
}

// pollOperation polls one long-running operation until it is terminal.
// Transient poll errors back off exponentially and give up after
// MaxPollFailures in a row.
func (o *Orchestrator) pollOperation(ctx context.Context, logCtx *slog.Logger, operationRef string) (*docai.OperationStatus, error) {
	failures := 0
	backoff := o.cfg.BackoffBase

	for {
		status, err := o.gateway.PollStatus(ctx, operationRef)
		if err != nil {
			failures++
			if failures >= o.cfg.MaxPollFailures {
				return nil, fmt.Errorf("operation %s: %d consecutive poll failures, last: %w", operationRef, failures, err)
			}
			logCtx.Warn("Operation poll failed, will retry.",
				"operation", operationRef,
				"attempt", failures,
				"maxFailures", o.cfg.MaxPollFailures,
				"backoff", backoff.String(),
				"error", err,
			)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
			if backoff > o.cfg.BackoffCap {
				backoff = o.cfg.BackoffCap
			}
			continue
		}

		failures = 0
		backoff = o.cfg.BackoffBase
		if status.State != docai.StatePending {
			return status, nil
		}

		logCtx.Info("Operation still running.", "operation", operationRef, "detail", status.Message)
		if err := sleepCtx(ctx, o.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition persists the new status before the caller takes its next
// step. This write-ahead discipline is what makes the machine resumable.
func (o *Orchestrator) transition(ctx context.Context, batch *models.TrainingBatch, next models.BatchStatus) error {
	batch.Status = next
	return o.store.SaveBatch(ctx, batch)
}

func (o *Orchestrator) finish(ctx context.Context, batch *models.TrainingBatch) error {
	batch.Status = models.BatchDone
	batch.CompletedAt = time.Now().UTC()
	return o.store.SaveBatch(ctx, batch)
}

// failBatch releases the batch's documents back to pending and records the
// terminal failure. Release runs first and is idempotent, so a crash
// between the two writes is healed by re-driving the still-active batch.
func (o *Orchestrator) failBatch(ctx context.Context, batch *models.TrainingBatch, status models.BatchStatus, reason string) error {
	slog.Error("Training batch failed.",
		"processorId", batch.ProcessorID,
		"batchId", batch.BatchID,
		"status", status,
		"reason", reason,
	)
	if err := o.store.ReleaseDocuments(ctx, batch.ProcessorID, batch.BatchID, batch.DocumentIDs); err != nil {
		return fmt.Errorf("failed to release documents of failed batch %s: %w", batch.BatchID, err)
	}
	batch.Status = status
	batch.FailureReason = reason
	batch.CompletedAt = time.Now().UTC()
	return o.store.SaveBatch(ctx, batch)
}
