package services

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/verozhao/document-ai-v2/internal/models"
	"github.com/verozhao/document-ai-v2/internal/store"
)

// Validator checks that an uploaded object is a usable document before it
// is recorded and counted. A nil Validator disables the check.
type Validator interface {
	Validate(ctx context.Context, sourceURI string) error
}

// Intake consumes labeled-document upload events: it records each document
// once, counts it toward the processor's pending total, and reports whether
// that count just crossed a training threshold. Upload notifications may
// arrive out of order and more than once; the deterministic document ID
// plus the store's insert-or-ignore transaction absorb redelivery.
type Intake struct {
	store     store.Store
	validator Validator
}

// NewIntake creates an Intake. validator may be nil.
func NewIntake(s store.Store, validator Validator) *Intake {
	return &Intake{store: s, validator: validator}
}

// Process handles one upload event. Expected conditions (missing or
// disabled config, unknown label, duplicate delivery, unreadable PDF) are
// absorbed and reported in the result, never returned as errors: this path
// is designed to be re-invoked freely.
func (in *Intake) Process(ctx context.Context, ev *models.IntakeEvent) (*models.IntakeResult, error) {
	logCtx := slog.With("processorId", ev.ProcessorID, "sourceUri", ev.SourceURI)

	cfg, err := in.store.GetConfig(ctx, ev.ProcessorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logCtx.Info("Dropping event: no training config for processor.")
			return &models.IntakeResult{Status: models.IntakeDropped}, nil
		}
		return nil, err
	}
	if !cfg.Enabled {
		logCtx.Info("Dropping event: training disabled for processor.")
		return &models.IntakeResult{Status: models.IntakeDropped}, nil
	}
	if !cfg.AllowsType(ev.Label) {
		logCtx.Info("Dropping event: label not in configured document types.", "label", ev.Label)
		return &models.IntakeResult{Status: models.IntakeDropped}, nil
	}

	if in.validator != nil {
		if err := in.validator.Validate(ctx, ev.SourceURI); err != nil {
			logCtx.Warn("Dropping event: upload failed validation.", "error", err)
			return &models.IntakeResult{Status: models.IntakeDropped}, nil
		}
	}

	rec := &models.DocumentRecord{
		DocumentID:  DocumentID(ev.SourceURI),
		SourceURI:   ev.SourceURI,
		Label:       ev.Label,
		ProcessorID: ev.ProcessorID,
		Status:      models.DocumentPending,
		CreatedAt:   time.Now().UTC(),
	}

	inserted, pending, err := in.store.InsertDocument(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		logCtx.Info("Duplicate delivery; document already recorded.", "documentId", rec.DocumentID)
		return &models.IntakeResult{
			Status:       models.IntakeDuplicate,
			DocumentID:   rec.DocumentID,
			PendingCount: pending,
		}, nil
	}

	hasTrained, err := in.store.HasTrainedBatch(ctx, ev.ProcessorID)
	if err != nil {
		// The document is recorded and counted; the periodic check will
		// pick up the crossing if this lookup failed.
		logCtx.Warn("Recorded document but could not evaluate thresholds.", "error", err)
		return &models.IntakeResult{
			Status:       models.IntakeRecorded,
			DocumentID:   rec.DocumentID,
			PendingCount: pending,
		}, nil
	}

	initial, incremental := Crossed(pending, hasTrained, cfg)
	logCtx.Info("Recorded document.",
		"documentId", rec.DocumentID,
		"pendingCount", pending,
		"crossedInitial", initial,
		"crossedIncremental", incremental,
	)
	return &models.IntakeResult{
		Status:             models.IntakeRecorded,
		DocumentID:         rec.DocumentID,
		PendingCount:       pending,
		CrossedInitial:     initial,
		CrossedIncremental: incremental,
	}, nil
}

// DocumentID derives the deterministic record ID for a source URI: the
// sanitised basename for readability plus an md5 suffix of the full object
// path for uniqueness. Redelivered events for the same object always map to
// the same ID.
func DocumentID(sourceURI string) string {
	objectPath := strings.TrimPrefix(sourceURI, "gs://")
	if i := strings.Index(objectPath, "/"); i >= 0 && strings.HasPrefix(sourceURI, "gs://") {
		objectPath = objectPath[i+1:]
	}

	base := path.Base(objectPath)
	base = strings.TrimSuffix(base, path.Ext(base))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	safe := b.String()
	if len(safe) > 40 {
		safe = safe[:40]
	}

	sum := md5.Sum([]byte(objectPath))
	return fmt.Sprintf("%s_%s", safe, hex.EncodeToString(sum[:])[:8])
}
