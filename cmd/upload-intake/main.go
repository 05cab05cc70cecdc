package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/verozhao/document-ai-v2/internal/models"
	"github.com/verozhao/document-ai-v2/internal/services"
	"github.com/verozhao/document-ai-v2/internal/store"
)

var (
	appInstance *services.App
	once        sync.Once
	initErr     error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the CloudEvent function. The framework routes GCS
	// object-finalized events here.
	functions.CloudEvent("HandleDocumentUpload", handleDocumentUpload)
}

// main is required by the Go Functions Framework.
func main() {}

// GCSEvent is the storage notification payload we care about.
type GCSEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

const documentsPrefix = "documents/"

// handleDocumentUpload records one uploaded document and, when its arrival
// crosses a training threshold, kicks off a batch. The long-running phases
// are left to the training-monitor function; this path stays fast.
func handleDocumentUpload(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		appInstance, initErr = services.NewApp(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	logCtx := slog.With("gcsBucket", gcsEvent.Bucket, "gcsObject", gcsEvent.Name)

	if !strings.HasPrefix(gcsEvent.Name, documentsPrefix) || !strings.HasSuffix(gcsEvent.Name, ".pdf") {
		logCtx.Info("Skipping non-document object.")
		return nil
	}

	processorID := appInstance.Config.DefaultProcessorID
	if processorID == "" {
		logCtx.Error("DOCUMENT_AI_PROCESSOR_ID is not set; dropping event.")
		return nil
	}

	event := &models.IntakeEvent{
		ProcessorID: processorID,
		SourceURI:   fmt.Sprintf("gs://%s/%s", gcsEvent.Bucket, gcsEvent.Name),
		Label:       documentTypeFromPath(gcsEvent.Name),
	}

	result, err := appInstance.Intake.Process(ctx, event)
	if err != nil {
		logCtx.Error("Failed to record upload.", "error", err)
		return err
	}
	if !result.CrossedInitial && !result.CrossedIncremental {
		return nil
	}

	kind := models.BatchInitial
	if result.CrossedIncremental {
		kind = models.BatchIncremental
	}
	cfg, err := appInstance.Store.GetConfig(ctx, processorID)
	if err != nil {
		logCtx.Error("Threshold crossed but config read failed; periodic check will retry.", "error", err)
		return nil
	}

	batch, err := appInstance.Orchestrator.StartBatch(ctx, cfg, kind)
	if err != nil {
		if errors.Is(err, store.ErrBatchActive) || errors.Is(err, services.ErrNoPendingDocuments) {
			logCtx.Info("Batch already handled elsewhere.", "reason", err)
			return nil
		}
		if errors.Is(err, services.ErrBatchFailed) {
			logCtx.Error("Training batch failed before import; documents released for the next attempt.",
				"batchId", batch.BatchID, "reason", batch.FailureReason)
			return nil
		}
		// The crossing is durable in the pending count; the periodic
		// check will start the batch instead.
		logCtx.Error("Failed to start batch; periodic check will retry.", "error", err)
		return nil
	}
	logCtx.Info("Training batch started.", "batchId", batch.BatchID, "kind", kind)
	return nil
}

// documentTypeFromPath derives the label from the upload's subfolder:
// documents/TYPE/file.pdf -> TYPE (upper-cased, spaces collapsed). Files
// directly under documents/ fall back to OTHER.
func documentTypeFromPath(objectName string) string {
	parts := strings.Split(objectName, "/")
	if len(parts) >= 3 && parts[1] != "" {
		return strings.ToUpper(strings.ReplaceAll(parts[1], " ", "_"))
	}
	return "OTHER"
}
