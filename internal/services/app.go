package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"cloud.google.com/go/storage"

	"github.com/verozhao/document-ai-v2/internal/docai"
	"github.com/verozhao/document-ai-v2/internal/gcp"
	"github.com/verozhao/document-ai-v2/internal/store"
)

// AppConfig holds the deployment-level settings shared by the function
// entrypoints, loaded from the environment.
type AppConfig struct {
	ProjectID          string
	Location           string
	DefaultProcessorID string
	OCRProcessorID     string
	TrainingBucket     string
	PollInterval       time.Duration
}

// App wires the store, gateway and services for the function entrypoints.
type App struct {
	Config       AppConfig
	Store        store.Store
	Intake       *Intake
	Orchestrator *Orchestrator
	Monitor      *Monitor
}

func loadAppConfig() (*AppConfig, error) {
	projectID := gcp.GetEnv("GCP_PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT_ID environment variable must be set")
	}
	bucket := gcp.GetEnv("GCS_BUCKET_NAME", "")
	if bucket == "" {
		return nil, fmt.Errorf("GCS_BUCKET_NAME environment variable must be set")
	}
	ocrProcessorID := gcp.GetEnv("OCR_PROCESSOR_ID", "")
	if ocrProcessorID == "" {
		return nil, fmt.Errorf("OCR_PROCESSOR_ID environment variable must be set")
	}

	pollSeconds, err := strconv.Atoi(gcp.GetEnv("POLL_INTERVAL_SECONDS", "30"))
	if err != nil || pollSeconds < 1 {
		return nil, fmt.Errorf("POLL_INTERVAL_SECONDS must be a positive integer")
	}

	return &AppConfig{
		ProjectID:          projectID,
		Location:           gcp.GetEnv("DOCUMENT_AI_LOCATION", "us"),
		DefaultProcessorID: gcp.GetEnv("DOCUMENT_AI_PROCESSOR_ID", ""),
		OCRProcessorID:     ocrProcessorID,
		TrainingBucket:     bucket,
		PollInterval:       time.Duration(pollSeconds) * time.Second,
	}, nil
}

// NewApp builds the full service graph from the environment.
func NewApp(ctx context.Context) (*App, error) {
	config, err := loadAppConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, err
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	docaiClient, err := docai.NewClient(ctx, config.ProjectID, config.Location)
	if err != nil {
		return nil, err
	}
	extractor, err := docai.NewOCRExtractor(docaiClient, config.OCRProcessorID)
	if err != nil {
		return nil, err
	}

	metadataStore := store.NewFirestoreStore(firestoreClient, store.Collections{
		Configs:   gcp.GetEnv("CONFIGS_COLLECTION", ""),
		Documents: gcp.GetEnv("DOCUMENTS_COLLECTION", ""),
		Batches:   gcp.GetEnv("BATCHES_COLLECTION", ""),
		Counters:  gcp.GetEnv("COUNTERS_COLLECTION", ""),
	})

	labeler, err := NewGCSLabeler(metadataStore, extractor, storageClient, config.TrainingBucket)
	if err != nil {
		return nil, err
	}

	orch := NewOrchestrator(metadataStore, docaiClient, labeler, OrchestratorConfig{
		PollInterval: config.PollInterval,
	})

	app := &App{
		Config:       *config,
		Store:        metadataStore,
		Intake:       NewIntake(metadataStore, NewGCSPDFValidator(storageClient)),
		Orchestrator: orch,
		Monitor:      NewMonitor(metadataStore, orch),
	}
	slog.Info("Training pipeline initialized.",
		"projectId", config.ProjectID,
		"location", config.Location,
		"bucket", config.TrainingBucket,
	)
	return app, nil
}
