package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"

	"github.com/verozhao/document-ai-v2/internal/gcp"
	"github.com/verozhao/document-ai-v2/internal/models"
	"github.com/verozhao/document-ai-v2/internal/store"
)

// TextExtractor is the OCR collaborator: it turns a stored PDF into text
// and page geometry. Its implementation lives at the Document AI boundary.
type TextExtractor interface {
	Extract(ctx context.Context, gcsURI string) (*models.ExtractedText, error)
}

// Labeler produces the labeled training documents for a batch: each source
// PDF is OCR'd and written as a Document AI labeled JSON under a
// batch-scoped prefix that the dataset import consumes.
type Labeler interface {
	// LabelBatch labels the batch's documents and returns the GCS prefix
	// containing them.
	LabelBatch(ctx context.Context, batch *models.TrainingBatch) (string, error)
}

// GCSLabeler is the production Labeler.
type GCSLabeler struct {
	store     store.Store
	extractor TextExtractor
	bucket    string
	save      saveFunc
}

// saveFunc writes one labeled-document object. The production
// implementation is the conditional GCS write; tests substitute their own.
type saveFunc func(ctx context.Context, objectName, contentType string, content []byte) error

// NewGCSLabeler creates a labeler writing to the given bucket.
func NewGCSLabeler(s store.Store, extractor TextExtractor, client *storage.Client, bucket string) (*GCSLabeler, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must be provided to create a labeler")
	}
	return &GCSLabeler{
		store:     s,
		extractor: extractor,
		bucket:    bucket,
		save: func(ctx context.Context, objectName, contentType string, content []byte) error {
			return gcp.SaveToGCSAtomically(ctx, client.Bucket(bucket), objectName, contentType, content)
		},
	}, nil
}

// Labeled-document JSON in the shape the dataset import expects. Text
// anchor indices are serialized as strings.
type labeledDocument struct {
	MimeType string          `json:"mimeType"`
	Text     string          `json:"text"`
	Pages    []labeledPage   `json:"pages"`
	URI      string          `json:"uri"`
	Entities []labeledEntity `json:"entities"`
}

type labeledPage struct {
	PageNumber int               `json:"pageNumber"`
	Dimension  *labeledDimension `json:"dimension,omitempty"`
}

type labeledDimension struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type labeledEntity struct {
	Type        string     `json:"type"`
	MentionText string     `json:"mentionText"`
	Confidence  float64    `json:"confidence"`
	TextAnchor  textAnchor `json:"textAnchor"`
}

type textAnchor struct {
	TextSegments []textSegment `json:"textSegments"`
}

type textSegment struct {
	StartIndex string `json:"startIndex"`
	EndIndex   string `json:"endIndex"`
}

// LabelBatch OCRs and labels the batch's documents concurrently. Individual
// failures skip the document; the batch fails only when nothing could be
// labeled. Object writes are conditional on non-existence, so re-running
// after a crash redoes no finished work.
func (l *GCSLabeler) LabelBatch(ctx context.Context, batch *models.TrainingBatch) (string, error) {
	logCtx := slog.With("processorId", batch.ProcessorID, "batchId", batch.BatchID)
	logCtx.Info("Labeling batch documents.", "documentCount", len(batch.DocumentIDs))

	var labeled atomic.Int64
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(10)

	for _, docID := range batch.DocumentIDs {
		eg.Go(func() error {
			if err := l.labelOne(gctx, batch, docID); err != nil {
				logCtx.Warn("Skipping document that failed labeling.", "documentId", docID, "error", err)
				return nil
			}
			labeled.Add(1)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}

	if labeled.Load() == 0 {
		return "", fmt.Errorf("no documents in batch %s could be labeled", batch.BatchID)
	}
	prefix := fmt.Sprintf("gs://%s/%s", l.bucket, l.batchPrefix(batch))
	logCtx.Info("Batch labeling complete.", "labeledCount", labeled.Load(), "gcsPrefix", prefix)
	return prefix, nil
}

func (l *GCSLabeler) batchPrefix(batch *models.TrainingBatch) string {
	return fmt.Sprintf("labeled_documents/%s/", batch.BatchID)
}

func (l *GCSLabeler) labelOne(ctx context.Context, batch *models.TrainingBatch, docID string) error {
	rec, err := l.store.GetDocument(ctx, docID)
	if err != nil {
		return err
	}

	extracted, err := l.extractor.Extract(ctx, rec.SourceURI)
	if err != nil {
		return err
	}

	doc := labeledDocument{
		MimeType: "application/pdf",
		Text:     extracted.Text,
		URI:      rec.SourceURI,
		Entities: []labeledEntity{
			{
				Type:        rec.Label,
				MentionText: rec.Label,
				Confidence:  1.0,
				TextAnchor: textAnchor{
					TextSegments: []textSegment{
						{StartIndex: "0", EndIndex: strconv.Itoa(len(rec.Label))},
					},
				},
			},
		},
	}
	for _, p := range extracted.Pages {
		page := labeledPage{PageNumber: p.PageNumber}
		if p.Width > 0 || p.Height > 0 {
			page.Dimension = &labeledDimension{Width: p.Width, Height: p.Height}
		}
		doc.Pages = append(doc.Pages, page)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal labeled document: %w", err)
	}

	objectName := fmt.Sprintf("%s%s/%s.json", l.batchPrefix(batch), rec.Label, rec.DocumentID)
	if err := l.save(ctx, objectName, "application/json", payload); err != nil {
		return err
	}

	labeledURI := fmt.Sprintf("gs://%s/%s", l.bucket, objectName)
	return l.store.SetDocumentLabeled(ctx, rec.DocumentID, labeledURI)
}
