package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verozhao/document-ai-v2/internal/models"
	"github.com/verozhao/document-ai-v2/internal/store"
)

type fakeExtractor struct {
	mu       sync.Mutex
	failURIs map[string]bool
}

func (e *fakeExtractor) Extract(_ context.Context, gcsURI string) (*models.ExtractedText, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failURIs[gcsURI] {
		return nil, errors.New("ocr backend timeout")
	}
	return &models.ExtractedText{
		Text:  "extracted text",
		Pages: []models.ExtractedPage{{PageNumber: 1, Width: 612, Height: 792}},
	}, nil
}

type objectRecorder struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newObjectRecorder() *objectRecorder {
	return &objectRecorder{objects: make(map[string][]byte)}
}

func (r *objectRecorder) save(_ context.Context, objectName, contentType string, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if contentType != "application/json" {
		return errors.New("unexpected content type " + contentType)
	}
	r.objects[objectName] = content
	return nil
}

func (r *objectRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name := range r.objects {
		out = append(out, name)
	}
	return out
}

func newTestLabeler(s store.Store, extractor TextExtractor, rec *objectRecorder) *GCSLabeler {
	return &GCSLabeler{
		store:     s,
		extractor: extractor,
		bucket:    "test-bucket",
		save:      rec.save,
	}
}

func TestGCSLabeler_LabelsBatchDocuments(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	intakeConfig(t, s, nil)
	ids := seedPending(t, s, "proc", 2)

	recorder := newObjectRecorder()
	l := newTestLabeler(s, &fakeExtractor{}, recorder)

	batch := &models.TrainingBatch{BatchID: "batch-1", ProcessorID: "proc", DocumentIDs: ids}
	prefix, err := l.LabelBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/labeled_documents/batch-1/", prefix)

	assert.ElementsMatch(t, []string{
		"labeled_documents/batch-1/INVOICE/doc-000.json",
		"labeled_documents/batch-1/INVOICE/doc-001.json",
	}, recorder.names())

	var doc struct {
		MimeType string `json:"mimeType"`
		Text     string `json:"text"`
		Entities []struct {
			Type       string `json:"type"`
			TextAnchor struct {
				TextSegments []struct {
					StartIndex string `json:"startIndex"`
					EndIndex   string `json:"endIndex"`
				} `json:"textSegments"`
			} `json:"textAnchor"`
		} `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(recorder.objects["labeled_documents/batch-1/INVOICE/doc-000.json"], &doc))
	assert.Equal(t, "application/pdf", doc.MimeType)
	assert.Equal(t, "extracted text", doc.Text)
	require.Len(t, doc.Entities, 1)
	assert.Equal(t, "INVOICE", doc.Entities[0].Type)
	require.Len(t, doc.Entities[0].TextAnchor.TextSegments, 1)
	assert.Equal(t, "0", doc.Entities[0].TextAnchor.TextSegments[0].StartIndex)
	assert.Equal(t, "7", doc.Entities[0].TextAnchor.TextSegments[0].EndIndex)

	for _, id := range ids {
		rec, err := s.GetDocument(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "gs://test-bucket/labeled_documents/batch-1/INVOICE/"+id+".json", rec.LabeledURI)
		assert.False(t, rec.LabeledAt.IsZero())
	}
}

func TestGCSLabeler_SkipsDocumentsThatFailExtraction(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	intakeConfig(t, s, nil)
	ids := seedPending(t, s, "proc", 3)

	failing, err := s.GetDocument(ctx, ids[1])
	require.NoError(t, err)
	recorder := newObjectRecorder()
	l := newTestLabeler(s, &fakeExtractor{failURIs: map[string]bool{failing.SourceURI: true}}, recorder)

	batch := &models.TrainingBatch{BatchID: "batch-2", ProcessorID: "proc", DocumentIDs: ids}
	prefix, err := l.LabelBatch(ctx, batch)
	require.NoError(t, err, "one failed extraction must not fail the batch")
	assert.Equal(t, "gs://test-bucket/labeled_documents/batch-2/", prefix)

	assert.ElementsMatch(t, []string{
		"labeled_documents/batch-2/INVOICE/doc-000.json",
		"labeled_documents/batch-2/INVOICE/doc-002.json",
	}, recorder.names())

	skipped, err := s.GetDocument(ctx, ids[1])
	require.NoError(t, err)
	assert.Empty(t, skipped.LabeledURI)
}

func TestGCSLabeler_FailsWhenNothingCouldBeLabeled(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	intakeConfig(t, s, nil)
	ids := seedPending(t, s, "proc", 2)

	failAll := make(map[string]bool)
	for _, id := range ids {
		rec, err := s.GetDocument(ctx, id)
		require.NoError(t, err)
		failAll[rec.SourceURI] = true
	}

	recorder := newObjectRecorder()
	l := newTestLabeler(s, &fakeExtractor{failURIs: failAll}, recorder)

	batch := &models.TrainingBatch{BatchID: "batch-3", ProcessorID: "proc", DocumentIDs: ids}
	_, err := l.LabelBatch(ctx, batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could be labeled")
	assert.Empty(t, recorder.names())
}
