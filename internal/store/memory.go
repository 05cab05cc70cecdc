package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/verozhao/document-ai-v2/internal/models"
)

// MemoryStore is an in-process Store with the same transactional semantics
// as the Firestore adapter. It backs the service tests, which exercise the
// concurrency properties directly instead of going through an emulator.
type MemoryStore struct {
	mu        sync.Mutex
	configs   map[string]models.ProcessorConfig
	documents map[string]models.DocumentRecord
	batches   map[string]models.TrainingBatch
	counters  map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:   make(map[string]models.ProcessorConfig),
		documents: make(map[string]models.DocumentRecord),
		batches:   make(map[string]models.TrainingBatch),
		counters:  make(map[string]int64),
	}
}

func (s *MemoryStore) GetConfig(_ context.Context, processorID string) (*models.ProcessorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[processorID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cfg
	return &out, nil
}

func (s *MemoryStore) PutConfig(_ context.Context, cfg *models.ProcessorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cfg
	c.UpdatedAt = time.Now().UTC()
	s.configs[cfg.ProcessorID] = c
	return nil
}

func (s *MemoryStore) SetDeployedVersion(_ context.Context, processorID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[processorID]
	if !ok {
		return ErrNotFound
	}
	cfg.DeployedVersion = version
	cfg.UpdatedAt = time.Now().UTC()
	s.configs[processorID] = cfg
	return nil
}

func (s *MemoryStore) InsertDocument(_ context.Context, rec *models.DocumentRecord) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.documents[rec.DocumentID]; exists {
		return false, s.counters[rec.ProcessorID], nil
	}
	s.documents[rec.DocumentID] = *rec
	s.counters[rec.ProcessorID]++
	return true, s.counters[rec.ProcessorID], nil
}

func (s *MemoryStore) GetDocument(_ context.Context, documentID string) (*models.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.documents[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	return &out, nil
}

func (s *MemoryStore) PendingDocuments(_ context.Context, processorID string, limit int) ([]models.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []models.DocumentRecord
	for _, rec := range s.documents {
		if rec.ProcessorID == processorID && rec.Status == models.DocumentPending && rec.BatchID == "" {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].DocumentID < recs[j].DocumentID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, processorID string, docStatus models.DocumentStatus, limit int) ([]models.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []models.DocumentRecord
	for _, rec := range s.documents {
		if rec.ProcessorID != processorID {
			continue
		}
		if docStatus != "" && rec.Status != docStatus {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *MemoryStore) CountPending(_ context.Context, processorID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.documents {
		if rec.ProcessorID == processorID && rec.Status == models.DocumentPending {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SetDocumentLabeled(_ context.Context, documentID, labeledURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.documents[documentID]
	if !ok {
		return ErrNotFound
	}
	rec.LabeledURI = labeledURI
	rec.LabeledAt = time.Now().UTC()
	s.documents[documentID] = rec
	return nil
}

func (s *MemoryStore) ConsumeDocuments(_ context.Context, processorID, batchID string, documentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range documentIDs {
		rec, ok := s.documents[id]
		if !ok {
			continue
		}
		if rec.Status == models.DocumentPending && rec.BatchID == batchID {
			rec.Status = models.DocumentUsed
			s.documents[id] = rec
			if s.counters[processorID] > 0 {
				s.counters[processorID]--
			}
		}
	}
	return nil
}

func (s *MemoryStore) ReleaseDocuments(_ context.Context, processorID, batchID string, documentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range documentIDs {
		rec, ok := s.documents[id]
		if !ok || rec.BatchID != batchID {
			continue
		}
		if rec.Status == models.DocumentUsed {
			rec.Status = models.DocumentPending
			s.counters[processorID]++
		}
		rec.BatchID = ""
		s.documents[id] = rec
	}
	return nil
}

func (s *MemoryStore) CreateBatch(_ context.Context, batch *models.TrainingBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.ProcessorID == batch.ProcessorID && !b.Status.Terminal() {
			return ErrBatchActive
		}
	}
	s.batches[batch.BatchID] = *batch
	for _, id := range batch.DocumentIDs {
		rec, ok := s.documents[id]
		if !ok {
			continue
		}
		if rec.Status == models.DocumentPending && rec.BatchID == "" {
			rec.BatchID = batch.BatchID
			s.documents[id] = rec
		}
	}
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (*models.TrainingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	out := b
	return &out, nil
}

func (s *MemoryStore) SaveBatch(_ context.Context, batch *models.TrainingBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.BatchID] = *batch
	return nil
}

func (s *MemoryStore) ActiveBatch(_ context.Context, processorID string) (*models.TrainingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.ProcessorID == processorID && !b.Status.Terminal() {
			out := b
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) RecentBatches(_ context.Context, processorID string, limit int) ([]models.TrainingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batches []models.TrainingBatch
	for _, b := range s.batches {
		if b.ProcessorID == processorID {
			batches = append(batches, b)
		}
	}
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].StartedAt.After(batches[j].StartedAt)
	})
	if len(batches) > limit {
		batches = batches[:limit]
	}
	return batches, nil
}

func (s *MemoryStore) HasTrainedBatch(_ context.Context, processorID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.ProcessorID != processorID {
			continue
		}
		for _, st := range models.TrainedBatchStatuses {
			if b.Status == st {
				return true, nil
			}
		}
	}
	return false, nil
}
