package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/verozhao/document-ai-v2/internal/models"
)

// Collections names the Firestore collections backing the store. Zero
// values fall back to the defaults.
type Collections struct {
	Configs   string
	Documents string
	Batches   string
	Counters  string
}

const (
	defaultConfigsCollection   = "training_configs"
	defaultDocumentsCollection = "processed_documents"
	defaultBatchesCollection   = "training_batches"
	defaultCountersCollection  = "training_counters"
)

// FirestoreStore implements Store on Firestore. Counter maintenance rides
// inside the same transactions that insert, consume or release documents,
// so the pending count can never drift from the committed records except
// through out-of-band mutation, which CountPending exists to observe.
type FirestoreStore struct {
	client *firestore.Client
	coll   Collections
}

// NewFirestoreStore wraps an existing Firestore client.
func NewFirestoreStore(client *firestore.Client, coll Collections) *FirestoreStore {
	if coll.Configs == "" {
		coll.Configs = defaultConfigsCollection
	}
	if coll.Documents == "" {
		coll.Documents = defaultDocumentsCollection
	}
	if coll.Batches == "" {
		coll.Batches = defaultBatchesCollection
	}
	if coll.Counters == "" {
		coll.Counters = defaultCountersCollection
	}
	return &FirestoreStore{client: client, coll: coll}
}

func (s *FirestoreStore) configs() *firestore.CollectionRef {
	return s.client.Collection(s.coll.Configs)
}

func (s *FirestoreStore) documents() *firestore.CollectionRef {
	return s.client.Collection(s.coll.Documents)
}

func (s *FirestoreStore) batches() *firestore.CollectionRef {
	return s.client.Collection(s.coll.Batches)
}

func (s *FirestoreStore) counters() *firestore.CollectionRef {
	return s.client.Collection(s.coll.Counters)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (s *FirestoreStore) GetConfig(ctx context.Context, processorID string) (*models.ProcessorConfig, error) {
	snap, err := s.configs().Doc(processorID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read config %s: %w", processorID, err)
	}
	var cfg models.ProcessorConfig
	if err := snap.DataTo(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", processorID, err)
	}
	return &cfg, nil
}

func (s *FirestoreStore) PutConfig(ctx context.Context, cfg *models.ProcessorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.UpdatedAt = time.Now().UTC()
	if _, err := s.configs().Doc(cfg.ProcessorID).Set(ctx, cfg); err != nil {
		return fmt.Errorf("failed to write config %s: %w", cfg.ProcessorID, err)
	}
	return nil
}

func (s *FirestoreStore) SetDeployedVersion(ctx context.Context, processorID, version string) error {
	_, err := s.configs().Doc(processorID).Update(ctx, []firestore.Update{
		{Path: "deployedVersion", Value: version},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to record deployed version for %s: %w", processorID, err)
	}
	return nil
}

type counterDoc struct {
	ProcessorID  string `firestore:"processorId"`
	PendingCount int64  `firestore:"pendingCount"`
}

func counterValue(snap *firestore.DocumentSnapshot, err error) (int64, error) {
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	var c counterDoc
	if err := snap.DataTo(&c); err != nil {
		return 0, err
	}
	return c.PendingCount, nil
}

func (s *FirestoreStore) InsertDocument(ctx context.Context, rec *models.DocumentRecord) (bool, int64, error) {
	var inserted bool
	var pending int64
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		inserted = false
		docRef := s.documents().Doc(rec.DocumentID)
		ctrRef := s.counters().Doc(rec.ProcessorID)

		_, getErr := tx.Get(docRef)
		if getErr == nil {
			// Redelivered event; report the current count untouched.
			current, err := counterValue(tx.Get(ctrRef))
			if err != nil {
				return err
			}
			pending = current
			return nil
		}
		if !isNotFound(getErr) {
			return getErr
		}

		current, err := counterValue(tx.Get(ctrRef))
		if err != nil {
			return err
		}
		pending = current + 1
		if err := tx.Create(docRef, rec); err != nil {
			return err
		}
		if err := tx.Set(ctrRef, counterDoc{ProcessorID: rec.ProcessorID, PendingCount: pending}); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("failed to insert document %s: %w", rec.DocumentID, err)
	}
	return inserted, pending, nil
}

func (s *FirestoreStore) GetDocument(ctx context.Context, documentID string) (*models.DocumentRecord, error) {
	snap, err := s.documents().Doc(documentID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read document %s: %w", documentID, err)
	}
	var rec models.DocumentRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", documentID, err)
	}
	return &rec, nil
}

func (s *FirestoreStore) PendingDocuments(ctx context.Context, processorID string, limit int) ([]models.DocumentRecord, error) {
	q := s.documents().
		Where("processorId", "==", processorID).
		Where("status", "==", string(models.DocumentPending)).
		Where("batchId", "==", "").
		OrderBy("createdAt", firestore.Asc).
		Limit(limit)
	return collectDocuments(q.Documents(ctx))
}

func (s *FirestoreStore) ListDocuments(ctx context.Context, processorID string, docStatus models.DocumentStatus, limit int) ([]models.DocumentRecord, error) {
	q := s.documents().Where("processorId", "==", processorID)
	if docStatus != "" {
		q = q.Where("status", "==", string(docStatus))
	}
	q = q.OrderBy("createdAt", firestore.Desc).Limit(limit)
	return collectDocuments(q.Documents(ctx))
}

func collectDocuments(it *firestore.DocumentIterator) ([]models.DocumentRecord, error) {
	var recs []models.DocumentRecord
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan documents: %w", err)
		}
		var rec models.DocumentRecord
		if err := snap.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", snap.Ref.ID, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *FirestoreStore) CountPending(ctx context.Context, processorID string) (int64, error) {
	it := s.documents().
		Where("processorId", "==", processorID).
		Where("status", "==", string(models.DocumentPending)).
		Select().
		Documents(ctx)
	var n int64
	for {
		_, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to count pending documents: %w", err)
		}
		n++
	}
	return n, nil
}

func (s *FirestoreStore) SetDocumentLabeled(ctx context.Context, documentID, labeledURI string) error {
	_, err := s.documents().Doc(documentID).Update(ctx, []firestore.Update{
		{Path: "labeledUri", Value: labeledURI},
		{Path: "labeledAt", Value: time.Now().UTC()},
	})
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to record labeled document %s: %w", documentID, err)
	}
	return nil
}

func (s *FirestoreStore) ConsumeDocuments(ctx context.Context, processorID, batchID string, documentIDs []string) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ctrRef := s.counters().Doc(processorID)
		current, err := counterValue(tx.Get(ctrRef))
		if err != nil {
			return err
		}

		type pendingWrite struct {
			ref *firestore.DocumentRef
		}
		var writes []pendingWrite
		for _, id := range documentIDs {
			ref := s.documents().Doc(id)
			snap, err := tx.Get(ref)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return err
			}
			var rec models.DocumentRecord
			if err := snap.DataTo(&rec); err != nil {
				return err
			}
			if rec.Status == models.DocumentPending && rec.BatchID == batchID {
				writes = append(writes, pendingWrite{ref: ref})
			}
		}

		for _, w := range writes {
			if err := tx.Update(w.ref, []firestore.Update{
				{Path: "status", Value: string(models.DocumentUsed)},
			}); err != nil {
				return err
			}
		}
		if len(writes) > 0 {
			remaining := current - int64(len(writes))
			if remaining < 0 {
				remaining = 0
			}
			return tx.Set(ctrRef, counterDoc{ProcessorID: processorID, PendingCount: remaining})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to consume documents for batch %s: %w", batchID, err)
	}
	return nil
}

func (s *FirestoreStore) ReleaseDocuments(ctx context.Context, processorID, batchID string, documentIDs []string) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ctrRef := s.counters().Doc(processorID)
		current, err := counterValue(tx.Get(ctrRef))
		if err != nil {
			return err
		}

		var revertRefs, unclaimRefs []*firestore.DocumentRef
		for _, id := range documentIDs {
			ref := s.documents().Doc(id)
			snap, err := tx.Get(ref)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return err
			}
			var rec models.DocumentRecord
			if err := snap.DataTo(&rec); err != nil {
				return err
			}
			if rec.BatchID != batchID {
				continue
			}
			if rec.Status == models.DocumentUsed {
				revertRefs = append(revertRefs, ref)
			} else {
				unclaimRefs = append(unclaimRefs, ref)
			}
		}

		for _, ref := range revertRefs {
			if err := tx.Update(ref, []firestore.Update{
				{Path: "status", Value: string(models.DocumentPending)},
				{Path: "batchId", Value: ""},
			}); err != nil {
				return err
			}
		}
		for _, ref := range unclaimRefs {
			if err := tx.Update(ref, []firestore.Update{
				{Path: "batchId", Value: ""},
			}); err != nil {
				return err
			}
		}
		if len(revertRefs) > 0 {
			return tx.Set(ctrRef, counterDoc{ProcessorID: processorID, PendingCount: current + int64(len(revertRefs))})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release documents for batch %s: %w", batchID, err)
	}
	return nil
}

func (s *FirestoreStore) CreateBatch(ctx context.Context, batch *models.TrainingBatch) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		active := s.batches().
			Where("processorId", "==", batch.ProcessorID).
			Where("status", "in", activeStatusStrings()).
			Limit(1)
		snaps, err := tx.Documents(active).GetAll()
		if err != nil {
			return err
		}
		if len(snaps) > 0 {
			return ErrBatchActive
		}

		// Claim the selected documents, skipping any that vanished or were
		// mutated since selection.
		var claimRefs []*firestore.DocumentRef
		for _, id := range batch.DocumentIDs {
			ref := s.documents().Doc(id)
			snap, err := tx.Get(ref)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return err
			}
			var rec models.DocumentRecord
			if err := snap.DataTo(&rec); err != nil {
				return err
			}
			if rec.Status == models.DocumentPending && rec.BatchID == "" {
				claimRefs = append(claimRefs, ref)
			}
		}

		if err := tx.Create(s.batches().Doc(batch.BatchID), batch); err != nil {
			return err
		}
		for _, ref := range claimRefs {
			if err := tx.Update(ref, []firestore.Update{
				{Path: "batchId", Value: batch.BatchID},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrBatchActive) {
			return ErrBatchActive
		}
		return fmt.Errorf("failed to create batch %s: %w", batch.BatchID, err)
	}
	return nil
}

func activeStatusStrings() []string {
	out := make([]string, len(models.ActiveBatchStatuses))
	for i, st := range models.ActiveBatchStatuses {
		out[i] = string(st)
	}
	return out
}

func trainedStatusStrings() []string {
	out := make([]string, len(models.TrainedBatchStatuses))
	for i, st := range models.TrainedBatchStatuses {
		out[i] = string(st)
	}
	return out
}

func (s *FirestoreStore) GetBatch(ctx context.Context, batchID string) (*models.TrainingBatch, error) {
	snap, err := s.batches().Doc(batchID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read batch %s: %w", batchID, err)
	}
	var batch models.TrainingBatch
	if err := snap.DataTo(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch %s: %w", batchID, err)
	}
	return &batch, nil
}

func (s *FirestoreStore) SaveBatch(ctx context.Context, batch *models.TrainingBatch) error {
	if _, err := s.batches().Doc(batch.BatchID).Set(ctx, batch); err != nil {
		return fmt.Errorf("failed to save batch %s: %w", batch.BatchID, err)
	}
	return nil
}

func (s *FirestoreStore) ActiveBatch(ctx context.Context, processorID string) (*models.TrainingBatch, error) {
	snaps, err := s.batches().
		Where("processorId", "==", processorID).
		Where("status", "in", activeStatusStrings()).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query active batch for %s: %w", processorID, err)
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	var batch models.TrainingBatch
	if err := snaps[0].DataTo(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch %s: %w", snaps[0].Ref.ID, err)
	}
	return &batch, nil
}

func (s *FirestoreStore) RecentBatches(ctx context.Context, processorID string, limit int) ([]models.TrainingBatch, error) {
	it := s.batches().
		Where("processorId", "==", processorID).
		OrderBy("startedAt", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	var batches []models.TrainingBatch
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan batches: %w", err)
		}
		var batch models.TrainingBatch
		if err := snap.DataTo(&batch); err != nil {
			return nil, fmt.Errorf("failed to decode batch %s: %w", snap.Ref.ID, err)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func (s *FirestoreStore) HasTrainedBatch(ctx context.Context, processorID string) (bool, error) {
	snaps, err := s.batches().
		Where("processorId", "==", processorID).
		Where("status", "in", trainedStatusStrings()).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return false, fmt.Errorf("failed to query trained batches for %s: %w", processorID, err)
	}
	return len(snaps) > 0, nil
}
