package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"feedsync/internal/models"
	"feedsync/internal/store"
)

func recordKey(ft models.FeedType, key string) string { return string(ft) + "\x00" + key }

func (s *Store) CreateBatch(_ context.Context, b models.FeedBatch) (models.FeedBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.ReceivedAt.IsZero() {
		b.ReceivedAt = s.now()
	}
	if b.Status == "" {
		b.Status = models.BatchReceived
	}
	s.batches[b.ID] = b
	return b, nil
}

func (s *Store) SetBatchStatus(_ context.Context, id string, status models.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, store.ErrNotFound)
	}
	b.Status = status
	s.batches[id] = b
	return nil
}

func (s *Store) CompleteBatch(_ context.Context, id string, res models.IngestResult) error {
	return s.finish(id, models.BatchCompleted, res, nil)
}

func (s *Store) FailBatch(_ context.Context, id string, res models.IngestResult, reason string) error {
	return s.finish(id, models.BatchFailed, res, &reason)
}

func (s *Store) finish(id string, status models.BatchStatus, res models.IngestResult, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, store.ErrNotFound)
	}
	now := s.now()
	b.Status = status
	b.TotalRecords = res.TotalRecords
	b.InsertedRecords = res.InsertedRecords
	b.UpdatedRecords = res.UpdatedRecords
	b.FailedRecords = res.FailedRecords
	b.CompletedAt = &now
	b.ErrorMessage = reason
	s.batches[id] = b
	return nil
}

func (s *Store) GetBatch(_ context.Context, id string) (models.FeedBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return models.FeedBatch{}, fmt.Errorf("batch %s: %w", id, store.ErrNotFound)
	}
	return b, nil
}

func (s *Store) FindCompletedBatch(_ context.Context, outboxID string) (models.FeedBatch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.Status == models.BatchCompleted && b.OutboxID != nil && *b.OutboxID == outboxID {
			return b, true, nil
		}
	}
	return models.FeedBatch{}, false, nil
}

// Batches returns every batch ordered by receive time.
func (s *Store) Batches() []models.FeedBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.FeedBatch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func (s *Store) StageBatch(_ context.Context, batchID string, records []models.FeedRecord, verrs []models.ValidationError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; !ok {
		return fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
	}
	s.staged[batchID] = append(s.staged[batchID], records...)
	s.validation[batchID] = append(s.validation[batchID], verrs...)
	return nil
}

// StagedRecords returns what StageBatch persisted for a batch.
func (s *Store) StagedRecords(batchID string) []models.FeedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FeedRecord(nil), s.staged[batchID]...)
}

func (s *Store) ListValidationErrors(_ context.Context, batchID string) ([]models.ValidationError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.ValidationError(nil), s.validation[batchID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out, nil
}

func (s *Store) UpsertRecord(_ context.Context, batchID string, rec models.FeedRecord) (bool, error) {
	hash, err := rec.AttributesHash()
	if err != nil {
		return false, fmt.Errorf("hash attributes: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(rec.FeedType, rec.NaturalKey)
	existing, found := s.records[k]
	if found && existing.hash == hash {
		return false, nil
	}
	stored := models.FeedRecord{
		FeedType:      rec.FeedType,
		NaturalKey:    rec.NaturalKey,
		Attributes:    copyAttrs(rec.Attributes),
		SourceBatchID: batchID,
		UpdatedAt:     s.now(),
	}
	s.records[k] = recordRow{rec: stored, hash: hash}
	return !found, nil
}

func (s *Store) ListRecords(_ context.Context, feedType models.FeedType) ([]models.FeedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FeedRecord
	for _, row := range s.records {
		if row.rec.FeedType == feedType {
			r := row.rec
			r.Attributes = copyAttrs(r.Attributes)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NaturalKey < out[j].NaturalKey })
	return out, nil
}

func copyAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
