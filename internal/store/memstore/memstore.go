// Package memstore is an in-memory stand-in for the Postgres store, used in
// dev mode and tests. It follows the same transition rules.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedsync/internal/models"
	"feedsync/internal/store"
)

type entry struct {
	models.OutboxEntry
	seq int64
}

type recordRow struct {
	rec  models.FeedRecord
	hash string
}

// Store keeps every table in maps guarded by a single mutex.
type Store struct {
	mu  sync.Mutex
	seq int64
	// Now is the clock used for created/updated timestamps.
	Now func() time.Time

	outbox     map[string]*entry
	batches    map[string]models.FeedBatch
	staged     map[string][]models.FeedRecord
	validation map[string][]models.ValidationError
	records    map[string]recordRow
}

func New() *Store {
	return &Store{
		Now:        time.Now,
		outbox:     map[string]*entry{},
		batches:    map[string]models.FeedBatch{},
		staged:     map[string][]models.FeedRecord{},
		validation: map[string][]models.ValidationError{},
		records:    map[string]recordRow{},
	}
}

func (s *Store) now() time.Time { return s.Now().UTC() }

func (s *Store) Ping(context.Context) error { return nil }

// Enqueue inserts a PENDING entry.
func (s *Store) Enqueue(_ context.Context, p store.EnqueueParams) (models.OutboxEntry, error) {
	if p.JobType == "" {
		return models.OutboxEntry{}, fmt.Errorf("%w: job type required", store.ErrInvalidPayload)
	}
	if len(p.Payload) == 0 || !json.Valid(p.Payload) {
		return models.OutboxEntry{}, store.ErrInvalidPayload
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if p.AvailableAt.IsZero() {
		p.AvailableAt = now
	}
	if p.Attempt <= 0 {
		p.Attempt = 1
	}
	s.seq++
	e := &entry{
		seq: s.seq,
		OutboxEntry: models.OutboxEntry{
			ID:          uuid.New().String(),
			JobType:     p.JobType,
			Payload:     append(json.RawMessage(nil), p.Payload...),
			Status:      models.OutboxPending,
			Attempt:     p.Attempt,
			AvailableAt: p.AvailableAt.UTC(),
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	s.outbox[e.ID] = e
	return e.OutboxEntry, nil
}

// ClaimOldestPending marks up to limit due PENDING entries DISPATCHING for claimer.
func (s *Store) ClaimOldestPending(_ context.Context, limit int, now time.Time, claimer string) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*entry
	for _, e := range s.outbox {
		if e.Status == models.OutboxPending && !e.AvailableAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].seq < due[j].seq
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]models.OutboxEntry, 0, len(due))
	claimedAt := now.UTC()
	for _, e := range due {
		e.Status = models.OutboxDispatching
		e.ClaimedAt = &claimedAt
		c := claimer
		e.ClaimedBy = &c
		e.UpdatedAt = claimedAt
		out = append(out, e.OutboxEntry)
	}
	return out, nil
}

func (s *Store) transition(id, claimer string, to models.OutboxStatus, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[id]
	if !ok || e.Status != models.OutboxDispatching || e.ClaimedBy == nil || *e.ClaimedBy != claimer {
		return store.ErrNotClaimed
	}
	e.Status = to
	e.LastError = reason
	e.UpdatedAt = s.now()
	return nil
}

func (s *Store) MarkDispatched(_ context.Context, id, claimer string) error {
	return s.transition(id, claimer, models.OutboxDispatched, nil)
}

func (s *Store) MarkFailed(_ context.Context, id, claimer, reason string) error {
	return s.transition(id, claimer, models.OutboxFailed, &reason)
}

// ReclaimStale returns DISPATCHING entries claimed at or before claimedBefore to PENDING.
func (s *Store) ReclaimStale(_ context.Context, claimedBefore time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.outbox {
		if n >= limit {
			break
		}
		if e.Status != models.OutboxDispatching || e.ClaimedAt == nil || e.ClaimedAt.After(claimedBefore) {
			continue
		}
		e.Status = models.OutboxPending
		e.ClaimedAt = nil
		e.ClaimedBy = nil
		e.UpdatedAt = s.now()
		n++
	}
	return n, nil
}

func (s *Store) GetEntry(_ context.Context, id string) (models.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[id]
	if !ok {
		return models.OutboxEntry{}, fmt.Errorf("outbox entry %s: %w", id, store.ErrNotFound)
	}
	return e.OutboxEntry, nil
}

func (s *Store) CountByStatus(context.Context) (map[models.OutboxStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[models.OutboxStatus]int64{
		models.OutboxPending:     0,
		models.OutboxDispatching: 0,
		models.OutboxDispatched:  0,
		models.OutboxFailed:      0,
	}
	for _, e := range s.outbox {
		out[e.Status]++
	}
	return out, nil
}

// Entries returns a snapshot of every outbox entry in creation order.
func (s *Store) Entries() []models.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*entry, 0, len(s.outbox))
	for _, e := range s.outbox {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]models.OutboxEntry, len(all))
	for i, e := range all {
		out[i] = e.OutboxEntry
	}
	return out
}
