package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"feedsync/internal/models"
	"feedsync/internal/store"
)

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Enqueue(ctx, store.EnqueueParams{JobType: "x", Payload: json.RawMessage(`{not json`)}); !errors.Is(err, store.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if _, err := s.Enqueue(ctx, store.EnqueueParams{Payload: json.RawMessage(`{}`)}); !errors.Is(err, store.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for empty job type, got %v", err)
	}
}

func TestClaimOrderAndAvailability(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	first, _ := s.Enqueue(ctx, store.EnqueueParams{JobType: "a", Payload: json.RawMessage(`1`)})
	_, _ = s.Enqueue(ctx, store.EnqueueParams{JobType: "later", Payload: json.RawMessage(`2`), AvailableAt: now.Add(time.Hour)})
	third, _ := s.Enqueue(ctx, store.EnqueueParams{JobType: "c", Payload: json.RawMessage(`3`)})

	got, err := s.ClaimOldestPending(ctx, 10, now.Add(time.Second), "d1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != third.ID {
		t.Fatalf("unexpected claim result %+v", got)
	}
	for _, e := range got {
		if e.Status != models.OutboxDispatching || *e.ClaimedBy != "d1" {
			t.Fatalf("entry not marked dispatching: %+v", e)
		}
	}
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		_, _ = s.Enqueue(ctx, store.EnqueueParams{JobType: "j", Payload: json.RawMessage(`{}`)})
	}
	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(claimer string) {
			defer wg.Done()
			for {
				batch, _ := s.ClaimOldestPending(ctx, 3, time.Now().Add(time.Second), claimer)
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					if seen[e.ID] {
						t.Errorf("entry %s claimed twice", e.ID)
					}
					seen[e.ID] = true
				}
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()
	if len(seen) != 100 {
		t.Fatalf("expected 100 claimed, got %d", len(seen))
	}
}

func TestGuardedTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()
	e, _ := s.Enqueue(ctx, store.EnqueueParams{JobType: "j", Payload: json.RawMessage(`{}`)})

	if err := s.MarkDispatched(ctx, e.ID, "d1"); !errors.Is(err, store.ErrNotClaimed) {
		t.Fatalf("PENDING entry must not be dispatched directly, got %v", err)
	}
	_, _ = s.ClaimOldestPending(ctx, 1, time.Now().Add(time.Second), "d1")
	if err := s.MarkFailed(ctx, e.ID, "d2", "nope"); !errors.Is(err, store.ErrNotClaimed) {
		t.Fatalf("foreign claimer must be rejected, got %v", err)
	}
	if err := s.MarkDispatched(ctx, e.ID, "d1"); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	if err := s.MarkFailed(ctx, e.ID, "d1", "late"); !errors.Is(err, store.ErrNotClaimed) {
		t.Fatalf("terminal entry must not transition again, got %v", err)
	}
}

func TestReclaimStale(t *testing.T) {
	s := New()
	ctx := context.Background()
	e, _ := s.Enqueue(ctx, store.EnqueueParams{JobType: "j", Payload: json.RawMessage(`{}`)})
	claimTime := time.Now().Add(time.Second)
	_, _ = s.ClaimOldestPending(ctx, 1, claimTime, "crashed")

	n, _ := s.ReclaimStale(ctx, claimTime.Add(-time.Second), 10)
	if n != 0 {
		t.Fatalf("fresh claim must not be reclaimed")
	}
	n, _ = s.ReclaimStale(ctx, claimTime, 10)
	if n != 1 {
		t.Fatalf("expected one reclaimed entry, got %d", n)
	}
	again, _ := s.ClaimOldestPending(ctx, 1, claimTime, "healthy")
	if len(again) != 1 || again[0].ID != e.ID {
		t.Fatalf("reclaimed entry should be claimable, got %+v", again)
	}
}

func TestUpsertRecordTracksHash(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := models.FeedRecord{FeedType: models.FeedCode, NaturalKey: "G:1", Attributes: map[string]string{"codeName": "One"}}

	ins, _ := s.UpsertRecord(ctx, "b1", rec)
	if !ins {
		t.Fatalf("first upsert should insert")
	}
	ins, _ = s.UpsertRecord(ctx, "b2", rec)
	if ins {
		t.Fatalf("second upsert should not insert")
	}
	recs, _ := s.ListRecords(ctx, models.FeedCode)
	if recs[0].SourceBatchID != "b1" {
		t.Fatalf("unchanged record must not be rewritten, source=%s", recs[0].SourceBatchID)
	}
	rec.Attributes = map[string]string{"codeName": "Uno"}
	_, _ = s.UpsertRecord(ctx, "b3", rec)
	recs, _ = s.ListRecords(ctx, models.FeedCode)
	if recs[0].SourceBatchID != "b3" || recs[0].Attributes["codeName"] != "Uno" {
		t.Fatalf("changed record should be rewritten: %+v", recs[0])
	}
}
