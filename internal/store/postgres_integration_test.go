//go:build integration

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"feedsync/internal/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("feedsync"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	s, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestIntegrationClaimExclusive(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	const total = 60
	for i := 0; i < total; i++ {
		if _, err := s.Enqueue(ctx, EnqueueParams{JobType: "feed.ingest", Payload: json.RawMessage(`{"n":1}`)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[string]string{}
	var wg sync.WaitGroup
	for _, claimer := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(claimer string) {
			defer wg.Done()
			for {
				entries, err := s.ClaimOldestPending(ctx, 7, time.Now().Add(time.Second), claimer)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(entries) == 0 {
					return
				}
				mu.Lock()
				for _, e := range entries {
					if prev, dup := seen[e.ID]; dup {
						t.Errorf("entry %s claimed by %s and %s", e.ID, prev, claimer)
					}
					seen[e.ID] = claimer
				}
				mu.Unlock()
			}
		}(claimer)
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d claimed entries, got %d", total, len(seen))
	}
}

func TestIntegrationGuardedTransitionsAndReclaim(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	entry, err := s.Enqueue(ctx, EnqueueParams{JobType: "feed.ingest", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimOldestPending(ctx, 10, time.Now().Add(time.Second), "one")
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v %d", err, len(claimed))
	}
	if err := s.MarkDispatched(ctx, entry.ID, "two"); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed for foreign claimer, got %v", err)
	}

	n, err := s.ReclaimStale(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || n != 1 {
		t.Fatalf("reclaim: %v %d", err, n)
	}
	again, err := s.ClaimOldestPending(ctx, 10, time.Now().Add(time.Second), "two")
	if err != nil || len(again) != 1 {
		t.Fatalf("reclaimed entry should be claimable: %v %d", err, len(again))
	}
	if err := s.MarkDispatched(ctx, entry.ID, "two"); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	got, err := s.GetEntry(ctx, entry.ID)
	if err != nil || got.Status != models.OutboxDispatched {
		t.Fatalf("expected DISPATCHED, got %+v %v", got, err)
	}
}

func TestIntegrationUpsertRecord(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	batch, err := s.CreateBatch(ctx, models.FeedBatch{FeedType: models.FeedOrganization, SourceName: "hr"})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	rec := models.FeedRecord{FeedType: models.FeedOrganization, NaturalKey: "HQ", Attributes: map[string]string{"organizationName": "Head Office"}}

	inserted, err := s.UpsertRecord(ctx, batch.ID, rec)
	if err != nil || !inserted {
		t.Fatalf("first upsert should insert: %v %v", inserted, err)
	}
	inserted, err = s.UpsertRecord(ctx, batch.ID, rec)
	if err != nil || inserted {
		t.Fatalf("unchanged upsert should not insert: %v %v", inserted, err)
	}
	rec.Attributes["organizationName"] = "Headquarters"
	inserted, err = s.UpsertRecord(ctx, batch.ID, rec)
	if err != nil || inserted {
		t.Fatalf("changed upsert should update: %v %v", inserted, err)
	}
	records, err := s.ListRecords(ctx, models.FeedOrganization)
	if err != nil || len(records) != 1 || records[0].Attributes["organizationName"] != "Headquarters" {
		t.Fatalf("unexpected records %+v %v", records, err)
	}
}

func TestIntegrationStageLargeBatch(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	batch, err := s.CreateBatch(ctx, models.FeedBatch{FeedType: models.FeedEmployee, SourceName: "hr"})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	const valid, invalid = 20000, 12000
	records := make([]models.FeedRecord, 0, valid)
	for i := 0; i < valid; i++ {
		records = append(records, models.FeedRecord{
			FeedType:   models.FeedEmployee,
			NaturalKey: fmt.Sprintf("E%05d", i),
			LineNumber: i + 1,
			Attributes: map[string]string{"name": "emp"},
		})
	}
	verrs := make([]models.ValidationError, 0, invalid)
	for i := 0; i < invalid; i++ {
		verrs = append(verrs, models.ValidationError{
			LineNumber:   valid + i + 1,
			ErrorCode:    models.ErrCodeMissingField,
			ErrorMessage: "employeeNumber is required",
			RawPayload:   `{"name":"emp"}`,
		})
	}
	if err := s.StageBatch(ctx, batch.ID, records, verrs); err != nil {
		t.Fatalf("stage: %v", err)
	}

	var staged int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM feed_staged_records WHERE batch_id = $1`, batch.ID).Scan(&staged); err != nil {
		t.Fatalf("count staged: %v", err)
	}
	if staged != valid {
		t.Fatalf("expected %d staged rows, got %d", valid, staged)
	}
	got, err := s.ListValidationErrors(ctx, batch.ID)
	if err != nil {
		t.Fatalf("list validation errors: %v", err)
	}
	if len(got) != invalid || got[0].NaturalKey != "" || got[0].LineNumber != valid+1 {
		t.Fatalf("unexpected validation errors: %d first=%+v", len(got), got[0])
	}
}

func TestIntegrationNonUUIDIdsAreNotFound(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if _, err := s.GetEntry(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetEntry: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetBatch(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetBatch: expected ErrNotFound, got %v", err)
	}
	if _, found, err := s.FindCompletedBatch(ctx, "not-a-uuid"); err != nil || found {
		t.Fatalf("FindCompletedBatch: %v %v", found, err)
	}
	foreign := "msg-42"
	batch, err := s.CreateBatch(ctx, models.FeedBatch{OutboxID: &foreign, FeedType: models.FeedCode, SourceName: "ref"})
	if err != nil {
		t.Fatalf("create batch with foreign outbox id: %v", err)
	}
	stored, err := s.GetBatch(ctx, batch.ID)
	if err != nil || stored.OutboxID != nil {
		t.Fatalf("expected batch without outbox id, got %+v %v", stored, err)
	}
}
