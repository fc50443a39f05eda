package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"feedsync/internal/models"
)

const outboxColumns = `id, job_type, payload, status, attempt, available_at, claimed_at, claimed_by, last_error, created_at, updated_at`

// EnqueueParams collects inputs required to insert an outbox entry.
type EnqueueParams struct {
	JobType     string
	Payload     json.RawMessage
	AvailableAt time.Time
	// Attempt defaults to 1. Retry copies carry the previous attempt plus one.
	Attempt int
}

func (p *EnqueueParams) normalize(now time.Time) error {
	if p.JobType == "" {
		return fmt.Errorf("%w: job type required", ErrInvalidPayload)
	}
	if len(p.Payload) == 0 || !json.Valid(p.Payload) {
		return ErrInvalidPayload
	}
	if p.AvailableAt.IsZero() {
		p.AvailableAt = now
	}
	if p.Attempt <= 0 {
		p.Attempt = 1
	}
	return nil
}

// Enqueue inserts a PENDING entry.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (models.OutboxEntry, error) {
	return enqueue(ctx, s.pool, p)
}

// EnqueueTx inserts a PENDING entry inside the caller's transaction so the
// entry commits or rolls back together with the caller's business writes.
func (s *Store) EnqueueTx(ctx context.Context, tx pgx.Tx, p EnqueueParams) (models.OutboxEntry, error) {
	return enqueue(ctx, tx, p)
}

func enqueue(ctx context.Context, q querier, p EnqueueParams) (models.OutboxEntry, error) {
	now := time.Now().UTC()
	if err := p.normalize(now); err != nil {
		return models.OutboxEntry{}, err
	}
	id := uuid.New().String()
	row := q.QueryRow(ctx, `
		INSERT INTO outbox_entries (id, job_type, payload, status, attempt, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+outboxColumns, id, p.JobType, []byte(p.Payload), models.OutboxPending, p.Attempt, p.AvailableAt.UTC(), now)
	entry, err := scanEntry(row)
	if err != nil {
		return models.OutboxEntry{}, fmt.Errorf("insert outbox entry: %w", err)
	}
	return entry, nil
}

// ClaimOldestPending marks up to limit due PENDING entries as DISPATCHING for
// claimer and returns them oldest first. Rows are locked with FOR UPDATE, so a
// concurrent claimer waits on the lock and then skips rows that are no longer
// PENDING; no two claimers ever receive the same row.
func (s *Store) ClaimOldestPending(ctx context.Context, limit int, now time.Time, claimer string) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rows, err := tx.Query(ctx, `
		WITH picked AS (
			SELECT id FROM outbox_entries
			WHERE status = $1 AND available_at <= $2
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE
		)
		UPDATE outbox_entries o
		SET status = $4, claimed_at = $2, claimed_by = $5, updated_at = $2
		FROM picked
		WHERE o.id = picked.id AND o.status = $1
		RETURNING o.id, o.job_type, o.payload, o.status, o.attempt, o.available_at, o.claimed_at, o.claimed_by, o.last_error, o.created_at, o.updated_at
	`, models.OutboxPending, now.UTC(), limit, models.OutboxDispatching, claimer)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	sortEntries(entries)
	return entries, nil
}

// MarkDispatched moves an entry claimed by claimer to DISPATCHED.
func (s *Store) MarkDispatched(ctx context.Context, id, claimer string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries SET status = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND claimed_by = $2
	`, id, claimer, models.OutboxDispatched, models.OutboxDispatching)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// MarkFailed moves an entry claimed by claimer to FAILED with a reason.
func (s *Store) MarkFailed(ctx context.Context, id, claimer, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries SET status = $3, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND claimed_by = $2
	`, id, claimer, models.OutboxFailed, models.OutboxDispatching, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// ReclaimStale returns DISPATCHING entries claimed at or before claimedBefore
// to PENDING. Rows held by an in-progress claim are skipped.
func (s *Store) ReclaimStale(ctx context.Context, claimedBefore time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	tag, err := s.pool.Exec(ctx, `
		WITH stale AS (
			SELECT id FROM outbox_entries
			WHERE status = $1 AND claimed_at <= $2
			ORDER BY claimed_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_entries o
		SET status = $4, claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		FROM stale
		WHERE o.id = stale.id
	`, models.OutboxDispatching, claimedBefore.UTC(), limit, models.OutboxPending)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetEntry fetches an entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (models.OutboxEntry, error) {
	if !isUUID(id) {
		return models.OutboxEntry{}, fmt.Errorf("outbox entry %s: %w", id, ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_entries WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OutboxEntry{}, fmt.Errorf("outbox entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.OutboxEntry{}, fmt.Errorf("scan outbox entry: %w", err)
	}
	return entry, nil
}

// CountByStatus returns the number of entries per status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.OutboxStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM outbox_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox entries: %w", err)
	}
	defer rows.Close()

	out := map[models.OutboxStatus]int64{
		models.OutboxPending:     0,
		models.OutboxDispatching: 0,
		models.OutboxDispatched:  0,
		models.OutboxFailed:      0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[models.OutboxStatus(status)] = n
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (models.OutboxEntry, error) {
	var e models.OutboxEntry
	var payload []byte
	var status string
	var claimedAt pgtype.Timestamptz
	var claimedBy, lastErr pgtype.Text
	if err := row.Scan(&e.ID, &e.JobType, &payload, &status, &e.Attempt, &e.AvailableAt, &claimedAt, &claimedBy, &lastErr, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return models.OutboxEntry{}, err
	}
	e.Payload = json.RawMessage(payload)
	e.Status = models.OutboxStatus(status)
	e.ClaimedAt = timePtr(claimedAt)
	e.ClaimedBy = textPtr(claimedBy)
	e.LastError = textPtr(lastErr)
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]models.OutboxEntry, error) {
	defer rows.Close()
	var out []models.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return out, nil
}

// sortEntries orders by creation time; UPDATE ... RETURNING does not preserve the CTE order.
func sortEntries(entries []models.OutboxEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
