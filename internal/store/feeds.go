package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"feedsync/internal/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var batchColumns = []string{
	"id", "outbox_id", "feed_type", "source_name", "business_date", "status",
	"total_records", "inserted_records", "updated_records", "failed_records",
	"received_at", "completed_at", "error_message",
}

// CreateBatch inserts a RECEIVED batch and returns it with its id populated.
func (s *Store) CreateBatch(ctx context.Context, b models.FeedBatch) (models.FeedBatch, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.ReceivedAt.IsZero() {
		b.ReceivedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = models.BatchReceived
	}
	outboxID := b.OutboxID
	if outboxID != nil && !isUUID(*outboxID) {
		// outbox_id is a UUID column
		outboxID = nil
	}
	query, args, err := psql.Insert("feed_batches").
		Columns("id", "outbox_id", "feed_type", "source_name", "business_date", "status", "received_at").
		Values(b.ID, outboxID, string(b.FeedType), b.SourceName, b.BusinessDate, string(b.Status), b.ReceivedAt).
		ToSql()
	if err != nil {
		return models.FeedBatch{}, fmt.Errorf("build batch insert: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return models.FeedBatch{}, fmt.Errorf("insert batch: %w", err)
	}
	return b, nil
}

// SetBatchStatus updates a batch's status.
func (s *Store) SetBatchStatus(ctx context.Context, id string, status models.BatchStatus) error {
	query, args, err := psql.Update("feed_batches").
		Set("status", string(status)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build batch status update: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	return nil
}

// CompleteBatch records the final counters and marks the batch COMPLETED.
func (s *Store) CompleteBatch(ctx context.Context, id string, res models.IngestResult) error {
	return s.finishBatch(ctx, id, models.BatchCompleted, res, nil)
}

// FailBatch marks the batch FAILED with an error message.
func (s *Store) FailBatch(ctx context.Context, id string, res models.IngestResult, reason string) error {
	return s.finishBatch(ctx, id, models.BatchFailed, res, &reason)
}

func (s *Store) finishBatch(ctx context.Context, id string, status models.BatchStatus, res models.IngestResult, reason *string) error {
	query, args, err := psql.Update("feed_batches").
		Set("status", string(status)).
		Set("total_records", res.TotalRecords).
		Set("inserted_records", res.InsertedRecords).
		Set("updated_records", res.UpdatedRecords).
		Set("failed_records", res.FailedRecords).
		Set("completed_at", time.Now().UTC()).
		Set("error_message", reason).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build batch finish: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	return nil
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (models.FeedBatch, error) {
	if !isUUID(id) {
		return models.FeedBatch{}, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	query, args, err := psql.Select(batchColumns...).From("feed_batches").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return models.FeedBatch{}, fmt.Errorf("build batch select: %w", err)
	}
	b, err := scanBatch(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FeedBatch{}, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.FeedBatch{}, fmt.Errorf("scan batch: %w", err)
	}
	return b, nil
}

// FindCompletedBatch returns the COMPLETED batch produced for an outbox entry, if any.
func (s *Store) FindCompletedBatch(ctx context.Context, outboxID string) (models.FeedBatch, bool, error) {
	if !isUUID(outboxID) {
		return models.FeedBatch{}, false, nil
	}
	query, args, err := psql.Select(batchColumns...).
		From("feed_batches").
		Where(sq.Eq{"outbox_id": outboxID, "status": string(models.BatchCompleted)}).
		OrderBy("completed_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return models.FeedBatch{}, false, fmt.Errorf("build completed batch select: %w", err)
	}
	b, err := scanBatch(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FeedBatch{}, false, nil
	}
	if err != nil {
		return models.FeedBatch{}, false, fmt.Errorf("scan batch: %w", err)
	}
	return b, true, nil
}

// StageBatch persists valid records and validation errors in one transaction.
// Rows go through COPY so batch size is not bounded by the bind parameter limit.
func (s *Store) StageBatch(ctx context.Context, batchID string, records []models.FeedRecord, verrs []models.ValidationError) error {
	bid, err := uuid.Parse(batchID)
	if err != nil {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	batch := pgtype.UUID{Bytes: bid, Valid: true}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if len(records) > 0 {
		rows := make([][]any, 0, len(records))
		for _, r := range records {
			attrs, err := r.AttributesJSON()
			if err != nil {
				return fmt.Errorf("encode attributes line %d: %w", r.LineNumber, err)
			}
			rows = append(rows, []any{batch, int32(r.LineNumber), r.NaturalKey, attrs})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"feed_staged_records"},
			[]string{"batch_id", "line_number", "natural_key", "attributes"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("copy staged records: %w", err)
		}
	}

	if len(verrs) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"feed_validation_errors"},
			[]string{"batch_id", "line_number", "natural_key", "error_code", "error_message", "raw_payload"},
			pgx.CopyFromSlice(len(verrs), func(i int) ([]any, error) {
				v := verrs[i]
				return []any{batch, int32(v.LineNumber), emptyToNil(v.NaturalKey), v.ErrorCode, v.ErrorMessage, v.RawPayload}, nil
			}),
		); err != nil {
			return fmt.Errorf("copy validation errors: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit stage: %w", err)
	}
	return nil
}

// ListValidationErrors returns the validation errors of a batch in line order.
func (s *Store) ListValidationErrors(ctx context.Context, batchID string) ([]models.ValidationError, error) {
	if !isUUID(batchID) {
		return nil, nil
	}
	query, args, err := psql.Select("line_number", "natural_key", "error_code", "error_message", "raw_payload").
		From("feed_validation_errors").
		Where(sq.Eq{"batch_id": batchID}).
		OrderBy("line_number ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build validation error select: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query validation errors: %w", err)
	}
	defer rows.Close()

	var out []models.ValidationError
	for rows.Next() {
		var v models.ValidationError
		var key pgtype.Text
		if err := rows.Scan(&v.LineNumber, &key, &v.ErrorCode, &v.ErrorMessage, &v.RawPayload); err != nil {
			return nil, fmt.Errorf("scan validation error: %w", err)
		}
		if key.Valid {
			v.NaturalKey = key.String
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertRecord synchronizes one record by natural key. It reports whether the
// key was inserted; an existing key is rewritten only when its attributes changed.
func (s *Store) UpsertRecord(ctx context.Context, batchID string, rec models.FeedRecord) (bool, error) {
	attrs, err := rec.AttributesJSON()
	if err != nil {
		return false, fmt.Errorf("encode attributes: %w", err)
	}
	hash, err := rec.AttributesHash()
	if err != nil {
		return false, fmt.Errorf("hash attributes: %w", err)
	}
	now := time.Now().UTC()
	query, args, err := psql.Insert("feed_records").
		Columns("feed_type", "natural_key", "attributes", "attributes_hash", "source_batch_id", "created_at", "updated_at").
		Values(string(rec.FeedType), rec.NaturalKey, attrs, hash, batchID, now, now).
		Suffix(`ON CONFLICT (feed_type, natural_key) DO UPDATE
			SET attributes = EXCLUDED.attributes,
				attributes_hash = EXCLUDED.attributes_hash,
				source_batch_id = EXCLUDED.source_batch_id,
				updated_at = EXCLUDED.updated_at
			WHERE feed_records.attributes_hash <> EXCLUDED.attributes_hash
			RETURNING (xmax = 0) AS inserted`).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build record upsert: %w", err)
	}
	var inserted bool
	err = s.pool.QueryRow(ctx, query, args...).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		// key exists with identical attributes
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert record %s: %w", rec.NaturalKey, err)
	}
	return inserted, nil
}

// ListRecords returns every authoritative record of a feed type ordered by natural key.
func (s *Store) ListRecords(ctx context.Context, feedType models.FeedType) ([]models.FeedRecord, error) {
	query, args, err := psql.Select("natural_key", "attributes", "source_batch_id", "updated_at").
		From("feed_records").
		Where(sq.Eq{"feed_type": string(feedType)}).
		OrderBy("natural_key ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build record select: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []models.FeedRecord
	for rows.Next() {
		rec := models.FeedRecord{FeedType: feedType}
		var attrs []byte
		if err := rows.Scan(&rec.NaturalKey, &attrs, &rec.SourceBatchID, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes %s: %w", rec.NaturalKey, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanBatch(row pgx.Row) (models.FeedBatch, error) {
	var b models.FeedBatch
	var outboxID, errMsg pgtype.Text
	var feedType, status string
	var completedAt pgtype.Timestamptz
	if err := row.Scan(&b.ID, &outboxID, &feedType, &b.SourceName, &b.BusinessDate, &status,
		&b.TotalRecords, &b.InsertedRecords, &b.UpdatedRecords, &b.FailedRecords,
		&b.ReceivedAt, &completedAt, &errMsg); err != nil {
		return models.FeedBatch{}, err
	}
	b.OutboxID = textPtr(outboxID)
	b.FeedType = models.FeedType(feedType)
	b.Status = models.BatchStatus(status)
	b.CompletedAt = timePtr(completedAt)
	b.ErrorMessage = textPtr(errMsg)
	return b, nil
}
