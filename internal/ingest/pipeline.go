// Package ingest runs feed batches through parse, validate, stage,
// synchronize and evict.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"feedsync/internal/models"
	"feedsync/internal/telemetry"
)

var tracer = otel.Tracer("feedsync/ingest")

// ErrInvalidPayload is returned for ingest jobs that cannot start a batch.
var ErrInvalidPayload = errors.New("invalid ingest payload")

// Store persists batches, staged rows and authoritative records.
type Store interface {
	CreateBatch(ctx context.Context, b models.FeedBatch) (models.FeedBatch, error)
	SetBatchStatus(ctx context.Context, id string, status models.BatchStatus) error
	CompleteBatch(ctx context.Context, id string, res models.IngestResult) error
	FailBatch(ctx context.Context, id string, res models.IngestResult, reason string) error
	FindCompletedBatch(ctx context.Context, outboxID string) (models.FeedBatch, bool, error)
	StageBatch(ctx context.Context, batchID string, records []models.FeedRecord, verrs []models.ValidationError) error
	UpsertRecord(ctx context.Context, batchID string, rec models.FeedRecord) (inserted bool, err error)
}

// Loader fetches feed content referenced by URI.
type Loader interface {
	Load(ctx context.Context, uri string) ([]byte, error)
}

// Evicter drops caches derived from a feed type.
type Evicter interface {
	Evict(ctx context.Context, feedType models.FeedType) error
}

// Pipeline ingests one batch at a time per call; calls may run concurrently.
type Pipeline struct {
	store      Store
	strategies Registry
	loader     Loader
	evicters   []Evicter
	log        *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLoader resolves sourceUri payloads.
func WithLoader(l Loader) Option {
	return func(p *Pipeline) { p.loader = l }
}

// WithEvicter registers a derived cache to evict after each sync.
func WithEvicter(e Evicter) Option {
	return func(p *Pipeline) { p.evicters = append(p.evicters, e) }
}

// WithRegistry replaces the default strategies.
func WithRegistry(r Registry) Option {
	return func(p *Pipeline) { p.strategies = r }
}

func NewPipeline(st Store, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{store: st, strategies: DefaultRegistry(), log: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle is the worker handler for feed.ingest jobs.
func (p *Pipeline) Handle(ctx context.Context, job models.Job) error {
	var in models.IngestPayload
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	_, err := p.Ingest(ctx, job.OutboxID, in)
	return err
}

// Ingest runs a batch to COMPLETED or FAILED and returns it. A batch already
// completed for the same outbox id is returned as is.
func (p *Pipeline) Ingest(ctx context.Context, outboxID string, in models.IngestPayload) (models.FeedBatch, error) {
	ctx, span := tracer.Start(ctx, "ingest.batch", trace.WithAttributes(
		attribute.String("feed.type", string(in.FeedType)),
		attribute.String("outbox.id", outboxID)))
	defer span.End()

	if outboxID != "" {
		done, found, err := p.store.FindCompletedBatch(ctx, outboxID)
		if err != nil {
			return models.FeedBatch{}, fmt.Errorf("check prior batch: %w", err)
		}
		if found {
			p.log.Info("batch already completed for outbox entry; skipping",
				zap.String("outbox_id", outboxID), zap.String("batch_id", done.ID))
			return done, nil
		}
	}

	ft, err := models.ParseFeedType(string(in.FeedType))
	if err != nil {
		return models.FeedBatch{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	strategy, err := p.strategies.Lookup(ft)
	if err != nil {
		return models.FeedBatch{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(in.SourceName) == "" {
		return models.FeedBatch{}, fmt.Errorf("%w: sourceName is required", ErrInvalidPayload)
	}
	if len(in.Content) == 0 && in.SourceURI == "" {
		return models.FeedBatch{}, fmt.Errorf("%w: content or sourceUri is required", ErrInvalidPayload)
	}

	batch := models.FeedBatch{FeedType: ft, SourceName: in.SourceName, BusinessDate: in.BusinessDate}
	if outboxID != "" {
		batch.OutboxID = &outboxID
	}
	batch, err = p.store.CreateBatch(ctx, batch)
	if err != nil {
		return models.FeedBatch{}, fmt.Errorf("create batch: %w", err)
	}
	log := p.log.With(zap.String("batch_id", batch.ID), zap.String("feed_type", string(ft)))
	if err := p.store.SetBatchStatus(ctx, batch.ID, models.BatchProcessing); err != nil {
		return batch, fmt.Errorf("start batch: %w", err)
	}
	batch.Status = models.BatchProcessing

	var res models.IngestResult
	raws, err := p.parse(ctx, in)
	if err != nil {
		return p.failBatch(ctx, span, log, batch, res, err)
	}
	res.TotalRecords = len(raws)

	records, verrs := p.validate(ctx, strategy, raws)
	res.FailedRecords = len(verrs)

	if err := p.stage(ctx, batch.ID, records, verrs); err != nil {
		return p.failBatch(ctx, span, log, batch, res, err)
	}
	if err := p.synchronize(ctx, batch.ID, records, &res); err != nil {
		return p.failBatch(ctx, span, log, batch, res, err)
	}

	if err := p.store.CompleteBatch(ctx, batch.ID, res); err != nil {
		return batch, fmt.Errorf("complete batch: %w", err)
	}
	batch = withResult(batch, models.BatchCompleted, res, nil)
	telemetry.BatchesTotal.WithLabelValues(string(ft), string(models.BatchCompleted)).Inc()
	telemetry.RecordsTotal.WithLabelValues(string(ft), "inserted").Add(float64(res.InsertedRecords))
	telemetry.RecordsTotal.WithLabelValues(string(ft), "updated").Add(float64(res.UpdatedRecords))
	telemetry.RecordsTotal.WithLabelValues(string(ft), "failed").Add(float64(res.FailedRecords))
	log.Info("batch completed",
		zap.Int("total", res.TotalRecords),
		zap.Int("inserted", res.InsertedRecords),
		zap.Int("updated", res.UpdatedRecords),
		zap.Int("failed", res.FailedRecords))

	p.evict(ctx, ft, log)
	return batch, nil
}

func (p *Pipeline) failBatch(ctx context.Context, span trace.Span, log *zap.Logger, batch models.FeedBatch, res models.IngestResult, cause error) (models.FeedBatch, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	reason := cause.Error()
	if err := p.store.FailBatch(ctx, batch.ID, res, reason); err != nil {
		log.Error("record batch failure", zap.Error(err))
		return batch, fmt.Errorf("fail batch: %w (cause: %v)", err, cause)
	}
	telemetry.BatchesTotal.WithLabelValues(string(batch.FeedType), string(models.BatchFailed)).Inc()
	log.Warn("batch failed", zap.Error(cause))
	return withResult(batch, models.BatchFailed, res, &reason), cause
}

func withResult(b models.FeedBatch, status models.BatchStatus, res models.IngestResult, reason *string) models.FeedBatch {
	b.Status = status
	b.TotalRecords = res.TotalRecords
	b.InsertedRecords = res.InsertedRecords
	b.UpdatedRecords = res.UpdatedRecords
	b.FailedRecords = res.FailedRecords
	b.ErrorMessage = reason
	return b
}

func (p *Pipeline) parse(ctx context.Context, in models.IngestPayload) ([]models.RawRecord, error) {
	ctx, span := tracer.Start(ctx, "ingest.parse")
	defer span.End()

	content, err := p.content(ctx, in)
	if err != nil {
		return nil, err
	}
	raws, err := Parse(in.Format, content)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("ingest.records", len(raws)))
	return raws, nil
}

// content returns the raw feed. Inline content given as a JSON string is the
// document text itself (CSV, or JSON encoded as a string); any other JSON
// value is the document.
func (p *Pipeline) content(ctx context.Context, in models.IngestPayload) ([]byte, error) {
	if len(in.Content) > 0 {
		var text string
		if err := json.Unmarshal(in.Content, &text); err == nil {
			return []byte(text), nil
		}
		return in.Content, nil
	}
	if p.loader == nil {
		return nil, fmt.Errorf("no loader configured for %s", in.SourceURI)
	}
	b, err := p.loader.Load(ctx, in.SourceURI)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", in.SourceURI, err)
	}
	return b, nil
}

// validate checks every record on its own. Among valid records sharing a
// natural key the first one wins; later ones are DUPLICATE_KEY.
func (p *Pipeline) validate(ctx context.Context, s Strategy, raws []models.RawRecord) ([]models.FeedRecord, []models.ValidationError) {
	_, span := tracer.Start(ctx, "ingest.validate")
	defer span.End()

	var (
		records []models.FeedRecord
		verrs   []models.ValidationError
		seen    = make(map[string]int, len(raws))
	)
	for _, raw := range raws {
		rec, verr := s.Validate(raw)
		if verr != nil {
			verrs = append(verrs, *verr)
			continue
		}
		if first, dup := seen[rec.NaturalKey]; dup {
			verrs = append(verrs, models.ValidationError{
				LineNumber:   raw.LineNumber,
				NaturalKey:   rec.NaturalKey,
				ErrorCode:    models.ErrCodeDuplicateKey,
				ErrorMessage: fmt.Sprintf("natural key %q already seen on line %d", rec.NaturalKey, first),
				RawPayload:   raw.Raw,
			})
			continue
		}
		seen[rec.NaturalKey] = raw.LineNumber
		records = append(records, rec)
	}
	span.SetAttributes(attribute.Int("ingest.valid", len(records)), attribute.Int("ingest.invalid", len(verrs)))
	return records, verrs
}

func (p *Pipeline) stage(ctx context.Context, batchID string, records []models.FeedRecord, verrs []models.ValidationError) error {
	ctx, span := tracer.Start(ctx, "ingest.stage")
	defer span.End()
	if err := p.store.StageBatch(ctx, batchID, records, verrs); err != nil {
		return fmt.Errorf("stage batch: %w", err)
	}
	return nil
}

// synchronize upserts each record by natural key. A key that already existed
// counts as updated even if its attributes were unchanged.
func (p *Pipeline) synchronize(ctx context.Context, batchID string, records []models.FeedRecord, res *models.IngestResult) error {
	ctx, span := tracer.Start(ctx, "ingest.synchronize")
	defer span.End()
	for _, rec := range records {
		inserted, err := p.store.UpsertRecord(ctx, batchID, rec)
		if err != nil {
			return fmt.Errorf("synchronize %s: %w", rec.NaturalKey, err)
		}
		if inserted {
			res.InsertedRecords++
		} else {
			res.UpdatedRecords++
		}
	}
	return nil
}

func (p *Pipeline) evict(ctx context.Context, ft models.FeedType, log *zap.Logger) {
	ctx, span := tracer.Start(ctx, "ingest.evict")
	defer span.End()
	for _, e := range p.evicters {
		if err := e.Evict(ctx, ft); err != nil {
			telemetry.EvictFailures.Inc()
			span.RecordError(err)
			log.Warn("cache eviction failed", zap.Error(err))
		}
	}
}
