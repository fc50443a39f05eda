// Package outbox moves committed outbox entries onto the broker.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"feedsync/internal/broker"
	"feedsync/internal/models"
	"feedsync/internal/store"
	"feedsync/internal/telemetry"
)

var tracer = otel.Tracer("feedsync/outbox")

// Store is the slice of the outbox store the dispatcher needs.
type Store interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.OutboxEntry, error)
	ClaimOldestPending(ctx context.Context, limit int, now time.Time, claimer string) ([]models.OutboxEntry, error)
	MarkDispatched(ctx context.Context, id, claimer string) error
	MarkFailed(ctx context.Context, id, claimer, reason string) error
	ReclaimStale(ctx context.Context, claimedBefore time.Time, limit int) (int, error)
}

// Throttle grants up to n publish slots. Slots granted but not used are
// handed back with Return.
type Throttle interface {
	Take(ctx context.Context, key string, n int) (int, error)
	Return(ctx context.Context, key string, n int) error
}

// Config tunes a Dispatcher.
type Config struct {
	Topic          string
	ClaimerID      string
	BatchSize      int
	PublishTimeout time.Duration
	StaleAfter     time.Duration
	ReapLimit      int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ThrottleKey names the shared rate limit bucket. Ignored without a Throttle.
	ThrottleKey string
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.ReapLimit <= 0 {
		c.ReapLimit = 500
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.ThrottleKey == "" {
		c.ThrottleKey = "ratelimit:outbox:" + c.Topic
	}
}

// CycleResult summarizes one RunOnce.
type CycleResult struct {
	Claimed    int
	Dispatched int
	Failed     int
	Retried    int
	// Stalled entries hit a timeout or transient error and stay DISPATCHING.
	Stalled int
}

// Dispatcher claims PENDING entries and publishes them keyed by outbox id.
type Dispatcher struct {
	store    Store
	pub      broker.Publisher
	throttle Throttle
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithThrottle shares a publish budget across dispatcher instances.
func WithThrottle(t Throttle) Option {
	return func(d *Dispatcher) { d.throttle = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(st Store, pub broker.Publisher, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{store: st, pub: pub, cfg: cfg, log: logger, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunOnce runs a single dispatch cycle.
func (d *Dispatcher) RunOnce(ctx context.Context) (CycleResult, error) {
	ctx, span := tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	var res CycleResult
	limit := d.cfg.BatchSize
	granted := 0
	if d.throttle != nil {
		n, err := d.throttle.Take(ctx, d.cfg.ThrottleKey, limit)
		if err != nil {
			// fall back to the full batch
			d.log.Warn("publish throttle unavailable", zap.Error(err))
		} else {
			if n < limit {
				telemetry.OutboxThrottled.Inc()
			}
			limit, granted = n, n
		}
		if limit == 0 {
			return res, nil
		}
	}

	entries, err := d.store.ClaimOldestPending(ctx, limit, d.now(), d.cfg.ClaimerID)
	if unused := granted - len(entries); unused > 0 {
		if rerr := d.throttle.Return(ctx, d.cfg.ThrottleKey, unused); rerr != nil {
			d.log.Warn("return unused publish slots", zap.Int("unused", unused), zap.Error(rerr))
		}
	}
	if err != nil {
		return res, fmt.Errorf("claim pending: %w", err)
	}
	res.Claimed = len(entries)
	telemetry.OutboxClaimed.Add(float64(len(entries)))
	span.SetAttributes(attribute.Int("outbox.claimed", len(entries)))

	for _, entry := range entries {
		d.dispatch(ctx, entry, &res)
	}
	if res.Claimed > 0 {
		d.log.Info("dispatch cycle",
			zap.Int("claimed", res.Claimed),
			zap.Int("dispatched", res.Dispatched),
			zap.Int("failed", res.Failed),
			zap.Int("retried", res.Retried),
			zap.Int("stalled", res.Stalled))
	}
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, entry models.OutboxEntry, res *CycleResult) {
	log := d.log.With(zap.String("outbox_id", entry.ID), zap.String("job_type", entry.JobType))

	body, err := broker.EncodeEnvelope(entry)
	if err != nil {
		d.fail(ctx, entry, err.Error(), res, log)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	err = d.pub.Publish(pctx, d.cfg.Topic, entry.ID, body)
	cancel()

	switch {
	case err == nil:
		if err := d.store.MarkDispatched(ctx, entry.ID, d.cfg.ClaimerID); err != nil {
			// reclaimed by the reaper meanwhile; the redelivery is absorbed downstream
			log.Warn("mark dispatched", zap.Error(err))
			return
		}
		res.Dispatched++
		telemetry.OutboxDispatched.Inc()
	case errors.Is(err, broker.ErrRejected):
		d.fail(ctx, entry, err.Error(), res, log)
	default:
		res.Stalled++
		telemetry.OutboxPublishStalled.Inc()
		log.Warn("publish did not complete; entry left for the reaper", zap.Error(err))
	}
}

func (d *Dispatcher) fail(ctx context.Context, entry models.OutboxEntry, reason string, res *CycleResult, log *zap.Logger) {
	if err := d.store.MarkFailed(ctx, entry.ID, d.cfg.ClaimerID, reason); err != nil {
		log.Warn("mark failed", zap.Error(err))
		return
	}
	res.Failed++
	telemetry.OutboxFailed.Inc()
	log.Warn("outbox entry rejected", zap.String("reason", reason), zap.Int("attempt", entry.Attempt))

	if entry.Attempt >= d.cfg.MaxAttempts {
		log.Error("outbox entry exhausted retries; manual replay required", zap.Int("attempt", entry.Attempt))
		return
	}
	delay := backoffWithJitter(d.cfg.BackoffInitial, d.cfg.BackoffMax, entry.Attempt)
	retry, err := d.store.Enqueue(ctx, store.EnqueueParams{
		JobType:     entry.JobType,
		Payload:     entry.Payload,
		AvailableAt: d.now().Add(delay),
		Attempt:     entry.Attempt + 1,
	})
	if err != nil {
		log.Error("enqueue retry copy", zap.Error(err))
		return
	}
	res.Retried++
	telemetry.OutboxRetried.Inc()
	log.Info("retry copy enqueued", zap.String("retry_id", retry.ID), zap.Duration("delay", delay))
}

// Reap returns entries claimed longer than StaleAfter to PENDING.
func (d *Dispatcher) Reap(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "outbox.reap")
	defer span.End()

	n, err := d.store.ReclaimStale(ctx, d.now().Add(-d.cfg.StaleAfter), d.cfg.ReapLimit)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	if n > 0 {
		telemetry.OutboxReclaimed.Add(float64(n))
		d.log.Warn("reclaimed stale outbox entries", zap.Int("count", n), zap.Duration("stale_after", d.cfg.StaleAfter))
	}
	return n, nil
}
