package broker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"feedsync/internal/models"
	"feedsync/internal/telemetry"
)

// JobQueue accepts jobs for local execution. Enqueue may block when full.
type JobQueue interface {
	Enqueue(ctx context.Context, job models.Job) error
}

// Bridge turns consumed envelopes into jobs on the local queue.
type Bridge struct {
	queue JobQueue
	log   *zap.Logger
}

func NewBridge(queue JobQueue, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{queue: queue, log: logger}
}

// HandleMessage decodes body and enqueues the job. Malformed messages are
// dropped and reported as handled so the transport acknowledges them. An
// error is returned only when the queue did not accept a valid job.
func (b *Bridge) HandleMessage(ctx context.Context, body []byte) error {
	env, err := DecodeEnvelope(body)
	if err != nil {
		telemetry.BrokerMalformed.Inc()
		b.log.Warn("dropping malformed message", zap.Error(err), zap.Int("bytes", len(body)))
		return nil
	}
	job := models.Job{OutboxID: env.OutboxID, Type: env.JobType, Payload: env.Payload}
	if err := b.queue.Enqueue(ctx, job); err != nil {
		if !errors.Is(err, context.Canceled) {
			b.log.Error("enqueue job", zap.String("outbox_id", env.OutboxID), zap.Error(err))
		}
		return err
	}
	telemetry.BrokerConsumed.Inc()
	b.log.Debug("job queued", zap.String("outbox_id", env.OutboxID), zap.String("type", env.JobType))
	return nil
}

// Handler adapts the bridge to a transport subscription.
func (b *Bridge) Handler() Handler {
	return func(ctx context.Context, msg Message) error {
		return b.HandleMessage(ctx, msg.Body)
	}
}
