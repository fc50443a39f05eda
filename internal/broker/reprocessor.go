package broker

import (
	"context"

	"go.uber.org/zap"

	"feedsync/internal/telemetry"
)

// DLQReprocessor republishes everything that lands on "<topic>.dlq" back to
// topic, verbatim and under the same key.
type DLQReprocessor struct {
	sub   Subscriber
	pub   Publisher
	topic string
	log   *zap.Logger
}

func NewDLQReprocessor(sub Subscriber, pub Publisher, topic string, logger *zap.Logger) *DLQReprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DLQReprocessor{sub: sub, pub: pub, topic: topic, log: logger}
}

// Run consumes the dead-letter topic until ctx is cancelled.
func (r *DLQReprocessor) Run(ctx context.Context) error {
	r.log.Info("dlq reprocessor started", zap.String("topic", DLQTopic(r.topic)))
	return r.sub.Subscribe(ctx, DLQTopic(r.topic), r.Handle)
}

func (r *DLQReprocessor) Handle(ctx context.Context, msg Message) error {
	if err := r.pub.Publish(ctx, r.topic, msg.Key, msg.Body); err != nil {
		r.log.Warn("republish dead-lettered message", zap.String("key", msg.Key), zap.Error(err))
		return err
	}
	telemetry.BrokerDLQReplayed.Inc()
	r.log.Info("republished dead-lettered message", zap.String("key", msg.Key))
	return nil
}
