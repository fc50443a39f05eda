// Package broker carries dispatched outbox entries from the dispatcher to the
// worker fleet. Transports share one contract: messages are keyed by outbox
// id, a key always maps to the same partition, and messages that keep failing
// move to "<topic>.dlq".
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"feedsync/internal/config"
)

var (
	// ErrRejected means the transport definitively refused a message.
	ErrRejected = errors.New("broker rejected message")
	// ErrTransient covers timeouts, open circuits and connection trouble.
	ErrTransient = errors.New("broker temporarily unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker closed")
)

// Message is one consumed record.
type Message struct {
	Topic string
	Key   string
	Body  []byte
	// Deliveries counts delivery attempts where the transport tracks them.
	Deliveries int
}

// Handler processes a consumed message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, topic, key string, body []byte) error
}

// Subscriber consumes a topic until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
}

type Transport interface {
	Publisher
	Subscriber
	Close() error
}

// Inspector is implemented by transports that can list queued messages.
type Inspector interface {
	Peek(ctx context.Context, topic string, n int) ([]Message, error)
}

// DLQTopic names the dead-letter topic for topic.
func DLQTopic(topic string) string {
	return topic + ".dlq"
}

// New selects the transport configured by BROKER_DRIVER.
func New(cfg config.Config, rdb redis.UniversalClient, logger *zap.Logger) (Transport, error) {
	switch cfg.BrokerDriver {
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis broker requires a redis client")
		}
		return NewRedisTransport(rdb, RedisOptions{
			Lanes:         cfg.BrokerLanes,
			Lease:         cfg.BrokerLease,
			MaxDeliveries: cfg.BrokerMaxDeliveries,
		}, logger), nil
	case "rabbitmq":
		return NewRabbitTransport(cfg.AMQPURL, RabbitOptions{Prefetch: cfg.WorkerMax * 2}, logger)
	case "loopback", "":
		return NewLoopback(logger), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.BrokerDriver)
	}
}
