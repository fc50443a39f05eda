package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// RabbitOptions tunes the RabbitMQ transport.
type RabbitOptions struct {
	Prefetch int
}

// DeclareQueueConfig mirrors QueueDeclare's positional arguments.
type DeclareQueueConfig struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp.Table
}

// ConsumeConfig mirrors Consume's positional arguments.
type ConsumeConfig struct {
	Queue     string
	Consumer  string
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Args      amqp.Table
}

// RabbitTransport publishes to one durable queue per topic through the
// default exchange. Each topic queue dead-letters into "<topic>.dlq".
type RabbitTransport struct {
	conn *amqp.Connection
	opts RabbitOptions
	log  *zap.Logger

	mu       sync.Mutex
	pub      *amqp.Channel
	confirms chan amqp.Confirmation
	seq      uint64
	declared map[string]bool
	closed   bool
}

func NewRabbitTransport(url string, opts RabbitOptions, logger *zap.Logger) (*RabbitTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 16
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	t := &RabbitTransport{
		conn:     conn,
		opts:     opts,
		log:      logger,
		pub:      ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 64)),
		declared: map[string]bool{},
	}
	logger.Info("rabbitmq connected")
	return t, nil
}

func topicQueueConfig(topic string) DeclareQueueConfig {
	cfg := DeclareQueueConfig{Name: topic, Durable: true}
	if !strings.HasSuffix(topic, ".dlq") {
		cfg.Args = amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": DLQTopic(topic),
		}
	}
	return cfg
}

func declareQueue(ch *amqp.Channel, cfg DeclareQueueConfig) (amqp.Queue, error) {
	return ch.QueueDeclare(cfg.Name, cfg.Durable, cfg.AutoDelete, cfg.Exclusive, cfg.NoWait, cfg.Args)
}

// declareTopic declares the topic queue and its dead-letter queue.
func declareTopic(ch *amqp.Channel, topic string) error {
	if !strings.HasSuffix(topic, ".dlq") {
		if _, err := declareQueue(ch, topicQueueConfig(DLQTopic(topic))); err != nil {
			return fmt.Errorf("declare %s: %w", DLQTopic(topic), err)
		}
	}
	if _, err := declareQueue(ch, topicQueueConfig(topic)); err != nil {
		return fmt.Errorf("declare %s: %w", topic, err)
	}
	return nil
}

// Publish sends a persistent message and waits for the broker confirm.
func (t *RabbitTransport) Publish(ctx context.Context, topic, key string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if !t.declared[topic] {
		if err := declareTopic(t.pub, topic); err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		t.declared[topic] = true
	}
	err := t.pub.Publish("", topic, false, false, amqp.Publishing{
		MessageId:    key,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	t.seq++
	want := t.seq
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: awaiting confirm: %v", ErrTransient, ctx.Err())
		case c, ok := <-t.confirms:
			if !ok {
				return fmt.Errorf("%w: confirm channel closed", ErrTransient)
			}
			if c.DeliveryTag < want {
				// late confirm of an earlier publish that timed out
				continue
			}
			if !c.Ack {
				return ErrRejected
			}
			return nil
		}
	}
}

// Subscribe consumes topic with manual acks. A handler error nacks without
// requeue so the broker routes the message to the dead-letter queue.
func (t *RabbitTransport) Subscribe(ctx context.Context, topic string, h Handler) error {
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(t.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := declareTopic(ch, topic); err != nil {
		return err
	}
	cfg := ConsumeConfig{Queue: topic}
	deliveries, err := ch.Consume(cfg.Queue, cfg.Consumer, cfg.AutoAck, cfg.Exclusive, cfg.NoLocal, cfg.NoWait, cfg.Args)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}
	t.log.Info("consuming", zap.String("topic", topic))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: delivery channel for %s closed", ErrTransient, topic)
			}
			msg := Message{Topic: topic, Key: d.MessageId, Body: d.Body, Deliveries: 1}
			if d.Redelivered {
				msg.Deliveries = 2
			}
			if herr := h(ctx, msg); herr != nil {
				if ctx.Err() != nil {
					_ = d.Nack(false, true)
					continue
				}
				t.log.Warn("handler failed, dead-lettering", zap.String("topic", topic), zap.String("key", msg.Key), zap.Error(herr))
				if err := d.Nack(false, false); err != nil {
					t.log.Warn("nack", zap.Error(err))
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				t.log.Warn("ack", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
}

func (t *RabbitTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var errs []error
	if err := t.pub.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
