package broker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Loopback hands published messages straight to the in-process subscriber.
// It is used when the broker is disabled and dispatcher and worker share a process.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *zap.Logger
	closed   bool
}

func NewLoopback(logger *zap.Logger) *Loopback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loopback{handlers: map[string]Handler{}, log: logger}
}

// Publish delivers synchronously. No subscriber or a handler error is transient,
// so the outbox entry stays DISPATCHING until reclaimed.
func (l *Loopback) Publish(ctx context.Context, topic, key string, body []byte) error {
	l.mu.RLock()
	h, ok := l.handlers[topic]
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: no subscriber for %s", ErrTransient, topic)
	}
	if err := h(ctx, Message{Topic: topic, Key: key, Body: append([]byte(nil), body...), Deliveries: 1}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// Subscribe registers h for topic and blocks until ctx is done.
func (l *Loopback) Subscribe(ctx context.Context, topic string, h Handler) error {
	l.mu.Lock()
	l.handlers[topic] = h
	l.mu.Unlock()
	<-ctx.Done()
	l.mu.Lock()
	delete(l.handlers, topic)
	l.mu.Unlock()
	return nil
}

// Ready reports whether topic currently has a subscriber.
func (l *Loopback) Ready(topic string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.handlers[topic]
	return ok
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
