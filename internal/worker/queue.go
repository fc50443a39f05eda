package worker

import (
	"context"
	"errors"
	"sync"

	"feedsync/internal/models"
	"feedsync/internal/telemetry"
)

// MinQueueCapacity is the smallest buffer a Queue is created with.
const MinQueueCapacity = 10

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("job queue closed")

// Queue is a bounded in-process FIFO between the broker consumer and the executors.
type Queue struct {
	ch     chan models.Job
	done   chan struct{}
	signal chan struct{}
	// mu is read-held by every Enqueue so Close can wait them out before closing ch.
	mu   sync.RWMutex
	once sync.Once
}

func NewQueue(capacity int) *Queue {
	if capacity < MinQueueCapacity {
		capacity = MinQueueCapacity
	}
	return &Queue{
		ch:     make(chan models.Job, capacity),
		done:   make(chan struct{}),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue blocks while the queue is full. It returns ctx's error if ctx ends
// first, and ErrQueueClosed once Close has been called.
func (q *Queue) Enqueue(ctx context.Context, job models.Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- job:
		telemetry.QueueDepthGauge.Set(float64(len(q.ch)))
		select {
		case q.signal <- struct{}{}:
		default:
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Close stops accepting jobs. Jobs already queued remain for executors to drain.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
		q.mu.Lock()
		close(q.ch)
		q.mu.Unlock()
	})
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }

// jobs is drained by executors; it is closed after Close once no Enqueue is in flight.
func (q *Queue) jobs() <-chan models.Job { return q.ch }
