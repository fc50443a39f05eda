package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"feedsync/internal/models"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []models.Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func TestHandleMessageMalformedNeverEnqueued(t *testing.T) {
	cases := map[string]string{
		"invalid json":    `{"outboxId": "x", "jobType":`,
		"missing jobType": `{"outboxId":"0b8c","payload":{}}`,
		"empty jobType":   `{"outboxId":"0b8c","jobType":""}`,
		"not an object":   `"feed.ingest"`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			q := &recordingQueue{}
			b := NewBridge(q, zap.NewNop())
			if err := b.HandleMessage(context.Background(), []byte(body)); err != nil {
				t.Fatalf("malformed message should be dropped without error, got %v", err)
			}
			if q.count() != 0 {
				t.Fatalf("malformed message enqueued %d jobs", q.count())
			}
		})
	}
}

func TestHandleMessageEnqueuesJob(t *testing.T) {
	q := &recordingQueue{}
	b := NewBridge(q, zap.NewNop())
	body, err := EncodeEnvelope(models.OutboxEntry{ID: "e-1", JobType: models.JobTypeFeedIngest, Payload: json.RawMessage(`{"feedType":"ORGANIZATION"}`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.HandleMessage(context.Background(), body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if q.count() != 1 {
		t.Fatalf("expected one job, got %d", q.count())
	}
	job := q.jobs[0]
	if job.OutboxID != "e-1" || job.Type != models.JobTypeFeedIngest || string(job.Payload) != `{"feedType":"ORGANIZATION"}` {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestHandleMessageSurfacesQueueError(t *testing.T) {
	q := &recordingQueue{err: errors.New("queue closed")}
	b := NewBridge(q, zap.NewNop())
	body, _ := EncodeEnvelope(models.OutboxEntry{ID: "e-2", JobType: "x", Payload: json.RawMessage(`{}`)})
	if err := b.HandleMessage(context.Background(), body); err == nil {
		t.Fatalf("expected queue error to propagate so the message is redelivered")
	}
}

func TestEncodeEnvelopeRejectsInvalidPayload(t *testing.T) {
	if _, err := EncodeEnvelope(models.OutboxEntry{ID: "e", JobType: "x", Payload: json.RawMessage(`{oops`)}); err == nil {
		t.Fatalf("expected encode failure")
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"outboxId":"a","jobType":"feed.ingest","payload":[1,2]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.OutboxID != "a" || string(env.Payload) != "[1,2]" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if _, err := DecodeEnvelope([]byte(`{}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
