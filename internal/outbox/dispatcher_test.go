package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"feedsync/internal/broker"
	"feedsync/internal/models"
	"feedsync/internal/store"
	"feedsync/internal/store/memstore"
)

type published struct {
	topic, key string
	env        models.Envelope
}

type fakePublisher struct {
	mu    sync.Mutex
	sent  []published
	errFn func(key string) error
	block bool
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, body []byte) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.errFn != nil {
		if err := f.errFn(key); err != nil {
			return err
		}
	}
	env, err := broker.DecodeEnvelope(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, published{topic: topic, key: key, env: env})
	f.mu.Unlock()
	return nil
}

func newFixture(t *testing.T, pub broker.Publisher, cfg Config) (*Dispatcher, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	if cfg.Topic == "" {
		cfg.Topic = "jobs"
	}
	if cfg.ClaimerID == "" {
		cfg.ClaimerID = "d1"
	}
	return NewDispatcher(st, pub, cfg, zap.NewNop()), st
}

func enqueue(t *testing.T, st *memstore.Store, payload string) models.OutboxEntry {
	t.Helper()
	e, err := st.Enqueue(context.Background(), store.EnqueueParams{JobType: models.JobTypeFeedIngest, Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return e
}

func TestRunOncePublishesKeyedByOutboxID(t *testing.T) {
	pub := &fakePublisher{}
	d, st := newFixture(t, pub, Config{})
	a := enqueue(t, st, `{"n":1}`)
	b := enqueue(t, st, `{"n":2}`)

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Claimed != 2 || res.Dispatched != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if pub.sent[0].key != a.ID || pub.sent[1].key != b.ID {
		t.Fatalf("expected oldest-first publishing keyed by id")
	}
	if pub.sent[0].topic != "jobs" || pub.sent[0].env.OutboxID != a.ID || string(pub.sent[0].env.Payload) != `{"n":1}` {
		t.Fatalf("unexpected envelope %+v", pub.sent[0])
	}
	for _, id := range []string{a.ID, b.ID} {
		e, _ := st.GetEntry(context.Background(), id)
		if e.Status != models.OutboxDispatched {
			t.Fatalf("entry %s status %s", id, e.Status)
		}
	}
}

func TestRunOnceRespectsBatchSize(t *testing.T) {
	pub := &fakePublisher{}
	d, st := newFixture(t, pub, Config{BatchSize: 3})
	for i := 0; i < 5; i++ {
		enqueue(t, st, `{}`)
	}
	res, _ := d.RunOnce(context.Background())
	if res.Claimed != 3 {
		t.Fatalf("expected 3 claimed, got %d", res.Claimed)
	}
	counts, _ := st.CountByStatus(context.Background())
	if counts[models.OutboxPending] != 2 {
		t.Fatalf("expected 2 still pending, got %d", counts[models.OutboxPending])
	}
}

func TestPublishTimeoutLeavesEntryDispatching(t *testing.T) {
	pub := &fakePublisher{block: true}
	d, st := newFixture(t, pub, Config{PublishTimeout: 10 * time.Millisecond})
	e := enqueue(t, st, `{}`)

	res, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stalled != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := st.GetEntry(context.Background(), e.ID)
	if got.Status != models.OutboxDispatching {
		t.Fatalf("timed out entry should stay DISPATCHING, got %s", got.Status)
	}
}

func TestRejectionMarksFailedAndEnqueuesRetry(t *testing.T) {
	pub := &fakePublisher{errFn: func(string) error { return broker.ErrRejected }}
	d, st := newFixture(t, pub, Config{MaxAttempts: 2, BackoffInitial: time.Second, BackoffMax: time.Minute})
	e := enqueue(t, st, `{"feedType":"HOLIDAY"}`)

	res, _ := d.RunOnce(context.Background())
	if res.Failed != 1 || res.Retried != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := st.GetEntry(context.Background(), e.ID)
	if got.Status != models.OutboxFailed || got.LastError == nil {
		t.Fatalf("expected FAILED with reason, got %+v", got)
	}

	all := st.Entries()
	if len(all) != 2 {
		t.Fatalf("expected retry copy, got %d entries", len(all))
	}
	retry := all[1]
	if retry.Status != models.OutboxPending || retry.Attempt != 2 || string(retry.Payload) != `{"feedType":"HOLIDAY"}` {
		t.Fatalf("unexpected retry copy %+v", retry)
	}
	if !retry.AvailableAt.After(time.Now()) {
		t.Fatalf("retry copy should be delayed, available at %s", retry.AvailableAt)
	}

	// the retry copy is the last attempt: rejecting it again must not spawn another
	d.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	res, _ = d.RunOnce(context.Background())
	if res.Failed != 1 || res.Retried != 0 {
		t.Fatalf("exhausted entry should not be retried, got %+v", res)
	}
}

func TestTransientErrorLeavesEntryForReaper(t *testing.T) {
	pub := &fakePublisher{errFn: func(string) error { return broker.ErrTransient }}
	d, st := newFixture(t, pub, Config{})
	e := enqueue(t, st, `{}`)
	_, _ = d.RunOnce(context.Background())
	got, _ := st.GetEntry(context.Background(), e.ID)
	if got.Status != models.OutboxDispatching {
		t.Fatalf("expected DISPATCHING, got %s", got.Status)
	}
}

func TestReapReclaimsStaleAndEntryIsDispatchedAgain(t *testing.T) {
	pub := &fakePublisher{block: true}
	d, st := newFixture(t, pub, Config{PublishTimeout: 5 * time.Millisecond, StaleAfter: time.Minute})
	e := enqueue(t, st, `{}`)
	_, _ = d.RunOnce(context.Background())

	n, err := d.Reap(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("fresh claim must not be reaped: n=%d err=%v", n, err)
	}

	d.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = d.Reap(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one reclaimed entry: n=%d err=%v", n, err)
	}

	pub.block = false
	res, _ := d.RunOnce(context.Background())
	if res.Dispatched != 1 {
		t.Fatalf("reclaimed entry should dispatch on the next cycle: %+v", res)
	}
	got, _ := st.GetEntry(context.Background(), e.ID)
	if got.Status != models.OutboxDispatched {
		t.Fatalf("expected DISPATCHED, got %s", got.Status)
	}
}

type fixedThrottle struct{ grant int }

func (f fixedThrottle) Take(_ context.Context, _ string, n int) (int, error) {
	if f.grant < n {
		return f.grant, nil
	}
	return n, nil
}

func (fixedThrottle) Return(context.Context, string, int) error { return nil }

type brokenThrottle struct{}

func (brokenThrottle) Take(context.Context, string, int) (int, error) {
	return 0, errors.New("redis down")
}

func (brokenThrottle) Return(context.Context, string, int) error { return errors.New("redis down") }

// poolThrottle is a shared budget that records returned slots.
type poolThrottle struct {
	tokens   int
	returned int
}

func (p *poolThrottle) Take(_ context.Context, _ string, n int) (int, error) {
	if n > p.tokens {
		n = p.tokens
	}
	p.tokens -= n
	return n, nil
}

func (p *poolThrottle) Return(_ context.Context, _ string, n int) error {
	p.tokens += n
	p.returned += n
	return nil
}

func TestThrottleLimitsClaims(t *testing.T) {
	st := memstore.New()
	for i := 0; i < 4; i++ {
		enqueue(t, st, `{}`)
	}
	d := NewDispatcher(st, &fakePublisher{}, Config{Topic: "jobs", ClaimerID: "d1"}, zap.NewNop(), WithThrottle(fixedThrottle{grant: 1}))
	res, _ := d.RunOnce(context.Background())
	if res.Claimed != 1 {
		t.Fatalf("expected throttled claim of 1, got %d", res.Claimed)
	}

	d = NewDispatcher(st, &fakePublisher{}, Config{Topic: "jobs", ClaimerID: "d1"}, zap.NewNop(), WithThrottle(brokenThrottle{}))
	res, _ = d.RunOnce(context.Background())
	if res.Claimed != 3 {
		t.Fatalf("limiter outage should not block dispatch, claimed %d", res.Claimed)
	}
}

func TestUnusedThrottleSlotsAreReturned(t *testing.T) {
	st := memstore.New()
	for i := 0; i < 2; i++ {
		enqueue(t, st, `{}`)
	}
	budget := &poolThrottle{tokens: 10}
	d := NewDispatcher(st, &fakePublisher{}, Config{Topic: "jobs", ClaimerID: "d1", BatchSize: 5}, zap.NewNop(), WithThrottle(budget))

	res, err := d.RunOnce(context.Background())
	if err != nil || res.Claimed != 2 {
		t.Fatalf("expected 2 claimed, got %+v %v", res, err)
	}
	if budget.returned != 3 || budget.tokens != 8 {
		t.Fatalf("expected 3 slots returned leaving 8, got returned=%d tokens=%d", budget.returned, budget.tokens)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff should cap at max: %s", b10)
	}
}
