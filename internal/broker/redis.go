package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"feedsync/internal/telemetry"
)

// RedisOptions tunes the Redis transport.
type RedisOptions struct {
	// Lanes is the number of ordered lists per topic. A key always lands on the same lane.
	Lanes int
	// Lease is how long a consumer holds a message before it is redelivered.
	Lease time.Duration
	// MaxDeliveries moves a message to the DLQ after this many failed deliveries.
	MaxDeliveries int
	PollInterval  time.Duration
	// RequeueInterval is how often expired leases are scanned.
	RequeueInterval time.Duration
}

func (o *RedisOptions) defaults() {
	if o.Lanes <= 0 {
		o.Lanes = 4
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.RequeueInterval <= 0 {
		o.RequeueInterval = 5 * time.Second
	}
}

// RedisTransport keeps per-topic lanes (lists), an in-flight sorted set scored
// by lease deadline, a message body hash and a delivery counter hash.
type RedisTransport struct {
	client redis.UniversalClient
	opts   RedisOptions
	log    *zap.Logger
	now    func() time.Time
}

type storedMessage struct {
	Key  string `json:"k"`
	Lane int    `json:"l"`
	Body []byte `json:"b"`
}

func NewRedisTransport(client redis.UniversalClient, opts RedisOptions, logger *zap.Logger) *RedisTransport {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTransport{client: client, opts: opts, log: logger, now: time.Now}
}

func (t *RedisTransport) laneKey(topic string, lane int) string {
	return fmt.Sprintf("broker:%s:%d", topic, lane)
}

func (t *RedisTransport) inflightKey(topic string) string   { return "broker:" + topic + ":inflight" }
func (t *RedisTransport) messagesKey(topic string) string   { return "broker:" + topic + ":msg" }
func (t *RedisTransport) deliveriesKey(topic string) string { return "broker:" + topic + ":deliveries" }

// Lane returns the lane a key is routed to.
func (t *RedisTransport) Lane(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(t.opts.Lanes))
}

// Publish stores the body and appends its id to the key's lane.
func (t *RedisTransport) Publish(ctx context.Context, topic, key string, body []byte) error {
	lane := t.Lane(key)
	raw, err := json.Marshal(storedMessage{Key: key, Lane: lane, Body: body})
	if err != nil {
		return fmt.Errorf("%w: encode message: %v", ErrRejected, err)
	}
	id := uuid.New().String()
	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, t.messagesKey(topic), id, raw)
	pipe.RPush(ctx, t.laneKey(topic, lane), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// Subscribe runs one consumer per lane plus a requeue loop until ctx is done.
// Within a process each lane is consumed serially so per-key order holds.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for lane := 0; lane < t.opts.Lanes; lane++ {
		g.Go(func() error {
			t.consumeLane(gctx, topic, lane, h)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(t.opts.RequeueInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := t.RequeueExpired(gctx, topic, t.now(), 100); err != nil && gctx.Err() == nil {
					t.log.Warn("requeue expired leases", zap.String("topic", topic), zap.Error(err))
				}
			}
		}
	})
	return g.Wait()
}

func (t *RedisTransport) consumeLane(ctx context.Context, topic string, lane int, h Handler) {
	for ctx.Err() == nil {
		msg, id, ok, err := t.lease(ctx, topic, lane)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("lease message", zap.String("topic", topic), zap.Int("lane", lane), zap.Error(err))
			sleep(ctx, t.opts.PollInterval)
			continue
		}
		if !ok {
			sleep(ctx, t.opts.PollInterval)
			continue
		}
		t.deliver(ctx, topic, id, msg, h)
	}
}

func (t *RedisTransport) deliver(ctx context.Context, topic, id string, msg Message, h Handler) {
	herr := h(ctx, msg)
	// settle even when ctx was cancelled while the handler ran
	sctx := context.WithoutCancel(ctx)
	if herr == nil {
		if err := t.Ack(sctx, topic, id); err != nil {
			t.log.Warn("ack message", zap.String("topic", topic), zap.String("key", msg.Key), zap.Error(err))
		}
		return
	}
	if msg.Deliveries >= t.opts.MaxDeliveries && ctx.Err() == nil {
		if err := t.Publish(sctx, DLQTopic(topic), msg.Key, msg.Body); err != nil {
			t.log.Error("dead-letter message", zap.String("topic", topic), zap.String("key", msg.Key), zap.Error(err))
			return
		}
		telemetry.BrokerDeadLettered.Inc()
		t.log.Warn("message dead-lettered", zap.String("topic", topic), zap.String("key", msg.Key),
			zap.Int("deliveries", msg.Deliveries), zap.Error(herr))
		if err := t.Ack(sctx, topic, id); err != nil {
			t.log.Warn("ack dead-lettered message", zap.String("topic", topic), zap.Error(err))
		}
		return
	}
	if _, err := t.requeue(sctx, topic, id, t.laneKey(topic, t.Lane(msg.Key))); err != nil {
		t.log.Warn("requeue message", zap.String("topic", topic), zap.String("key", msg.Key), zap.Error(err))
	}
}

// lease pops the head of a lane into the in-flight set.
func (t *RedisTransport) lease(ctx context.Context, topic string, lane int) (Message, string, bool, error) {
	keys := []string{t.laneKey(topic, lane), t.inflightKey(topic), t.deliveriesKey(topic)}
	deadline := t.now().Add(t.opts.Lease).UnixMilli()
	res, err := leaseScript.Run(ctx, t.client, keys, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, "", false, nil
	}
	if err != nil {
		return Message{}, "", false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return Message{}, "", false, fmt.Errorf("unexpected lease reply %T", res)
	}
	id, _ := arr[0].(string)
	deliveries, _ := arr[1].(int64)

	raw, err := t.client.HGet(ctx, t.messagesKey(topic), id).Result()
	if errors.Is(err, redis.Nil) {
		// body already settled by another consumer
		_ = t.Ack(ctx, topic, id)
		return Message{}, "", false, nil
	}
	if err != nil {
		return Message{}, "", false, err
	}
	var sm storedMessage
	if err := json.Unmarshal([]byte(raw), &sm); err != nil {
		_ = t.Ack(ctx, topic, id)
		return Message{}, "", false, fmt.Errorf("decode stored message %s: %w", id, err)
	}
	return Message{Topic: topic, Key: sm.Key, Body: sm.Body, Deliveries: int(deliveries)}, id, true, nil
}

// Ack removes a message from in-flight tracking along with its body.
func (t *RedisTransport) Ack(ctx context.Context, topic, id string) error {
	pipe := t.client.TxPipeline()
	pipe.ZRem(ctx, t.inflightKey(topic), id)
	pipe.HDel(ctx, t.messagesKey(topic), id)
	pipe.HDel(ctx, t.deliveriesKey(topic), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (t *RedisTransport) requeue(ctx context.Context, topic, id, laneKey string) (bool, error) {
	n, err := requeueScript.Run(ctx, t.client, []string{t.inflightKey(topic), laneKey}, id).Int()
	return n == 1, err
}

// RequeueExpired returns leases whose deadline passed to the head of their lane.
func (t *RedisTransport) RequeueExpired(ctx context.Context, topic string, now time.Time, limit int64) ([]string, error) {
	ids, err := t.client.ZRangeByScore(ctx, t.inflightKey(topic), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	var moved []string
	for _, id := range ids {
		raw, err := t.client.HGet(ctx, t.messagesKey(topic), id).Result()
		if errors.Is(err, redis.Nil) {
			t.client.ZRem(ctx, t.inflightKey(topic), id)
			continue
		}
		if err != nil {
			return moved, err
		}
		var sm storedMessage
		if err := json.Unmarshal([]byte(raw), &sm); err != nil {
			return moved, fmt.Errorf("decode stored message %s: %w", id, err)
		}
		ok, err := t.requeue(ctx, topic, id, t.laneKey(topic, sm.Lane))
		if err != nil {
			return moved, err
		}
		if ok {
			moved = append(moved, id)
		}
	}
	return moved, nil
}

// Depth returns the number of messages waiting across every lane of topic.
func (t *RedisTransport) Depth(ctx context.Context, topic string) (int64, error) {
	pipe := t.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, t.opts.Lanes)
	for lane := 0; lane < t.opts.Lanes; lane++ {
		cmds = append(cmds, pipe.LLen(ctx, t.laneKey(topic, lane)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Peek reads up to n waiting messages of topic without leasing them.
func (t *RedisTransport) Peek(ctx context.Context, topic string, n int) ([]Message, error) {
	var out []Message
	for lane := 0; lane < t.opts.Lanes && len(out) < n; lane++ {
		ids, err := t.client.LRange(ctx, t.laneKey(topic, lane), 0, int64(n-len(out)-1)).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			raw, err := t.client.HGet(ctx, t.messagesKey(topic), id).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, err
			}
			var sm storedMessage
			if err := json.Unmarshal([]byte(raw), &sm); err != nil {
				continue
			}
			out = append(out, Message{Topic: topic, Key: sm.Key, Body: sm.Body})
		}
	}
	return out, nil
}

func (t *RedisTransport) Close() error { return nil }

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

var leaseScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local n = redis.call('HINCRBY', KEYS[3], id, 1)
return {id, n}
`)

var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('LPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)
