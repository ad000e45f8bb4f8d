// Package broker implements the Redis work-distribution substrate: per-queue
// priority dispatch with delay and visibility-timeout leases, plus the durable
// repeatable-schedule registry. The broker is never authoritative for job
// status — that is the job store's role.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pagecraft/orchestrator/internal/core"
	"github.com/pagecraft/orchestrator/internal/domain/model"
)

const keyPrefix = "orch"

// promoteBatch bounds how many delayed/expired items one dequeue touches.
const promoteBatch = 128

// fireKeyTTL keeps an occurrence lock long past any realistic scheduler skew.
const fireKeyTTL = 10 * time.Minute

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options configures the Redis broker.
type Options struct {
	Client redis.UniversalClient
	Logger *slog.Logger
	Clock  Clock
}

// RedisBroker implements core.Broker on Redis sorted sets and hashes. Per
// queue: a ready set (priority-folded scores), a delayed set (due-time
// scores), and a leased set (lease-expiry scores). Item bodies live in
// per-item hashes; repeatable registrations in one durable hash.
type RedisBroker struct {
	client redis.UniversalClient
	logger *slog.Logger
	clock  Clock
}

// New creates a RedisBroker.
func New(opts Options) (*RedisBroker, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &RedisBroker{
		client: opts.Client,
		logger: logger.With("component", "broker"),
		clock:  clock,
	}, nil
}

func readyKey(q model.Queue) string   { return keyPrefix + ":q:" + string(q) + ":ready" }
func delayedKey(q model.Queue) string { return keyPrefix + ":q:" + string(q) + ":delayed" }
func leasedKey(q model.Queue) string  { return keyPrefix + ":q:" + string(q) + ":leased" }
func itemKey(q model.Queue, id string) string {
	return keyPrefix + ":q:" + string(q) + ":item:" + id
}

const repeatablesKey = keyPrefix + ":repeatables"

// readyScore folds priority into the ready-set score so ZRANGE pops the
// highest priority first and FIFO within a priority band. Lower score wins:
// (10 - priority) selects the band, the enqueue timestamp orders inside it.
func readyScore(priority int, enqueuedAt time.Time) float64 {
	band := float64(10-model.ClampPriority(priority)) * 1e13
	return band + float64(enqueuedAt.UnixMilli())
}

// popLease atomically moves the best ready item to the leased set.
var popLease = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[1], ids[1])
return ids[1]
`)

// Enqueue stores the item body and makes it dispatchable, or parks it on the
// delayed set when a delay is given. Returns the broker item id.
func (b *RedisBroker) Enqueue(ctx context.Context, params core.EnqueueParams) (string, error) {
	if !params.Queue.Valid() {
		return "", fmt.Errorf("invalid queue: %q", params.Queue)
	}

	id := uuid.NewString()
	now := b.clock.Now()

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, itemKey(params.Queue, id), map[string]any{
		"payload":     params.Payload,
		"priority":    model.ClampPriority(params.Priority),
		"deliveries":  0,
		"enqueued_at": now.UnixMilli(),
	})
	if params.Delay > 0 {
		due := now.Add(params.Delay)
		pipe.ZAdd(ctx, delayedKey(params.Queue), redis.Z{Score: float64(due.Unix()), Member: id})
	} else {
		pipe.ZAdd(ctx, readyKey(params.Queue), redis.Z{Score: readyScore(params.Priority, now), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", params.Queue, err)
	}
	return id, nil
}

// Dequeue promotes due delayed items, requeues expired leases, then leases the
// best ready item for the queue's visibility timeout. Returns nil when empty.
func (b *RedisBroker) Dequeue(ctx context.Context, queue model.Queue) (*core.BrokerItem, error) {
	if !queue.Valid() {
		return nil, fmt.Errorf("invalid queue: %q", queue)
	}
	now := b.clock.Now()

	if err := b.promoteDue(ctx, queue, now); err != nil {
		return nil, err
	}
	if err := b.requeueExpired(ctx, queue, now); err != nil {
		return nil, err
	}

	leaseUntil := now.Add(queue.Config().Timeout)
	res, err := popLease.Run(ctx, b.client,
		[]string{readyKey(queue), leasedKey(queue)},
		float64(leaseUntil.Unix()),
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}

	return b.loadItem(ctx, queue, id)
}

func (b *RedisBroker) loadItem(ctx context.Context, queue model.Queue, id string) (*core.BrokerItem, error) {
	pipe := b.client.TxPipeline()
	deliveries := pipe.HIncrBy(ctx, itemKey(queue, id), "deliveries", 1)
	fields := pipe.HGetAll(ctx, itemKey(queue, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load item %s: %w", id, err)
	}

	vals := fields.Val()
	item := &core.BrokerItem{
		ID:         id,
		Queue:      queue,
		Payload:    []byte(vals["payload"]),
		Deliveries: int(deliveries.Val()),
	}
	if p, err := strconv.Atoi(vals["priority"]); err == nil {
		item.Priority = p
	}
	if ms, err := strconv.ParseInt(vals["enqueued_at"], 10, 64); err == nil {
		item.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return item, nil
}

// promoteDue moves due delayed items onto the ready set.
func (b *RedisBroker) promoteDue(ctx context.Context, queue model.Queue, now time.Time) error {
	ids, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10), Count: promoteBatch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		// Delayed items re-enter at their stored priority.
		priority := b.itemPriority(ctx, queue, id)
		pipe.ZAdd(ctx, readyKey(queue), redis.Z{Score: readyScore(priority, now), Member: id})
		pipe.ZRem(ctx, delayedKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("promote due %s: %w", queue, err)
	}
	return nil
}

// requeueExpired returns items whose lease lapsed to the ready set; the
// crashed holder's work is simply redelivered.
func (b *RedisBroker) requeueExpired(ctx context.Context, queue model.Queue, now time.Time) error {
	ids, err := b.client.ZRangeByScore(ctx, leasedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10), Count: promoteBatch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		priority := b.itemPriority(ctx, queue, id)
		pipe.ZAdd(ctx, readyKey(queue), redis.Z{Score: readyScore(priority, now), Member: id})
		pipe.ZRem(ctx, leasedKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue expired %s: %w", queue, err)
	}
	b.logger.Warn("requeued expired leases", "queue", queue, "count", len(ids))
	return nil
}

func (b *RedisBroker) itemPriority(ctx context.Context, queue model.Queue, id string) int {
	v, err := b.client.HGet(ctx, itemKey(queue, id), "priority").Result()
	if err != nil {
		return model.DefaultPriority
	}
	p, err := strconv.Atoi(v)
	if err != nil {
		return model.DefaultPriority
	}
	return p
}

// Ack removes a leased item permanently.
func (b *RedisBroker) Ack(ctx context.Context, queue model.Queue, itemID string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, leasedKey(queue), itemID)
	pipe.Del(ctx, itemKey(queue, itemID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s/%s: %w", queue, itemID, err)
	}
	return nil
}

// Release returns a leased item to the queue after the given delay (retry
// backoff). Zero delay makes it immediately dispatchable again.
func (b *RedisBroker) Release(ctx context.Context, params core.ReleaseParams) error {
	now := b.clock.Now()

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, leasedKey(params.Queue), params.ItemID)
	if params.Delay > 0 {
		due := now.Add(params.Delay)
		pipe.ZAdd(ctx, delayedKey(params.Queue), redis.Z{Score: float64(due.Unix()), Member: params.ItemID})
	} else {
		priority := b.itemPriority(ctx, params.Queue, params.ItemID)
		pipe.ZAdd(ctx, readyKey(params.Queue), redis.Z{Score: readyScore(priority, now), Member: params.ItemID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release %s/%s: %w", params.Queue, params.ItemID, err)
	}
	return nil
}

// Remove deletes an item wherever it sits. Used by the stuck-heal path, so a
// missing item is a normal outcome, not an error.
func (b *RedisBroker) Remove(ctx context.Context, queue model.Queue, itemID string) (bool, error) {
	pipe := b.client.TxPipeline()
	ready := pipe.ZRem(ctx, readyKey(queue), itemID)
	delayed := pipe.ZRem(ctx, delayedKey(queue), itemID)
	leased := pipe.ZRem(ctx, leasedKey(queue), itemID)
	deleted := pipe.Del(ctx, itemKey(queue, itemID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("remove %s/%s: %w", queue, itemID, err)
	}
	removed := ready.Val()+delayed.Val()+leased.Val() > 0 || deleted.Val() > 0
	return removed, nil
}

// Depths reports ready+delayed counts per queue for diagnostics and metrics.
func (b *RedisBroker) Depths(ctx context.Context) (map[model.Queue]int64, error) {
	queues := model.AllQueues()

	pipe := b.client.TxPipeline()
	ready := make([]*redis.IntCmd, len(queues))
	delayed := make([]*redis.IntCmd, len(queues))
	for i, q := range queues {
		ready[i] = pipe.ZCard(ctx, readyKey(q))
		delayed[i] = pipe.ZCard(ctx, delayedKey(q))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}

	depths := make(map[model.Queue]int64, len(queues))
	for i, q := range queues {
		depths[q] = ready[i].Val() + delayed[i].Val()
	}
	return depths, nil
}

// RegisterRepeatable stores a recurring registration durably so it survives
// process restarts. Idempotent on spec id.
func (b *RedisBroker) RegisterRepeatable(ctx context.Context, spec core.RepeatableSpec) error {
	if spec.ID == "" {
		return errors.New("repeatable spec id is required")
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal repeatable %s: %w", spec.ID, err)
	}
	if err := b.client.HSet(ctx, repeatablesKey, spec.ID, raw).Err(); err != nil {
		return fmt.Errorf("register repeatable %s: %w", spec.ID, err)
	}
	return nil
}

// Repeatables returns every stored registration.
func (b *RedisBroker) Repeatables(ctx context.Context) ([]core.RepeatableSpec, error) {
	raw, err := b.client.HGetAll(ctx, repeatablesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list repeatables: %w", err)
	}

	specs := make([]core.RepeatableSpec, 0, len(raw))
	for id, blob := range raw {
		var spec core.RepeatableSpec
		if err := json.Unmarshal([]byte(blob), &spec); err != nil {
			b.logger.Warn("skipping malformed repeatable", "id", id, "error", err)
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// UnregisterAll removes every repeatable registration. Used during
// redeploy/reconfiguration; returns the count removed.
func (b *RedisBroker) UnregisterAll(ctx context.Context) (int, error) {
	ids, err := b.client.HKeys(ctx, repeatablesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list repeatable keys: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	removed, err := b.client.HDel(ctx, repeatablesKey, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("unregister repeatables: %w", err)
	}
	return int(removed), nil
}

// ClaimFire takes the cross-process lock for one occurrence of a repeatable,
// so a schedule due at minute M fires exactly once however many scheduler
// processes are running.
func (b *RedisBroker) ClaimFire(ctx context.Context, spec core.RepeatableSpec, occurrence time.Time) (bool, error) {
	key := fmt.Sprintf("%s:fire:%s:%d", keyPrefix, spec.ID, occurrence.Unix())
	status, err := b.client.SetArgs(ctx, key, "1", redis.SetArgs{Mode: "NX", TTL: fireKeyTTL}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("claim fire %s: %w", spec.ID, err)
	}
	return status == "OK", nil
}
