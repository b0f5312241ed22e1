// Package busredis implements pkg/bus.Bus and pkg/bus.DeadLetterStore over Redis,
// using github.com/redis/go-redis/v9. The key layout (namespaced by a configurable
// prefix, deterministic encoding, explicit TTLs) follows the same shape as the
// teacher's storage-service cache.RedisCache, but swaps its hand-rolled RESP client
// for the go-redis driver and a sorted set in place of simple key/value TTL entries,
// since the bus needs due-time ordering that a plain cache does not.
package busredis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/orbitcore/orbit/pkg/bus"
	"github.com/orbitcore/orbit/pkg/opid"
)

const (
	readySet    = "ready"
	inflightSet = "inflight"
	payloadHash = "payload"
	dlqList     = "dlq"
	attemptHash = "attempts"
)

// popScript first moves every inflight member whose lease has expired back to the ready
// set (due now), then atomically claims the earliest due, not-yet-leased message: it
// moves the member from the ready set to the inflight set (scored by lease expiry) and
// returns it, so two concurrent pollers never claim the same message.
var popScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local now = ARGV[1]
local leaseExpiresAt = ARGV[2]

local expired = redis.call("ZRANGEBYSCORE", inflight, "-inf", now)
for _, m in ipairs(expired) do
  redis.call("ZREM", inflight, m)
  redis.call("ZADD", ready, now, m)
end

local due = redis.call("ZRANGEBYSCORE", ready, "-inf", now, "LIMIT", 0, 1)
if #due == 0 then
  return nil
end
local member = due[1]
redis.call("ZREM", ready, member)
redis.call("ZADD", inflight, leaseExpiresAt, member)
return member
`)

// Options configures the Redis-backed Bus.
type Options struct {
	KeyPrefix string // default "orbit:bus"
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.KeyPrefix) == "" {
		o.KeyPrefix = "orbit:bus"
	}
	return o
}

// Bus implements bus.Bus and bus.DeadLetterStore.
type Bus struct {
	rdb  *redis.Client
	opts Options
}

func New(rdb *redis.Client, opts Options) *Bus {
	return &Bus{rdb: rdb, opts: opts.withDefaults()}
}

func (b *Bus) key(part string) string { return b.opts.KeyPrefix + ":" + part }

type wireMessage struct {
	OpId    string       `json:"op_id"`
	Command opid.Command `json:"command"`
	Attempt int          `json:"attempt"`
}

func (b *Bus) Enqueue(ctx context.Context, id opid.OpId, cmd opid.Command, afterDelay time.Duration) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrInvalid, err)
	}
	if afterDelay < 0 {
		afterDelay = 0
	}

	member := uuid.NewString()
	attempt, err := b.rdb.HIncrBy(ctx, b.key(attemptHash), id.String(), 1).Result()
	if err != nil {
		return fmt.Errorf("bus: incr attempt: %w", err)
	}

	wire := wireMessage{OpId: id.String(), Command: cmd, Attempt: int(attempt)}
	raw, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("bus: marshal message: %w", err)
	}

	dueAt := time.Now().UTC().Add(afterDelay)
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.key(payloadHash), member, raw)
	pipe.ZAdd(ctx, b.key(readySet), redis.Z{Score: float64(dueAt.UnixNano()), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bus: enqueue: %w", err)
	}
	return nil
}

func (b *Bus) Poll(ctx context.Context, visibilityTimeout time.Duration) (bus.Delivery, error) {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	now := time.Now().UTC()
	leaseExpiresAt := now.Add(visibilityTimeout)

	res, err := popScript.Run(ctx, b.rdb, []string{b.key(readySet), b.key(inflightSet)},
		strconv.FormatInt(now.UnixNano(), 10), strconv.FormatInt(leaseExpiresAt.UnixNano(), 10)).Result()
	if errors.Is(err, redis.Nil) || res == nil {
		return bus.Delivery{}, bus.ErrEmpty
	}
	if err != nil {
		return bus.Delivery{}, fmt.Errorf("bus: poll: %w", err)
	}
	member, ok := res.(string)
	if !ok {
		return bus.Delivery{}, bus.ErrEmpty
	}

	raw, err := b.rdb.HGet(ctx, b.key(payloadHash), member).Result()
	if errors.Is(err, redis.Nil) {
		return bus.Delivery{}, bus.ErrEmpty
	}
	if err != nil {
		return bus.Delivery{}, fmt.Errorf("bus: fetch payload: %w", err)
	}

	var wire wireMessage
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return bus.Delivery{}, fmt.Errorf("bus: decode payload: %w", err)
	}
	opID := opid.OpId(wire.OpId)
	if err := opID.Validate(); err != nil {
		return bus.Delivery{}, fmt.Errorf("bus: decode op id: %w", err)
	}

	return bus.Delivery{
		Message: bus.Message{OpId: opID, Command: wire.Command, Attempt: wire.Attempt},
		Receipt: bus.Receipt(member),
	}, nil
}

func (b *Bus) Ack(ctx context.Context, receipt bus.Receipt) error {
	member := string(receipt)
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, b.key(inflightSet), member)
	pipe.HDel(ctx, b.key(payloadHash), member)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("bus: ack: %w", err)
	}
	return nil
}

func (b *Bus) Nack(ctx context.Context, receipt bus.Receipt, requeueDelay time.Duration) error {
	if requeueDelay < 0 {
		requeueDelay = 0
	}
	member := string(receipt)
	dueAt := time.Now().UTC().Add(requeueDelay)

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, b.key(inflightSet), member)
	pipe.ZAdd(ctx, b.key(readySet), redis.Z{Score: float64(dueAt.UnixNano()), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bus: nack: %w", err)
	}
	return nil
}

func (b *Bus) DeadLetter(ctx context.Context, receipt bus.Receipt, reason string) error {
	member := string(receipt)
	raw, err := b.rdb.HGet(ctx, b.key(payloadHash), member).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: unknown receipt", bus.ErrInvalid)
	}
	if err != nil {
		return fmt.Errorf("bus: dead letter fetch: %w", err)
	}

	var wire wireMessage
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return fmt.Errorf("bus: decode payload: %w", err)
	}

	record := bus.DeadLetterRecord{
		OpId:           opidOrZero(wire.OpId),
		Command:        wire.Command,
		FinalAttempt:   wire.Attempt,
		Reason:         reason,
		DeadLetteredAt: time.Now().UTC(),
	}
	recRaw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("bus: marshal dead letter: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, b.key(inflightSet), member)
	pipe.HDel(ctx, b.key(payloadHash), member)
	pipe.RPush(ctx, b.key(dlqList), recRaw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bus: dead letter: %w", err)
	}
	return nil
}

func (b *Bus) List(ctx context.Context, limit int) ([]bus.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := b.rdb.LRange(ctx, b.key(dlqList), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: list dead letters: %w", err)
	}
	out := make([]bus.DeadLetterRecord, 0, len(raws))
	for _, raw := range raws {
		var rec bus.DeadLetterRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *Bus) Get(ctx context.Context, id opid.OpId) (bus.DeadLetterRecord, error) {
	raws, err := b.rdb.LRange(ctx, b.key(dlqList), 0, -1).Result()
	if err != nil {
		return bus.DeadLetterRecord{}, fmt.Errorf("bus: get dead letter: %w", err)
	}
	for _, raw := range raws {
		var rec bus.DeadLetterRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.OpId == id {
			return rec, nil
		}
	}
	return bus.DeadLetterRecord{}, fmt.Errorf("bus: %w: %s not dead-lettered", bus.ErrInvalid, id)
}

func opidOrZero(s string) opid.OpId {
	id := opid.OpId(s)
	if id.Validate() != nil {
		return opid.OpId("")
	}
	return id
}
