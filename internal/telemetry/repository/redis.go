package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"healthdata-platform/backend/internal/telemetry/domain"
)

// DefaultRedisPrefix namespaces every key written by RedisRepository.
const DefaultRedisPrefix = "hdp:telemetry:"

// RedisRepository stores each entry as a JSON string with native key expiry and keeps a
// per-partition sorted set of sort keys (all scores 0) for lexicographic range queries.
// Index members whose entry has expired are pruned on read.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisRepository returns a RedisRepository. An empty prefix selects DefaultRedisPrefix.
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRepository{client: client, prefix: prefix, now: time.Now}
}

// Keys of one partition share a hash tag so they land in the same cluster slot.
func (r *RedisRepository) entryKey(pk, sk string) string { return r.prefix + "{" + pk + "}:e:" + sk }
func (r *RedisRepository) indexKey(pk string) string     { return r.prefix + "{" + pk + "}:i" }

// Put writes the entry and its index member in one transaction. Entries that are already
// expired are not stored.
func (r *RedisRepository) Put(ctx context.Context, e *domain.Entry) error {
	ttl := e.ExpiresAt.Sub(r.now())
	if !e.ExpiresAt.IsZero() && ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	idx := r.indexKey(e.PartitionKey)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if e.ExpiresAt.IsZero() {
			p.Set(ctx, r.entryKey(e.PartitionKey, e.SortKey), payload, 0)
		} else {
			p.SetArgs(ctx, r.entryKey(e.PartitionKey, e.SortKey), payload, redis.SetArgs{ExpireAt: e.ExpiresAt})
		}
		p.ZAdd(ctx, idx, redis.Z{Score: 0, Member: e.SortKey})
		if !e.ExpiresAt.IsZero() {
			// The index lives as long as its longest-lived entry.
			p.ExpireNX(ctx, idx, ttl)
			p.ExpireGT(ctx, idx, ttl)
		}
		return nil
	})
	return err
}

// Get returns the entry for (pk, sk), or nil if not found or expired.
func (r *RedisRepository) Get(ctx context.Context, pk, sk string) (*domain.Entry, error) {
	raw, err := r.client.Get(ctx, r.entryKey(pk, sk)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return decodeEntry(raw)
}

func (r *RedisRepository) Query(ctx context.Context, pk, skPrefix string) ([]*domain.Entry, error) {
	idx := r.indexKey(pk)
	members, err := r.client.ZRangeByLex(ctx, idx, &redis.ZRangeBy{
		Min: "[" + skPrefix,
		Max: "[" + skPrefix + "\xff",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, sk := range members {
		keys[i] = r.entryKey(pk, sk)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Entry, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		e, err := decodeEntry([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if len(stale) > 0 {
		_ = r.client.ZRem(ctx, idx, stale...).Err()
	}
	return out, nil
}

// DeleteExpired is a no-op: Redis expires entries natively.
func (r *RedisRepository) DeleteExpired(ctx context.Context, _ time.Time) (int64, error) {
	return 0, ctx.Err()
}

func decodeEntry(raw []byte) (*domain.Entry, error) {
	var e domain.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}
