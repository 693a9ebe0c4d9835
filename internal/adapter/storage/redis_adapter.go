package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/allocation-service/internal/port"
)

const allocationKeyPrefix = "allocation:"

// removeIfPointsAt deletes a hash field only while it still names the batch
// the caller saw, so a late Deallocated cannot erase a newer allocation.
var removeIfPointsAt = redis.NewScript(`
local key = KEYS[1]
local field = ARGV[1]
local batchref = ARGV[2]

if redis.call('HGET', key, field) == batchref then
	return redis.call('HDEL', key, field)
end

return 0
`)

// RedisAllocationView is the read model answering "where did my order go".
// Each order is a hash of sku to batch reference.
type RedisAllocationView struct {
	client *redis.Client
}

func NewRedisAllocationView(client *redis.Client) *RedisAllocationView {
	return &RedisAllocationView{client: client}
}

func (r *RedisAllocationView) Add(ctx context.Context, orderID, sku, batchRef string) error {
	if err := r.client.HSet(ctx, allocationKeyPrefix+orderID, sku, batchRef).Err(); err != nil {
		return fmt.Errorf("record allocation %s/%s: %w", orderID, sku, err)
	}
	return nil
}

func (r *RedisAllocationView) Remove(ctx context.Context, orderID, sku, batchRef string) error {
	key := allocationKeyPrefix + orderID
	if err := removeIfPointsAt.Run(ctx, r.client, []string{key}, sku, batchRef).Err(); err != nil {
		return fmt.Errorf("remove allocation %s/%s: %w", orderID, sku, err)
	}
	return nil
}

func (r *RedisAllocationView) ForOrder(ctx context.Context, orderID string) ([]port.Allocation, error) {
	fields, err := r.client.HGetAll(ctx, allocationKeyPrefix+orderID).Result()
	if err != nil {
		return nil, fmt.Errorf("read allocations %s: %w", orderID, err)
	}
	return toAllocations(fields), nil
}

func toAllocations(fields map[string]string) []port.Allocation {
	out := make([]port.Allocation, 0, len(fields))
	for sku, ref := range fields {
		out = append(out, port.Allocation{SKU: sku, BatchRef: ref})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

const (
	deliveryKeyPrefix = "delivery:"
	deliveryKeyTTL    = 24 * time.Hour
)

// RedisDeduplicator remembers delivery ids so redelivered messages are
// handled once.
type RedisDeduplicator struct {
	client *redis.Client
}

func NewRedisDeduplicator(client *redis.Client) *RedisDeduplicator {
	return &RedisDeduplicator{client: client}
}

// FirstSeen reports whether id is new and marks it seen.
func (r *RedisDeduplicator) FirstSeen(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, deliveryKeyPrefix+id, 1, deliveryKeyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark delivery %s: %w", id, err)
	}
	return ok, nil
}

// Forget clears id so a failed delivery can be retried.
func (r *RedisDeduplicator) Forget(ctx context.Context, id string) error {
	return r.client.Del(ctx, deliveryKeyPrefix+id).Err()
}
