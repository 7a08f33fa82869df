package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// negativeSentinel marks a cached 404 so repeated lookups of a bad id do not
// hammer the accounting API.
const negativeSentinel = "!"

// Lookup is the TTL-bounded per-entry cache in front of lookup-by-id calls.
// Hits come from Redis; misses go to the API and the result (including a 404)
// is written back.
type Lookup struct {
	client      *Client
	rdb         *redis.Client
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *slog.Logger
}

// NewLookup builds a Lookup with the given positive and negative TTLs
// (defaults 15m and 2m).
func NewLookup(client *Client, rdb *redis.Client, ttl, negativeTTL time.Duration, logger *slog.Logger) *Lookup {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if negativeTTL <= 0 {
		negativeTTL = 2 * time.Minute
	}
	return &Lookup{client: client, rdb: rdb, ttl: ttl, negativeTTL: negativeTTL, logger: logger}
}

// CustomerByID resolves one customer, cache first. Returns ErrNotFound for
// ids the accounting system does not know, cached or fresh.
func (l *Lookup) CustomerByID(ctx context.Context, id string) (*Customer, error) {
	var out Customer
	found, err := cachedLookup(ctx, l, "cus:"+id, &out, func(ctx context.Context) (*Customer, error) {
		return l.client.GetCustomer(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &out, nil
}

// ItemByID resolves one item, cache first.
func (l *Lookup) ItemByID(ctx context.Context, id string) (*Item, error) {
	var out Item
	found, err := cachedLookup(ctx, l, "itm:"+id, &out, func(ctx context.Context) (*Item, error) {
		return l.client.GetItem(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &out, nil
}

// cachedLookup implements the cache-aside path shared by both entity kinds.
// Redis being down degrades to direct API calls rather than failing lookups.
func cachedLookup[T any](ctx context.Context, l *Lookup, key string, out *T, fetch func(context.Context) (*T, error)) (bool, error) {
	key = "rasid:lookup:" + key

	if cached, err := l.rdb.Get(ctx, key).Result(); err == nil {
		if cached == negativeSentinel {
			return false, nil
		}
		if err := json.Unmarshal([]byte(cached), out); err == nil {
			return true, nil
		}
		// Corrupt entry: fall through to the API and overwrite.
	} else if !errors.Is(err, redis.Nil) {
		l.logger.Warn("lookup cache read failed", "key", key, "error", err)
	}

	v, err := fetch(ctx)
	if errors.Is(err, ErrNotFound) {
		if err := l.rdb.Set(ctx, key, negativeSentinel, l.negativeTTL).Err(); err != nil {
			l.logger.Warn("lookup cache negative write failed", "key", key, "error", err)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("accounting: marshal lookup entry: %w", err)
	}
	if err := l.rdb.Set(ctx, key, payload, l.ttl).Err(); err != nil {
		l.logger.Warn("lookup cache write failed", "key", key, "error", err)
	}
	*out = *v
	return true, nil
}
