package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/tickettoken/services/ticketing/config"
	"example.com/tickettoken/services/ticketing/internal/ledger"
)

// RedisCache provides the scan dedup fast path and read caching.
type RedisCache struct {
	client  *redis.Client
	enabled bool
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
	}, nil
}

// Enabled reports whether the cache is backed by a live connection.
func (c *RedisCache) Enabled() bool {
	return c != nil && c.enabled
}

// ClaimScan attempts to claim the dedup slot for an identical
// (ticket, scan type, device) triple within the window. It returns
// false when the slot is already held, meaning the scan is a duplicate.
// When the cache is disabled the claim always succeeds and the caller
// falls back to the database window query.
func (c *RedisCache) ClaimScan(ctx context.Context, ticketID uuid.UUID, scanType ledger.ScanType, deviceID string, window time.Duration) (bool, error) {
	if !c.Enabled() {
		return true, nil
	}

	key := scanDedupKey(ticketID, scanType, deviceID)
	ok, err := c.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), window).Result()
	if err != nil {
		return true, errors.Wrap(err, "failed to claim scan dedup slot")
	}
	return ok, nil
}

// ReleaseScan frees a claimed dedup slot. Called when the scan was
// claimed but then rejected, so a corrected retry is not misreported
// as a duplicate.
func (c *RedisCache) ReleaseScan(ctx context.Context, ticketID uuid.UUID, scanType ledger.ScanType, deviceID string) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Del(ctx, scanDedupKey(ticketID, scanType, deviceID)).Err()
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	if !c.Enabled() {
		return errors.New("cache is disabled")
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return errors.Wrap(err, "key not found in cache")
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}
	return nil
}

// Set stores a value in cache with optional expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if !c.Enabled() {
		return errors.New("cache is disabled")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}
	return nil
}

// Invalidate removes a cached value.
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Del(ctx, key).Err()
}

func scanDedupKey(ticketID uuid.UUID, scanType ledger.ScanType, deviceID string) string {
	return fmt.Sprintf("scan:%s:%s:%s", ticketID.String(), scanType, deviceID)
}

// GetTicketCacheKey generates a cache key for ticket state
func GetTicketCacheKey(id uuid.UUID) string {
	return fmt.Sprintf("ticket:%s", id.String())
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.Enabled() || c.client == nil {
		return nil
	}
	return c.client.Close()
}
