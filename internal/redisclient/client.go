package redisclient

import (
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inventory-service/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/set_level.lua
var setLevelScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

const pendingMarker = "pending"

// TTLs bounds how long cached entries live
type TTLs struct {
	Level       time.Duration
	Idempotency time.Duration
}

type Client struct {
	rdb           *redis.Client
	setLevel      *redis.Script
	releaseLock   *redis.Script
	levelTTL      time.Duration
	idempotentTTL time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, ttls TTLs) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		setLevel:      redis.NewScript(setLevelScript),
		releaseLock:   redis.NewScript(releaseLockScript),
		levelTTL:      ttls.Level,
		idempotentTTL: ttls.Idempotency,
	}, nil
}

// Ping checks Redis connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func levelKey(productID, warehouseID string) string {
	return "inventory:" + models.LevelKey(productID, warehouseID)
}

// GetLevel reads a cached level. ok is false on a miss.
func (c *Client) GetLevel(ctx context.Context, productID, warehouseID string) (*models.InventoryLevel, bool, error) {
	data, err := c.rdb.HGet(ctx, levelKey(productID, warehouseID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("level cache read failed: %w", err)
	}

	var level models.InventoryLevel
	if err := json.Unmarshal(data, &level); err != nil {
		return nil, false, fmt.Errorf("level cache entry corrupt: %w", err)
	}
	return &level, true, nil
}

// SetLevel caches level unless a newer version is already present
func (c *Client) SetLevel(ctx context.Context, level *models.InventoryLevel) error {
	data, err := json.Marshal(level)
	if err != nil {
		return fmt.Errorf("failed to encode level: %w", err)
	}

	ttl := int64(c.levelTTL / time.Second)
	if ttl <= 0 {
		ttl = 300
	}
	key := levelKey(level.ProductID, level.WarehouseID)
	if err := c.setLevel.Run(ctx, c.rdb, []string{key}, level.Version, data, ttl).Err(); err != nil {
		return fmt.Errorf("set level script failed: %w", err)
	}
	return nil
}

// DeleteLevel evicts a cached level
func (c *Client) DeleteLevel(ctx context.Context, productID, warehouseID string) error {
	return c.rdb.Del(ctx, levelKey(productID, warehouseID)).Err()
}

// AcquireLock acquires a distributed lock. The returned token must be passed
// to ReleaseLock; it is empty when the lock is held elsewhere.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	ok, err := c.rdb.SetNX(ctx, "lock:"+lockKey, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock releases a distributed lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	if err := c.releaseLock.Run(ctx, c.rdb, []string{"lock:" + lockKey}, token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", lockKey, err)
	}
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func idempotencyKey(key string) string {
	return "idempotency:reserve:" + key
}

// Claim marks an idempotency key as in flight. When the key already exists it
// returns the recorded value, which is empty while the first request runs.
func (c *Client) Claim(ctx context.Context, key string) (string, bool, error) {
	ok, err := c.rdb.SetNX(ctx, idempotencyKey(key), pendingMarker, c.idempotentTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return "", true, nil
	}

	existing, err := c.rdb.Get(ctx, idempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return c.Claim(ctx, key)
	}
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	if existing == pendingMarker {
		existing = ""
	}
	return existing, false, nil
}

// Complete records the outcome of a claimed key
func (c *Client) Complete(ctx context.Context, key, value string) error {
	return c.rdb.Set(ctx, idempotencyKey(key), value, c.idempotentTTL).Err()
}

// Release forgets a claimed key so the request can be retried
func (c *Client) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idempotencyKey(key)).Err()
}
