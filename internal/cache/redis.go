package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps Redis with the operations the broker needs: TTL key/value,
// atomic counters, sorted-set sliding windows and the embedding cache.
type Client struct {
	rdb *redis.Client
	log *zap.Logger
	now func() time.Time
}

const embeddingTTL = 60 * 24 * time.Hour // 60 days

// WindowResult is the outcome of one sliding-window check.
type WindowResult struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
	ResetAt   int64 `json:"reset_at"` // unix ms when the oldest entry leaves the window
}

func New(addr, password string, log *zap.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Client{rdb: rdb, log: log, now: time.Now}
}

// Healthy reports whether Redis answers a ping.
func (c *Client) Healthy(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX sets key only if absent. Used for replay markers and one-shot
// postage tokens; returns false when the key already existed.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// GetDel reads and deletes atomically. One-shot token consumption.
func (c *Client) GetDel(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// SlidingWindowAllow implements the sorted-set sliding window: trim scores
// older than the window, count, insert the new timestamp only when under the
// limit. On denial ResetAt is oldest_score + window.
func (c *Client) SlidingWindowAllow(ctx context.Context, key string, limit int64, window time.Duration) (WindowResult, error) {
	nowMS := c.now().UnixMilli()
	windowMS := window.Milliseconds()
	cutoff := nowMS - windowMS

	pipe := c.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return WindowResult{}, err
	}

	count := countCmd.Val()
	if count >= limit {
		oldest, err := c.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
		resetAt := nowMS + windowMS
		if err == nil && len(oldest) == 1 {
			resetAt = int64(oldest[0].Score) + windowMS
		}
		return WindowResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	member := fmt.Sprintf("%d-%d", nowMS, count)
	add := c.rdb.TxPipeline()
	add.ZAdd(ctx, key, redis.Z{Score: float64(nowMS), Member: member})
	add.Expire(ctx, key, window+time.Second)
	if _, err := add.Exec(ctx); err != nil {
		return WindowResult{}, err
	}

	return WindowResult{Allowed: true, Remaining: limit - count - 1, ResetAt: nowMS + windowMS}, nil
}

// CacheEmbedding stores a vector under its content hash.
func (c *Client) CacheEmbedding(ctx context.Context, textHash string, vector []float32) error {
	b, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, "emb:"+textHash, b, embeddingTTL).Err()
}

// LookupEmbedding returns the cached vector for a content hash, if present.
func (c *Client) LookupEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	b, err := c.rdb.Get(ctx, "emb:"+textHash).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var vec []float32
	if err := json.Unmarshal(b, &vec); err != nil {
		// Corrupt cache entry: treat as a miss rather than failing discovery.
		c.log.Warn("corrupt embedding cache entry", zap.String("hash", textHash))
		return nil, false, nil
	}
	return vec, true, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.rdb.Close() }
