package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trustd/pkg/drift"
	"trustd/pkg/session"
)

const (
	decisionKeyPrefix = "trustd:decision:"
	driftKeyPrefix    = "trustd:drift:"
	cacheTTL          = time.Hour
)

// RedisCache is the hot-path cache for latest decisions and drift
// state, so decision reads and session resumes skip Postgres.
type RedisCache struct {
	client *redis.Client
}

// OpenRedis connects and verifies the cache is reachable.
func OpenRedis(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) SetLatestDecision(ctx context.Context, ev session.DecisionEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	return c.client.Set(ctx, decisionKeyPrefix+ev.SessionID, raw, cacheTTL).Err()
}

func (c *RedisCache) LatestDecision(ctx context.Context, sessionID string) (*session.DecisionEvent, error) {
	raw, err := c.client.Get(ctx, decisionKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	var ev session.DecisionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &ev, nil
}

func (c *RedisCache) SetDriftState(ctx context.Context, st *drift.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal drift state: %w", err)
	}
	return c.client.Set(ctx, driftKeyPrefix+st.UserID, raw, cacheTTL).Err()
}

func (c *RedisCache) DriftState(ctx context.Context, userID string) (*drift.State, error) {
	raw, err := c.client.Get(ctx, driftKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get drift state: %w", err)
	}
	var st drift.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode drift state: %w", err)
	}
	return &st, nil
}

// Close releases the client connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }
