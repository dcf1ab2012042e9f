package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	playerKeyPrefix   = "crosslink:player:"
	invalidationTopic = "crosslink:inval"
)

// RedisCache is the warm tier: JSON-encoded player records with a bounded
// TTL, plus a pub/sub invalidation channel so peer instances drop their
// hot copies when a record changes hands.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache connects to Redis and verifies the link. The caller
// decides whether a connection failure disables the tier.
func NewRedisCache(addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("store: redis ping (%s): %w", addr, err)
	}

	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	slog.Info("[Store] redis cache connected", "addr", addr, "db", db)
	return &RedisCache{rdb: rdb, ttl: ttl}, nil
}

// Close shuts down the underlying client.
func (rc *RedisCache) Close() error {
	return rc.rdb.Close()
}

// GetRecord implements CacheTier.
func (rc *RedisCache) GetRecord(ctx context.Context, id uuid.UUID) (*PlayerRecord, error) {
	raw, err := rc.rdb.Get(ctx, playerKeyPrefix+id.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var rec PlayerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: decode cached record %s: %w", id, err)
	}
	return &rec, nil
}

// PutRecord implements CacheTier.
func (rc *RedisCache) PutRecord(ctx context.Context, rec *PlayerRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode record %s: %w", rec.ID, err)
	}
	return rc.rdb.Set(ctx, playerKeyPrefix+rec.ID.String(), raw, rc.ttl).Err()
}

// DeleteRecord implements CacheTier and notifies peer instances.
func (rc *RedisCache) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	if err := rc.rdb.Del(ctx, playerKeyPrefix+id.String()).Err(); err != nil {
		return err
	}
	return rc.rdb.Publish(ctx, invalidationTopic, id.String()).Err()
}

// RunInvalidationListener delivers peer invalidations to fn until ctx
// ends. Undecodable payloads are dropped with a warning.
func (rc *RedisCache) RunInvalidationListener(ctx context.Context, fn func(uuid.UUID)) {
	sub := rc.rdb.Subscribe(ctx, invalidationTopic)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			id, err := uuid.Parse(msg.Payload)
			if err != nil {
				slog.Warn("[Store] bad invalidation payload", "payload", msg.Payload)
				continue
			}
			fn(id)
		}
	}
}
