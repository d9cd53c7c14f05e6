// Package redis implements a snapshot slot backed by Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-taskboard/internal/persistence"
)

// Config controls the Redis connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key (default "taskboard:").
	Prefix string
	// TTL expires snapshots; zero keeps them forever.
	TTL time.Duration
}

type cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// Slot stores snapshots as Redis string values.
type Slot struct {
	client cmdable
	prefix string
	ttl    time.Duration
}

// New initializes a Redis-backed Slot.
func New(cfg Config) (*Slot, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient builds a Slot using a custom client (tests).
func NewWithClient(client cmdable, cfg Config) *Slot {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "taskboard:"
	}
	return &Slot{client: client, prefix: prefix, ttl: cfg.TTL}
}

// Put writes data under the prefixed key.
func (s *Slot) Put(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get reads the prefixed key. redis.Nil maps to persistence.ErrSlotEmpty.
func (s *Slot) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.ErrSlotEmpty
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// Close closes the Redis client.
func (s *Slot) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
