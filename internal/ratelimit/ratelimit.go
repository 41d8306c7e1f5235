// Package ratelimit throttles repeated attempts per requester identity.
//
// The memory backend is per-process: with several API replicas each one keeps
// its own counters, so the effective limit is multiplied by the replica count.
// Use the Redis backend when replicas must share a budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterRedis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Limiter decides whether one more attempt by key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

const defaultPrefix = "qrattend:checkin"

// Window allows a fixed number of attempts per key in each period.
type Window struct {
	l *limiter.Limiter
}

// New wraps any limiter store. max and win fall back to 5 per minute.
func New(store limiter.Store, max int, win time.Duration) *Window {
	if max <= 0 {
		max = 5
	}
	if win <= 0 {
		win = time.Minute
	}
	return &Window{l: limiter.New(store, limiter.Rate{Period: win, Limit: int64(max)})}
}

// NewMemory keeps counters in process; stale keys are dropped every window.
func NewMemory(max int, win time.Duration) *Window {
	if win <= 0 {
		win = time.Minute
	}
	store := memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          defaultPrefix,
		CleanUpInterval: win,
	})
	return New(store, max, win)
}

// NewRedis shares counters between replicas. Keys expire with their window.
func NewRedis(client *redis.Client, prefix string, max int, win time.Duration) (*Window, error) {
	if prefix == "" {
		prefix = defaultPrefix
	}
	store, err := limiterRedis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, fmt.Errorf("create redis limiter store: %w", err)
	}
	return New(store, max, win), nil
}

func (w *Window) Allow(ctx context.Context, key string) (bool, error) {
	lctx, err := w.l.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return !lctx.Reached, nil
}
