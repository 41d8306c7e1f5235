package httpmiddleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterRedis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// StoreType selects where request counters live.
type StoreType string

const (
	// StoreMemory keeps counters per process.
	StoreMemory StoreType = "memory"
	// StoreRedis shares counters across replicas.
	StoreRedis StoreType = "redis"
)

// RateLimitConfig configures the global per-IP request limiter.
type RateLimitConfig struct {
	RequestsPerMinute int
	StoreType         StoreType
	Redis             *redis.Client // required for StoreRedis
	CleanupInterval   time.Duration
}

// NewRateLimiter returns gin middleware enforcing RequestsPerMinute per client IP.
func NewRateLimiter(cfg RateLimitConfig) (gin.HandlerFunc, error) {
	if cfg.RequestsPerMinute <= 0 {
		return nil, fmt.Errorf("requests per minute must be positive, got %d", cfg.RequestsPerMinute)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	rate := limiter.Rate{Period: time.Minute, Limit: int64(cfg.RequestsPerMinute)}

	var store limiter.Store
	switch cfg.StoreType {
	case StoreRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis rate limit store needs a client")
		}
		s, err := limiterRedis.NewStoreWithOptions(cfg.Redis, limiter.StoreOptions{
			Prefix:          "qrattend:http",
			CleanUpInterval: cfg.CleanupInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("create redis rate limit store: %w", err)
		}
		store = s
	default:
		store = memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          "qrattend:http",
			CleanUpInterval: cfg.CleanupInterval,
		})
	}

	return mgin.NewMiddleware(limiter.New(store, rate), mgin.WithLimitReachedHandler(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"message": "Too many requests, please try again later",
		})
	})), nil
}
