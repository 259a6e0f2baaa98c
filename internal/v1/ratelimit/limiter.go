// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/openlab-research/experiment-engine/internal/v1/config"
	"github.com/openlab-research/experiment-engine/internal/v1/logging"
	"github.com/openlab-research/experiment-engine/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the rate limiter instances protecting the two surfaces
// an unauthenticated or hostile client can hammer: the websocket upgrade
// path and the join operation.
type RateLimiter struct {
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	join        *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS User rate: %w", err)
	}

	joinRate, err := limiter.NewRateFromFormatted(cfg.RateLimitJoin)
	if err != nil {
		return nil, fmt.Errorf("invalid join rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		wsIP:        limiter.New(store, wsIPRate),
		wsUser:      limiter.New(store, wsUserRate),
		join:        limiter.New(store, joinRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// CheckWebSocket checks whether a new WebSocket connection attempt from this
// IP should be allowed. Returns true if allowed; writes a 429 and returns
// false otherwise.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed (IP)", zap.Error(err))
		return true // fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}

// CheckWebSocketUser checks the per-subject connection rate, called once the
// subject has been authenticated.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, subjectID string) error {
	userContext, err := rl.wsUser.Get(ctx, subjectID)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed (subject)", zap.Error(err))
		return nil // fail open
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "subject").Inc()
		return fmt.Errorf("rate limit exceeded for subject")
	}

	return nil
}

// CheckJoin checks the per-subject join rate. A subject who repeatedly joins
// and abandons waiting queues is throttled here rather than in GameManager.
func (rl *RateLimiter) CheckJoin(ctx context.Context, subjectID string) error {
	joinContext, err := rl.join.Get(ctx, subjectID)
	if err != nil {
		logging.Error(ctx, "join rate limiter store failed", zap.Error(err))
		return nil // fail open
	}

	if joinContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("join", "subject").Inc()
		return fmt.Errorf("rate limit exceeded for join")
	}

	metrics.RateLimitRequests.WithLabelValues("join").Inc()
	return nil
}
