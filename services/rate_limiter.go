package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"passport-quest/models"
)

// RateLimitWindow is the trailing window for per-user completion attempts.
const RateLimitWindow = time.Minute

// RateLimiter decides whether a user may make another completion attempt.
// Implementations count every attempt in the window, rejected ones included.
type RateLimiter interface {
	Allow(ctx context.Context, userID string, limit int, now time.Time) (bool, error)
}

// AttemptLogLimiter counts rows in the completion_attempts log. The gate
// appends the current attempt after deciding, so the count here covers only
// earlier attempts.
type AttemptLogLimiter struct {
	DB *gorm.DB
}

func NewAttemptLogLimiter(db *gorm.DB) *AttemptLogLimiter {
	return &AttemptLogLimiter{DB: db}
}

func (l *AttemptLogLimiter) Allow(ctx context.Context, userID string, limit int, now time.Time) (bool, error) {
	var count int64
	err := l.DB.WithContext(ctx).
		Model(&models.CompletionAttempt{}).
		Where("user_id = ? AND created_at > ?", userID, now.Add(-RateLimitWindow)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count recent attempts: %w", err)
	}
	return count < int64(limit), nil
}

// RedisRateLimiter keeps a sorted set per user scored by attempt time.
type RedisRateLimiter struct {
	Client *redis.Client
	Prefix string
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{Client: client, Prefix: "quest:attempts:"}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, userID string, limit int, now time.Time) (bool, error) {
	key := l.Prefix + userID
	cutoff := now.Add(-RateLimitWindow).UnixMilli()

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.Expire(ctx, key, 2*RateLimitWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis rate limit for %s: %w", userID, err)
	}

	return card.Val() < int64(limit), nil
}
