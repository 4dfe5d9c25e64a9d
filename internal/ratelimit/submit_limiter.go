// Package ratelimit throttles pipeline submissions per organization with a
// redis token bucket, and offers a distributed lock for the scheduler sweep.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/costplane/costplane/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyPipelineSubmitOrg = "pipeline:submit:org:%s"
	keySchedulerSweep    = "scheduler:sweep:lock"
)

// SubmitLimiter is nil-safe: a nil limiter (rate limiting disabled) allows
// everything.
type SubmitLimiter struct {
	bucket *TokenBucket
	locker *Locker

	rate  float64
	burst int
}

func NewSubmitLimiter(cfg config.Config) (*SubmitLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.SubmitRate <= 0 || limitCfg.SubmitBurst <= 0 {
		return nil, errors.New("submit rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &SubmitLimiter{
		bucket: NewTokenBucket(client),
		locker: NewLocker(client),
		rate:   limitCfg.SubmitRate,
		burst:  limitCfg.SubmitBurst,
	}, nil
}

func (l *SubmitLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *SubmitLimiter) AllowSubmit(ctx context.Context, orgSlug string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyPipelineSubmitOrg, strings.TrimSpace(orgSlug)), l.rate, l.burst)
}

// TryLockSweep guards the scheduler sweep across instances. Without redis
// the lock degrades to a no-op and SKIP LOCKED claims keep instances from
// double-running a schedule.
func (l *SubmitLimiter) TryLockSweep(ctx context.Context, ttl time.Duration) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, keySchedulerSweep, ttl)
}

func (l *SubmitLimiter) ReleaseSweep(ctx context.Context, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, keySchedulerSweep, token)
}
