package ratelimit

import (
	"context"
	"time"

	"github.com/kartikn18/letschat/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Counter 是限流所需的最小计数器契约：原子自增、设置过期、查询剩余 TTL。
// 生产环境由 Redis 实现，测试注入内存实现。
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Rule 描述一个独立的限流动作：固定窗口内最多 Max 次。
type Rule struct {
	Name   string
	Window time.Duration
	Max    int64
}

type Result struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Limiter 基于共享计数器实现固定窗口限流。
type Limiter struct {
	counter Counter
}

func New(counter Counter) *Limiter {
	return &Limiter{counter: counter}
}

// Check 自增后判定是否超限。首次自增时设置窗口过期；并发下过期可能被
// 重复设置，但不会被漏设，窗口不会无限增长。计数器不可用时放行（fail open）。
func (l *Limiter) Check(ctx context.Context, rule Rule, key string) Result {
	full := rule.Name + ":" + key
	count, err := l.counter.Incr(ctx, full)
	if err != nil {
		log.Warn().Err(err).Str("rule", rule.Name).Msg("rate limit counter unavailable, allowing")
		return Result{Allowed: true}
	}
	if count == 1 {
		if err := l.counter.Expire(ctx, full, rule.Window); err != nil {
			log.Warn().Err(err).Str("rule", rule.Name).Msg("rate limit expire failed")
		}
	}
	if count > rule.Max {
		retry := rule.Window
		if ttl, err := l.counter.TTL(ctx, full); err == nil && ttl > 0 {
			retry = ttl
		}
		metrics.RateLimitRejectedTotal.WithLabelValues(rule.Name).Inc()
		return Result{Allowed: false, Count: count, RetryAfter: retry}
	}
	return Result{Allowed: true, Count: count}
}
