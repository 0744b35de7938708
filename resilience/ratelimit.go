package resilience

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// RateLimiter applies a token bucket per action category. Categories
// without an explicit rate share the default bucket parameters.
type RateLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	defaultRate rate.Limit
	perCategory map[string]float64
	burst       int
	metrics     core.Metrics
}

// NewRateLimiter creates a limiter from config. Rates are events per
// second; a non-positive default disables limiting for unlisted
// categories.
func NewRateLimiter(cfg core.RateLimitConfig, metrics core.Metrics) *RateLimiter {
	if metrics == nil {
		metrics = &core.NoOpMetrics{}
	}
	defaultRate := rate.Limit(cfg.DefaultRate)
	if cfg.DefaultRate <= 0 {
		defaultRate = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters:    make(map[string]*rate.Limiter),
		defaultRate: defaultRate,
		perCategory: cfg.PerCategory,
		burst:       burst,
		metrics:     metrics,
	}
}

// Allow reports whether an event in the category may proceed now.
func (r *RateLimiter) Allow(ctx context.Context, category string) bool {
	ok := r.limiter(category).Allow()
	if !ok {
		r.metrics.Counter(ctx, "orchestrator.ratelimit.limited", 1,
			map[string]string{"category": category})
	}
	return ok
}

// Wait blocks until the category bucket has a token or the context ends.
func (r *RateLimiter) Wait(ctx context.Context, category string) error {
	if err := r.limiter(category).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %q: %w", category, core.ErrRateLimited)
	}
	return nil
}

func (r *RateLimiter) limiter(category string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[category]; ok {
		return l
	}
	limit := r.defaultRate
	if v, ok := r.perCategory[category]; ok && v > 0 {
		limit = rate.Limit(v)
	}
	l := rate.NewLimiter(limit, r.burst)
	r.limiters[category] = l
	return l
}
