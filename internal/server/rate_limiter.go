package server

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/pester-relay/internal/config"
	"github.com/Tyrowin/pester-relay/internal/metrics"
)

// tokenBucket holds up to capacity tokens and earns one back every
// interval/capacity.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	perToken time.Duration
	last     time.Time
	now      func() time.Time
}

func newTokenBucket(limit config.RateLimitConfig, now func() time.Time) *tokenBucket {
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	if limit.RefillInterval <= 0 {
		limit.RefillInterval = time.Second
	}
	if now == nil {
		now = time.Now
	}
	perToken := limit.RefillInterval / time.Duration(limit.Burst)
	if perToken <= 0 {
		perToken = time.Nanosecond
	}

	return &tokenBucket{
		tokens:   float64(limit.Burst),
		capacity: float64(limit.Burst),
		perToken: perToken,
		last:     now(),
		now:      now,
	}
}

// take spends one token if one is available.
func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+float64(elapsed)/float64(b.perToken))
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// frameLimiter decides whether an inbound frame reaches the router. Frames
// over the limit are discarded, never queued. A run of discards is logged
// once when it starts and summarized when frames flow again; every discard
// is counted per transport. It belongs to a single read pump.
type frameLimiter struct {
	bucket    *tokenBucket
	limit     config.RateLimitConfig
	transport string
	logger    *zap.Logger
	metrics   *metrics.Metrics
	dropped   int
}

func newFrameLimiter(limit config.RateLimitConfig, transport string, logger *zap.Logger, m *metrics.Metrics) *frameLimiter {
	return newFrameLimiterWithClock(limit, transport, logger, m, time.Now)
}

func newFrameLimiterWithClock(limit config.RateLimitConfig, transport string, logger *zap.Logger, m *metrics.Metrics, now func() time.Time) *frameLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &frameLimiter{
		bucket:    newTokenBucket(limit, now),
		limit:     limit,
		transport: transport,
		logger:    logger,
		metrics:   m,
	}
}

// admit reports whether the next frame may be handled.
func (l *frameLimiter) admit() bool {
	if l == nil {
		return true
	}
	if l.bucket.take() {
		if l.dropped > 0 {
			l.logger.Info("rate limit lifted", zap.Int("discarded", l.dropped))
			l.dropped = 0
		}
		return true
	}

	if l.dropped == 0 {
		l.logger.Warn("rate limit exceeded; discarding messages",
			zap.String("transport", l.transport),
			zap.Int("burst", l.limit.Burst),
			zap.Duration("interval", l.limit.RefillInterval))
	}
	l.dropped++
	l.metrics.FrameRateLimited(l.transport)
	return false
}
