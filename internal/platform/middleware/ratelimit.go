package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleEviction drops buckets that have refilled completely, checked on
	// this interval. Zero disables eviction.
	IdleEviction time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		IdleEviction:      30 * time.Minute,
	}
}

// bucketStore holds one token bucket per client key.
type bucketStore struct {
	mu      sync.RWMutex
	buckets map[string]*ratelimit.Bucket
	cfg     RateLimitConfig
	swept   time.Time
}

func newBucketStore(cfg RateLimitConfig) *bucketStore {
	return &bucketStore{
		buckets: make(map[string]*ratelimit.Bucket),
		cfg:     cfg,
		swept:   time.Now(),
	}
}

func (s *bucketStore) get(key string) *ratelimit.Bucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[key]; ok {
		return b
	}
	s.sweepLocked()
	b = ratelimit.NewBucketWithRate(s.cfg.RequestsPerSecond, int64(s.cfg.BurstSize))
	s.buckets[key] = b
	return b
}

// sweepLocked removes full buckets once per IdleEviction. Caller holds mu.
func (s *bucketStore) sweepLocked() {
	if s.cfg.IdleEviction <= 0 || time.Since(s.swept) < s.cfg.IdleEviction {
		return
	}
	for k, b := range s.buckets {
		if b.Available() == b.Capacity() {
			delete(s.buckets, k)
		}
	}
	s.swept = time.Now()
}

func (s *bucketStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// RateLimit returns a per-client token bucket middleware. Clients are keyed
// by clinic and IP. A non-positive rate disables limiting.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	store := newBucketStore(cfg)
	limit := strconv.Itoa(cfg.BurstSize)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if clinic, ok := c.Get("jwt_clinic_id").(string); ok && clinic != "" {
				key = clinic + ":" + key
			}

			bucket := store.get(key)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			if bucket.TakeAvailable(1) < 1 {
				wait := time.Duration(float64(time.Second) / cfg.RequestsPerSecond)
				h.Set("X-RateLimit-Remaining", "0")
				h.Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			h.Set("X-RateLimit-Remaining", strconv.FormatInt(bucket.Available(), 10))
			return next(c)
		}
	}
}
