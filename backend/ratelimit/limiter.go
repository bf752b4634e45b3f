package ratelimit

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	defaultBurst   = 20
	defaultMaxKeys = 10000
)

type (
	// Limiter keeps a token bucket per key. Buckets of the least recently
	// seen keys are evicted once MaxKeys is reached; an evicted key starts
	// over with a full bucket.
	Limiter struct {
		mx      *sync.Mutex
		buckets *lru.Cache[string, *rate.Limiter]
		rate    rate.Limit
		burst   int
	}

	Config struct {
		// PerSecond <= 0 disables limiting.
		PerSecond float64
		Burst     int
		MaxKeys   int
	}
)

func New(cfg Config) *Limiter {
	if cfg.PerSecond <= 0 {
		return &Limiter{}
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = defaultMaxKeys
	}
	// only fails on a non-positive size
	buckets, _ := lru.New[string, *rate.Limiter](cfg.MaxKeys)
	return &Limiter{
		mx:      &sync.Mutex{},
		buckets: buckets,
		rate:    rate.Limit(cfg.PerSecond),
		burst:   cfg.Burst,
	}
}

func (l *Limiter) Allow(key string) bool {
	if l == nil || l.buckets == nil {
		return true
	}
	l.mx.Lock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(l.rate, l.burst)
		l.buckets.Add(key, b)
	}
	l.mx.Unlock()
	return b.Allow()
}
