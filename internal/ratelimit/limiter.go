package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"iot-telemetry/internal/metrics"
)

const (
	DefaultRate   = 10.0
	DefaultBurst  = 20.0
	defaultShards = 32
)

// Config параметры ограничителя
type Config struct {
	// Rate токенов в секунду
	Rate float64
	// Burst емкость корзины
	Burst  float64
	Shards int
	Now    func() time.Time
}

// bucket корзина токенов одного клиента
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
	// dead корзина удалена Cleanup, ее нужно запросить заново
	dead bool
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// Limiter ограничитель запросов по ключу клиента (token bucket)
type Limiter struct {
	rate   float64
	burst  float64
	now    func() time.Time
	shards []*shard
}

// New создает ограничитель
func New(cfg Config) *Limiter {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{buckets: make(map[string]*bucket)}
	}

	return &Limiter{
		rate:   cfg.Rate,
		burst:  cfg.Burst,
		now:    cfg.Now,
		shards: shards,
	}
}

func (l *Limiter) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%uint64(len(l.shards))]
}

func (l *Limiter) getOrCreate(key string, now time.Time) *bucket {
	s := l.shardFor(key)

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
	// Новая корзина начинается полной
	b = &bucket{tokens: l.burst, lastRefill: now, lastUsed: now}
	s.buckets[key] = b
	metrics.LimiterBuckets.Inc()
	return b
}

// Admit пополняет корзину клиента по прошедшему времени и списывает один токен
func (l *Limiter) Admit(key string) bool {
	now := l.now()
	for {
		b := l.getOrCreate(key, now)

		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		allowed := l.take(b, now)
		b.mu.Unlock()
		return allowed
	}
}

// take пополняет корзину и списывает токен, вызывается под b.mu
func (l *Limiter) take(b *bucket, now time.Time) bool {
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.lastRefill = now
	}
	b.lastUsed = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Available возвращает текущее число токенов клиента без списания
func (l *Limiter) Available(key string) float64 {
	s := l.shardFor(key)
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if !ok {
		return l.burst
	}

	now := l.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return l.burst
	}
	tokens := b.tokens + now.Sub(b.lastRefill).Seconds()*l.rate
	if tokens > l.burst {
		tokens = l.burst
	}
	return tokens
}

// Cleanup удаляет корзины, не использованные дольше maxIdle
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	now := l.now()
	removed := 0

	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			b.mu.Lock()
			if now.Sub(b.lastUsed) > maxIdle {
				b.dead = true
				delete(s.buckets, key)
				removed++
			}
			b.mu.Unlock()
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		metrics.LimiterBuckets.Sub(float64(removed))
	}
	return removed
}

// Size возвращает количество корзин
func (l *Limiter) Size() int {
	n := 0
	for _, s := range l.shards {
		s.mu.RLock()
		n += len(s.buckets)
		s.mu.RUnlock()
	}
	return n
}
