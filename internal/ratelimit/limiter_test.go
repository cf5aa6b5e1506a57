package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rate, burst float64) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Config{Rate: rate, Burst: burst, Now: clock.Now}), clock
}

func TestAdmit_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(1, 3)

	assert.True(t, l.Admit("10.0.0.1"))
	assert.True(t, l.Admit("10.0.0.1"))
	assert.True(t, l.Admit("10.0.0.1"))
	assert.False(t, l.Admit("10.0.0.1"))

	clock.Advance(time.Second)
	assert.True(t, l.Admit("10.0.0.1"))
	assert.False(t, l.Admit("10.0.0.1"))
}

func TestAdmit_RefillCappedAtBurst(t *testing.T) {
	l, clock := newTestLimiter(1, 3)

	for i := 0; i < 3; i++ {
		require.True(t, l.Admit("client"))
	}
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Admit("client") {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestAdmit_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 1)

	assert.True(t, l.Admit("a"))
	assert.False(t, l.Admit("a"))
	assert.True(t, l.Admit("b"))
	assert.Equal(t, 2, l.Size())
}

func TestAvailable(t *testing.T) {
	l, clock := newTestLimiter(2, 4)

	assert.Equal(t, 4.0, l.Available("unknown"))
	for i := 0; i < 4; i++ {
		require.True(t, l.Admit("k"))
	}
	assert.InDelta(t, 0.0, l.Available("k"), 1e-9)

	clock.Advance(500 * time.Millisecond)
	assert.InDelta(t, 1.0, l.Available("k"), 1e-9)
}

func TestCleanup_RemovesIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(1, 1)

	l.Admit("old")
	clock.Advance(10 * time.Minute)
	l.Admit("fresh")

	removed := l.Cleanup(5 * time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.Size())
}

func TestAdmit_ConcurrentNeverExceedsBurst(t *testing.T) {
	l, _ := newTestLimiter(1, 50)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("shared") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

func TestCleanup_RemovedBucketIsNotReused(t *testing.T) {
	l, clock := newTestLimiter(1, 2)

	// Указатель, который мог получить конкурентный Admit до удаления
	stale := l.getOrCreate("k", clock.Now())
	clock.Advance(10 * time.Minute)
	require.Equal(t, 1, l.Cleanup(time.Minute))

	stale.mu.Lock()
	dead := stale.dead
	stale.mu.Unlock()
	assert.True(t, dead)

	assert.True(t, l.Admit("k"))
	assert.Equal(t, 1, l.Size())
	assert.NotSame(t, stale, l.getOrCreate("k", clock.Now()))
	assert.InDelta(t, 1.0, l.Available("k"), 1e-9)
}
