package bot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2*time.Second, 3)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(userID), "burst %d", i)
	}
	assert.False(t, rl.Allow(userID))
	assert.True(t, rl.Allow(userID+1), "users have separate buckets")

	now = now.Add(2 * time.Second)
	assert.True(t, rl.Allow(userID))
	assert.False(t, rl.Allow(userID))
}

func TestRateLimiterCleanup(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(time.Second, 1)
	rl.now = func() time.Time { return now }

	rl.Allow(1)
	now = now.Add(20 * time.Minute)
	rl.Allow(2)
	now = now.Add(15 * time.Minute)

	assert.Equal(t, 1, rl.Cleanup(30*time.Minute))
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, int64(2))
}
