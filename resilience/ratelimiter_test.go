package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_RejectsOverCapacity(t *testing.T) {
	rl := NewRateLimiter(100*time.Millisecond, 3)

	assert.True(t, rl.Allow("tenant-a"))
	assert.True(t, rl.Allow("tenant-a"))
	assert.True(t, rl.Allow("tenant-a"))
	assert.False(t, rl.Allow("tenant-a"), "4th call within window must be rejected")
}

func TestRateLimiter_WindowSlideRestoresCapacity(t *testing.T) {
	rl := NewRateLimiter(50*time.Millisecond, 1)

	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("k"), "capacity restored once window has slid past the oldest call")
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(time.Second, 1)

	assert.True(t, rl.Allow("tenant-a"))
	assert.True(t, rl.Allow("tenant-b"))
	assert.False(t, rl.Allow("tenant-a"))
}

func TestTokenBucketLimiter_AllowsBurstThenThrottles(t *testing.T) {
	tb := NewTokenBucketLimiter(1, 2)

	assert.True(t, tb.Allow("replay"))
	assert.True(t, tb.Allow("replay"))
	assert.False(t, tb.Allow("replay"))
}
