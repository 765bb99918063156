package ai

import (
	"sync"

	"github.com/octup/fulfillment-core/core"
)

// DailyTokenBudget enforces spec.md §4.6's AI_MAX_DAILY_TOKENS ceiling.
// It resets at UTC day boundaries and is process-local: each replica
// tracks its own spend, the same way the Resilience Kernel's circuit
// breakers and rate limiters are process-local (spec.md §8).
type DailyTokenBudget struct {
	mu    sync.Mutex
	max   int64
	used  int64
	day   string
	clock core.Clock
}

// NewDailyTokenBudget builds a budget capped at max tokens per UTC day.
// A nil clock uses wall time.
func NewDailyTokenBudget(max int64, clock core.Clock) *DailyTokenBudget {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &DailyTokenBudget{max: max, clock: clock, day: clock.Now().UTC().Format("2006-01-02")}
}

// TryConsume reserves n tokens against today's budget, returning false
// without reserving anything if that would exceed max.
func (b *DailyTokenBudget) TryConsume(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	today := b.clock.Now().UTC().Format("2006-01-02")
	if today != b.day {
		b.day = today
		b.used = 0
	}
	if b.used+n > b.max {
		return false
	}
	b.used += n
	return true
}

// Used returns tokens reserved so far today.
func (b *DailyTokenBudget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
