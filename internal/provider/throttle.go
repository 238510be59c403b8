package provider

import (
	"sync"
	"time"
)

// Log sink names used by the facade.
const (
	SinkFallback      = "fallback"
	SinkQuoteFallback = "quote_fallback"
)

// Throttle gates noisy degradation logs to one line per sink per interval.
// Suppressions are reported through the hook so they remain countable.
type Throttle struct {
	mu         sync.Mutex
	minGap     time.Duration
	last       map[string]time.Time
	clock      func() time.Time
	suppressed func(sink string)
}

// NewThrottle builds a throttle with the given minimum gap between lines.
func NewThrottle(minGap time.Duration, clock func() time.Time, suppressed func(sink string)) *Throttle {
	if clock == nil {
		clock = time.Now
	}
	if minGap <= 0 {
		minGap = 5 * time.Second
	}
	return &Throttle{minGap: minGap, last: make(map[string]time.Time), clock: clock, suppressed: suppressed}
}

// Allow reports whether the sink may log now, consuming the slot if so.
func (t *Throttle) Allow(sink string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	if last, ok := t.last[sink]; ok && now.Sub(last) < t.minGap {
		if t.suppressed != nil {
			t.suppressed(sink)
		}
		return false
	}
	t.last[sink] = now
	return true
}
