// Package bus is the in-process event fan-out for structured collection
// events. Publish never blocks: a subscriber that cannot keep up loses
// events, and the drop is counted. There is no durability.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event names published by the engine.
const (
	EventCycleStart       = "cycle.start"
	EventCycleComplete    = "cycle.complete"
	EventCycleSkipped     = "cycle.skipped"
	EventCycleTimeout     = "cycle.timeout"
	EventExpiryComplete   = "expiry.complete"
	EventPrefilterClamped = "prefilter.clamped"
	EventParityAnomaly    = "alert_parity.anomaly"
	EventProviderFailover = "provider.failover"
)

// Event is one structured occurrence inside the engine.
type Event struct {
	Name   string         `json:"name"`
	Index  string         `json:"index,omitempty"`
	Cycle  string         `json:"cycle,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Time   time.Time      `json:"time"`
}

// Hooks observe bus activity; nil hooks are skipped.
type Hooks struct {
	OnPublish func(event string)
	OnDrop    func(event string)
}

// Bus fans events out to bounded subscriber channels.
type Bus struct {
	mu    sync.RWMutex
	subs  []chan Event
	hooks Hooks
	depth int
}

// New builds a bus whose subscriber channels buffer depth events.
func New(depth int, hooks Hooks) *Bus {
	if depth <= 0 {
		depth = 64
	}
	return &Bus{depth: depth, hooks: hooks}
}

// Subscribe registers a new subscriber channel. The caller owns draining it.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber that has buffer space.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if b.hooks.OnPublish != nil {
		b.hooks.OnPublish(ev.Name)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if b.hooks.OnDrop != nil {
				b.hooks.OnDrop(ev.Name)
			}
		}
	}
}

// SubscriberCount reports registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// MirrorToLog drains a subscription into the structured log until the channel
// closes or done is closed. Run it in its own goroutine.
func MirrorToLog(events <-chan Event, done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			le := log.Debug().Str("event", ev.Name)
			if ev.Index != "" {
				le = le.Str("index", ev.Index)
			}
			if ev.Cycle != "" {
				le = le.Str("cycle", ev.Cycle)
			}
			for k, v := range ev.Fields {
				le = le.Interface(k, v)
			}
			le.Msg("bus event")
		case <-done:
			return
		}
	}
}
