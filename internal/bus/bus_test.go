package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	b := New(4, Hooks{})
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(Event{Name: EventCycleStart, Cycle: "c1"})

	require.Len(t, a, 1)
	require.Len(t, c, 1)
	got := <-a
	assert.Equal(t, EventCycleStart, got.Name)
	assert.Equal(t, "c1", got.Cycle)
	assert.False(t, got.Time.IsZero())
}

func TestBus_FullSubscriberDropsAndCounts(t *testing.T) {
	var published, dropped int
	b := New(1, Hooks{
		OnPublish: func(string) { published++ },
		OnDrop:    func(string) { dropped++ },
	})
	slow := b.Subscribe()

	b.Publish(Event{Name: EventExpiryComplete})
	b.Publish(Event{Name: EventExpiryComplete})
	b.Publish(Event{Name: EventExpiryComplete})

	assert.Equal(t, 3, published)
	assert.Equal(t, 2, dropped)
	assert.Len(t, slow, 1)
}

func TestBus_PublishWithNoSubscribersIsSafe(t *testing.T) {
	b := New(4, Hooks{})
	assert.NotPanics(t, func() {
		b.Publish(Event{Name: EventCycleSkipped, Time: time.Now()})
	})
	assert.Equal(t, 0, b.SubscriberCount())
}
