package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloom/bloom/internal/common/logger"
)

type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handler(_ context.Context, ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func TestPublishExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	sub, err := b.Subscribe("task.state_changed", c.handler)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "task.state_changed",
		NewEvent("task.state_changed", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "task.assigned",
		NewEvent("task.assigned", "test", nil)))

	require.Eventually(t, func() bool { return c.count() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"task.state_changed"}, c.types())
}

func TestWildcardSubscriptions(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var star, chevron collector
	_, err := b.Subscribe("agent.*", star.handler)
	require.NoError(t, err)
	_, err = b.Subscribe(">", chevron.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "agent.output", NewEvent("agent.output", "test", nil)))
	require.NoError(t, b.Publish(ctx, "task.assigned", NewEvent("task.assigned", "test", nil)))

	require.Eventually(t, func() bool { return chevron.count() == 2 },
		2*time.Second, 10*time.Millisecond)
	// * matches a single token only
	assert.Equal(t, []string{"agent.output"}, star.types())
}

func TestStarDoesNotCrossTokens(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	_, err := b.Subscribe("agent.*", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "agent.session.started",
		NewEvent("agent.session.started", "test", nil)))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, c.count())
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewMemoryEventBusSize(logger.Default(), 2)
	defer b.Close()

	release := make(chan struct{})
	entered := make(chan struct{})
	var c collector
	var first atomic.Bool
	first.Store(true)
	sub, err := b.Subscribe("x", func(ctx context.Context, ev *Event) error {
		if first.CompareAndSwap(true, false) {
			close(entered)
			<-release // jam the dispatcher so the buffer fills
		}
		return c.handler(ctx, ev)
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "x", NewEvent("e1", "test", nil)))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never entered handler")
	}

	// e2 and e3 fill the buffer; e4 evicts e2
	require.NoError(t, b.Publish(ctx, "x", NewEvent("e2", "test", nil)))
	require.NoError(t, b.Publish(ctx, "x", NewEvent("e3", "test", nil)))
	require.NoError(t, b.Publish(ctx, "x", NewEvent("e4", "test", nil)))
	close(release)

	require.Eventually(t, func() bool { return c.count() == 3 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"e1", "e3", "e4"}, c.types())

	assert.True(t, sub.Lossy())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	sub, err := b.Subscribe("x", c.handler)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("e", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, c.count())
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()
	assert.False(t, b.IsConnected())

	require.Error(t, b.Publish(context.Background(), "x", NewEvent("e", "test", nil)))
	_, err := b.Subscribe("x", func(context.Context, *Event) error { return nil })
	require.Error(t, err)
}
