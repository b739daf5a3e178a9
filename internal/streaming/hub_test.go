package streaming

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

func publishN(t *testing.T, hub *MemoryHub, processID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, hub.Publish(context.Background(), schema.ProcessEvent{
			Type:      schema.EventLogEntry,
			ProcessID: processID,
			Data:      map[string]any{"line": i},
		}))
	}
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	hub := NewMemoryHub()
	events, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	publishN(t, hub, "p1", 5)

	for i := 0; i < 5; i++ {
		ev := <-events
		assert.Equal(t, "p1", ev.ProcessID)
		data := ev.Data.(map[string]any)
		assert.Equal(t, i, data["line"])
	}
}

func TestSubscribeFiltersByProcessAndType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	byProcess, cancelP, err := hub.Subscribe(ctx, EventFilter{ProcessID: "wanted"})
	require.NoError(t, err)
	defer cancelP()

	byType, cancelT, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventStatusChange}})
	require.NoError(t, err)
	defer cancelT()

	require.NoError(t, hub.Publish(ctx, schema.ProcessEvent{Type: schema.EventLogEntry, ProcessID: "other"}))
	require.NoError(t, hub.Publish(ctx, schema.ProcessEvent{Type: schema.EventStatusChange, ProcessID: "wanted"}))
	require.NoError(t, hub.Publish(ctx, schema.ProcessEvent{Type: schema.EventLogEntry, ProcessID: "wanted"}))

	assert.Equal(t, schema.EventStatusChange, (<-byProcess).Type)
	assert.Equal(t, schema.EventLogEntry, (<-byProcess).Type)
	assert.Len(t, byProcess, 0)

	ev := <-byType
	assert.Equal(t, "wanted", ev.ProcessID)
	assert.Len(t, byType, 0)
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	events, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Nobody reads: overflow beyond the buffer must be dropped, not block.
	publishN(t, hub, "p1", defaultChannelBuffer+10)

	assert.Len(t, events, defaultChannelBuffer)
	first := <-events
	data := first.Data.(map[string]any)
	assert.Equal(t, 0, data["line"])
}

func TestDroppedCountsSlowSubscriberLosses(t *testing.T) {
	hub := NewMemoryHub()
	_, cancelSlow, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancelSlow()

	fast, cancelFast, err := hub.Subscribe(context.Background(), EventFilter{ProcessID: "none"})
	require.NoError(t, err)
	defer cancelFast()

	publishN(t, hub, "p1", defaultChannelBuffer+7)

	// Only the slow subscriber overflows; the filtered one never matched.
	assert.Equal(t, uint64(7), hub.Dropped())
	assert.Len(t, fast, 0)
}

func TestWithSubscriberBuffer(t *testing.T) {
	hub := NewMemoryHub(WithSubscriberBuffer(4))
	events, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	publishN(t, hub, "p1", 6)

	assert.Len(t, events, 4)
	assert.Equal(t, uint64(2), hub.Dropped())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	events, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)

	cancel()
	publishN(t, hub, "p1", 3)
	assert.Len(t, events, 0)
}

func TestPublishStampsTimestamp(t *testing.T) {
	hub := NewMemoryHub()
	events, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(context.Background(), schema.ProcessEvent{
		Type:      schema.EventCompletion,
		ProcessID: "p1",
	}))
	ev := <-events
	assert.False(t, ev.Timestamp.IsZero())
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
	assert.Error(t, hub.Publish(ctx, schema.ProcessEvent{Type: schema.EventError, ProcessID: "p"}))
}

func TestConcurrentPublishers(t *testing.T) {
	hub := NewMemoryHub()
	events, cancel, err := hub.Subscribe(context.Background(), EventFilter{ProcessID: "p3"})
	require.NoError(t, err)
	defer cancel()

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			publishN(t, hub, fmt.Sprintf("p%d", i), 10)
		}(i)
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	assert.Len(t, events, 10)
}
