package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

const defaultChannelBuffer = 64

// subscription is one registered consumer. dropped counts events the
// consumer was too slow to take.
type subscription struct {
	ch      chan schema.ProcessEvent
	filter  EventFilter
	dropped atomic.Uint64
}

func (s *subscription) deliver(event schema.ProcessEvent) bool {
	select {
	case s.ch <- event:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// MemoryHub is an in-memory EventHub fanning events out over buffered
// channels. Delivery is non-blocking: a consumer that falls behind loses
// events rather than stalling the publisher.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	buffer int

	dropped atomic.Uint64
}

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithSubscriberBuffer sets the per-subscriber channel buffer size.
func WithSubscriberBuffer(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewMemoryHub creates a hub with the default subscriber buffer.
func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{
		subs:   make(map[uint64]*subscription),
		buffer: defaultChannelBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish fans the event out to every matching subscriber, stamping the
// timestamp when the caller left it zero. Never blocks on a full
// subscriber channel.
func (h *MemoryHub) Publish(ctx context.Context, event schema.ProcessEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	for _, sub := range h.subs {
		if sub.filter.Matches(event) && !sub.deliver(event) {
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()
	return nil
}

// Subscribe registers a consumer for events passing the filter. The
// returned cancel function removes the subscription; the channel is left
// open so in-flight reads drain safely.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ProcessEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		ch:     make(chan schema.ProcessEvent, h.buffer),
		filter: filter,
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

// Dropped reports how many events were lost to slow subscribers since the
// hub was created, including subscribers since cancelled.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
