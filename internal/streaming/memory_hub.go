package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// subscriber is one registered listener. The event-type filter is
// compiled to a set at subscribe time so Publish never scans a slice.
type subscriber struct {
	ch    chan RunEvent
	runID string
	types map[string]struct{}
}

func (s *subscriber) wants(e RunEvent) bool {
	if s.runID != "" && s.runID != e.RunID {
		return false
	}
	if s.types != nil {
		if _, ok := s.types[e.EventType]; !ok {
			return false
		}
	}
	return true
}

// MemoryHub is an in-process EventHub backed by buffered channels.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  atomic.Uint64
	dropped atomic.Uint64
	buffer  int
}

// NewMemoryHub creates a hub with the default per-subscriber buffer.
func NewMemoryHub() *MemoryHub {
	return NewMemoryHubWithBuffer(defaultChannelBuffer)
}

// NewMemoryHubWithBuffer creates a hub whose subscribers each buffer up
// to n events before the hub starts dropping for them.
func NewMemoryHubWithBuffer(n int) *MemoryHub {
	if n <= 0 {
		n = defaultChannelBuffer
	}
	return &MemoryHub{
		subs:   make(map[uint64]*subscriber),
		buffer: n,
	}
}

// Publish delivers the event to every matching subscriber without
// blocking: a subscriber whose buffer is full misses the event.
func (h *MemoryHub) Publish(ctx context.Context, event RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a listener for events matching the filter and
// returns its channel plus a cancel function that unregisters it.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscriber{
		ch:    make(chan RunEvent, h.buffer),
		runID: filter.RunID,
	}
	if len(filter.EventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			sub.types[t] = struct{}{}
		}
	}

	id := h.nextID.Add(1)
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

// Dropped reports how many events were discarded because a subscriber
// could not keep up.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
