package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/blueprint/internal/store"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := RunEvent{
		RunID:     "run-1",
		StepName:  "fetch",
		EventType: "step_completed",
		Payload:   map[string]any{"result": "ok"},
	}

	err = hub.Publish(ctx, event)
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, event.RunID, got.RunID)
		assert.Equal(t, event.StepName, got.StepName)
		assert.Equal(t, event.EventType, got.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByRunID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "step_started"}))
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-2", EventType: "step_started"}))

	select {
	case got := <-ch:
		assert.Equal(t, "run-1", got.RunID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected event for run %s", got.RunID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"approval_requested"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "step_started"}))
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "approval_requested"}))

	select {
	case got := <-ch:
		assert.Equal(t, "approval_requested", got.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "step_started"}))

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received event after cancel")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewMemoryHubWithBuffer(4)
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Overflow the buffer without draining; Publish must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 12; i++ {
			_ = hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "step_started"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, uint64(8), hub.Dropped())
}

func TestConcurrentPublishers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "step_started"})
		}()
	}
	wg.Wait()

	received := 0
	for received < 8 {
		select {
		case <-ch:
			received++
		case <-time.After(time.Second):
			t.Fatalf("received %d of 8 events", received)
		}
	}
}

// appendRecorder satisfies store.Store for broadcast tests; only
// AppendEvent is exercised.
type appendRecorder struct {
	store.Store
	mu     sync.Mutex
	events []*store.Event
}

func (r *appendRecorder) AppendEvent(_ context.Context, event *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func TestBroadcastStorePersistsThenPublishes(t *testing.T) {
	hub := NewMemoryHub()
	rec := &appendRecorder{}
	bs := NewBroadcastStore(rec, hub)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	event := &store.Event{
		RunID:    "run-1",
		StepName: "fetch",
		Type:     "step_completed",
		Payload:  []byte(`{"count": 3}`),
	}
	require.NoError(t, bs.AppendEvent(ctx, event))

	rec.mu.Lock()
	require.Len(t, rec.events, 1)
	rec.mu.Unlock()

	select {
	case got := <-ch:
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, "fetch", got.StepName)
		assert.Equal(t, "step_completed", got.EventType)
		assert.Equal(t, map[string]any{"count": float64(3)}, got.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}
