package streaming

import (
	"context"
	"encoding/json"

	"github.com/loomworks/blueprint/internal/store"
)

// BroadcastStore decorates a Store so every appended trace event is also
// published to an EventHub. Publishing is best-effort: a dropped event
// never fails the append, the persisted log is the source of truth.
type BroadcastStore struct {
	store.Store
	hub EventHub
}

// NewBroadcastStore wraps st so appended events fan out to hub.
func NewBroadcastStore(st store.Store, hub EventHub) *BroadcastStore {
	return &BroadcastStore{Store: st, hub: hub}
}

// AppendEvent persists the event, then publishes it.
func (b *BroadcastStore) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := b.Store.AppendEvent(ctx, event); err != nil {
		return err
	}

	var payload any
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			payload = string(event.Payload)
		}
	}
	_ = b.hub.Publish(ctx, RunEvent{
		RunID:     event.RunID,
		StepName:  event.StepName,
		EventType: event.Type,
		Payload:   payload,
	})
	return nil
}
