package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/blueprint/internal/streaming"
	"github.com/loomworks/blueprint/pkg/schema"
)

// notifiedEvents are the run events worth pushing to the client:
// a pending human decision and run terminal/suspension transitions.
var notifiedEvents = []string{
	schema.EventApprovalRequested,
	schema.EventRunSuspended,
	schema.EventRunCompleted,
	schema.EventRunPartial,
	schema.EventRunFailed,
}

// RunEventNotifier forwards run events from the hub to connected MCP
// clients as notifications. Best-effort: delivery failures are logged,
// the persisted event log remains the source of truth.
type RunEventNotifier struct {
	mcpServer *server.MCPServer
	hub       streaming.EventHub
	logger    *slog.Logger
}

// NewRunEventNotifier creates a notifier over the given hub.
func NewRunEventNotifier(mcpServer *server.MCPServer, hub streaming.EventHub, logger *slog.Logger) *RunEventNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunEventNotifier{mcpServer: mcpServer, hub: hub, logger: logger}
}

// Start subscribes to the hub and forwards matching events until ctx is
// cancelled or the returned stop function is called.
func (n *RunEventNotifier) Start(ctx context.Context) (func(), error) {
	events, cancel, err := n.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: notifiedEvents})
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				n.forward(event)
			}
		}
	}()

	return cancel, nil
}

func (n *RunEventNotifier) forward(event streaming.RunEvent) {
	payload := map[string]any{
		"event_type": event.EventType,
		"run_id":     event.RunID,
	}
	if event.StepName != "" {
		payload["step"] = event.StepName
	}
	if event.Payload != nil {
		payload["data"] = event.Payload
	}

	// Best-effort broadcast; sessions without notification channels
	// are skipped by the server.
	n.mcpServer.SendNotificationToAllClients("notifications/message", payload)
	n.logger.Debug("run event forwarded",
		slog.String("event_type", event.EventType),
		slog.String("run_id", event.RunID))
}
