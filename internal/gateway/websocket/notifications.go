package websocket

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/events"
	"github.com/agentd/agentd/internal/events/bus"
	"github.com/agentd/agentd/pkg/ws"
)

// actionsByType maps bus event types to the actions clients see on the wire.
var actionsByType = map[string]string{
	events.AgentCreated:  ws.EventAgentCreated,
	events.AgentMessage:  ws.EventAgentMessage,
	events.AgentComplete: ws.EventAgentComplete,
	events.AgentError:    ws.EventAgentError,
}

// AgentEventBroadcaster forwards agent lifecycle events from the bus to
// websocket rooms. Events carrying an agentId reach only that agent's room.
// Creation events go to every connected client: the room cannot have members
// before the agent exists.
type AgentEventBroadcaster struct {
	hub          *Hub
	subscription bus.Subscription
	logger       *logger.Logger
}

// RegisterAgentNotifications subscribes the hub to the agent event stream.
// The subscription is dropped when ctx ends.
func RegisterAgentNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) (*AgentEventBroadcaster, error) {
	b := &AgentEventBroadcaster{
		hub:    hub,
		logger: log.WithComponent("ws_broadcaster"),
	}
	if eventBus == nil {
		return b, nil
	}

	sub, err := eventBus.Subscribe(events.BuildAgentWildcardSubject(), b.handleEvent)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to agent events: %w", err)
	}
	b.subscription = sub

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b, nil
}

// Close drops the bus subscription.
func (b *AgentEventBroadcaster) Close() {
	if b.subscription != nil && b.subscription.IsValid() {
		_ = b.subscription.Unsubscribe()
	}
	b.subscription = nil
}

func (b *AgentEventBroadcaster) handleEvent(ctx context.Context, event *bus.Event) error {
	action, ok := actionsByType[event.Type]
	if !ok {
		b.logger.Debug("event type has no websocket mapping", zap.String("type", event.Type))
		return nil
	}

	msg, err := ws.NewEvent(action, event.Data)
	if err != nil {
		b.logger.Error("failed to build websocket event",
			zap.String("action", action), zap.Error(err))
		return nil
	}

	if agentID := extractAgentID(event.Data); agentID != "" {
		b.hub.BroadcastToAgent(agentID, msg)
		return nil
	}
	b.hub.Broadcast(msg)
	return nil
}

// extractAgentID pulls the room routing key out of event data.
func extractAgentID(data map[string]interface{}) string {
	if data == nil {
		return ""
	}
	agentID, _ := data["agentId"].(string)
	return agentID
}
