// Package streaming is the database-first fan-out pipeline: every runner
// event is persisted through the store before any transport frame is queued,
// so the real-time stream never shows a frame the database cannot account
// for. Events go out through the event bus on per-agent subjects; the
// websocket hub forwards them to subscribed rooms.
package streaming

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/agent/dto"
	"github.com/agentd/agentd/internal/agent/models"
	apperrors "github.com/agentd/agentd/internal/common/errors"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/events"
	"github.com/agentd/agentd/internal/events/bus"
	"github.com/agentd/agentd/internal/metrics"
)

// eventSource identifies this service in published bus events.
const eventSource = "streaming"

// Store is the slice of the repository the streaming service writes through.
type Store interface {
	SaveMessage(ctx context.Context, agentID string, kind models.MessageKind, role, content, raw string, metadata map[string]interface{}) (*models.Message, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	SaveAgent(ctx context.Context, agent *models.Agent) error
}

// Rooms tracks which real-time clients observe which agents. Implemented by
// the websocket hub; the service only delegates membership changes.
type Rooms interface {
	Join(clientID, agentID string)
	Leave(clientID, agentID string)
	LeaveAll(clientID string)
}

// Service persists agent events and publishes them to the event bus.
type Service struct {
	store    Store
	eventBus bus.EventBus
	rooms    Rooms
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewService creates the streaming service.
func NewService(store Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:    store,
		eventBus: eventBus,
		log:      log.WithComponent("streaming"),
	}
}

// SetRooms wires the room registry once the websocket hub exists. Until then
// membership operations are no-ops.
func (s *Service) SetRooms(rooms Rooms) {
	s.rooms = rooms
}

// SetMetrics wires the metrics sink. A nil sink is fine; the recorders are
// nil-safe.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// BroadcastAgentCreated announces a freshly persisted agent.
func (s *Service) BroadcastAgentCreated(ctx context.Context, agent *models.Agent) {
	s.publish(ctx, events.BuildAgentCreatedSubject(agent.ID), events.AgentCreated, map[string]interface{}{
		"agent": dto.FromAgent(agent, nil),
	})
}

// BroadcastMessage appends the message to the agent's timeline and then
// emits it. The store insert must succeed before anything reaches the bus;
// an insert failure is reported to observers as an error event and returned
// to the caller.
func (s *Service) BroadcastMessage(ctx context.Context, agentID string, draft *models.Message) (*models.Message, error) {
	stored, err := s.store.SaveMessage(ctx, agentID, draft.Kind, draft.Role, draft.Content, draft.Raw, draft.Metadata)
	if err != nil {
		s.log.Error("message persist failed",
			zap.String("agent_id", agentID),
			zap.String("kind", string(draft.Kind)),
			zap.Error(err))
		s.publish(ctx, events.BuildAgentErrorSubject(agentID), events.AgentError, map[string]interface{}{
			"agentId": agentID,
			"error":   map[string]interface{}{"message": err.Error()},
		})
		return nil, err
	}

	s.metrics.RecordMessagePersisted(string(stored.Kind))
	s.publish(ctx, events.BuildAgentMessageSubject(agentID), events.AgentMessage, map[string]interface{}{
		"agentId": agentID,
		"message": dto.FromMessage(stored),
	})
	return stored, nil
}

// BroadcastComplete marks the agent completed and emits the run result. The
// transport event goes out even when the agent row is gone, so a late
// observer still sees the terminal state.
func (s *Service) BroadcastComplete(ctx context.Context, agentID string, result *models.RunResult) {
	s.finishAgent(ctx, agentID, models.AgentStatusCompleted, "")
	s.publish(ctx, events.BuildAgentCompleteSubject(agentID), events.AgentComplete, map[string]interface{}{
		"agentId": agentID,
		"result":  result,
	})
}

// BroadcastError marks the agent failed, records the error text, and emits
// the error event. Non-throwing for the same reason as BroadcastComplete.
func (s *Service) BroadcastError(ctx context.Context, agentID string, agentErr error) {
	message := "agent failed"
	if agentErr != nil {
		message = agentErr.Error()
	}
	s.finishAgent(ctx, agentID, models.AgentStatusFailed, message)
	s.publish(ctx, events.BuildAgentErrorSubject(agentID), events.AgentError, map[string]interface{}{
		"agentId": agentID,
		"error":   map[string]interface{}{"message": message},
	})
}

// BroadcastTerminated marks a deliberately stopped agent and emits its
// terminal status as a completion with status "terminated".
func (s *Service) BroadcastTerminated(ctx context.Context, agentID string) {
	s.finishAgent(ctx, agentID, models.AgentStatusTerminated, "")
	s.publish(ctx, events.BuildAgentCompleteSubject(agentID), events.AgentComplete, map[string]interface{}{
		"agentId": agentID,
		"result":  &models.RunResult{Status: string(models.AgentStatusTerminated)},
	})
}

// finishAgent persists the terminal status transition. Absent agents and
// already-terminal agents are logged, never raised: terminal notifications
// can race an explicit delete or arrive twice.
func (s *Service) finishAgent(ctx context.Context, agentID string, status models.AgentStatus, errText string) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			s.log.Debug("terminal event for unknown agent",
				zap.String("agent_id", agentID),
				zap.String("status", string(status)))
		} else {
			s.log.Error("agent load failed on terminal event",
				zap.String("agent_id", agentID), zap.Error(err))
		}
		return
	}

	if errText != "" {
		agent.Error = errText
	}
	if err := agent.TransitionTo(status); err != nil {
		s.log.Warn("terminal transition rejected",
			zap.String("agent_id", agentID),
			zap.String("from", string(agent.Status)),
			zap.String("to", string(status)))
		return
	}
	if err := s.store.SaveAgent(ctx, agent); err != nil {
		s.log.Error("agent terminal status persist failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// SubscribeToAgent adds a real-time client to the agent's room.
func (s *Service) SubscribeToAgent(clientID, agentID string) {
	if s.rooms != nil {
		s.rooms.Join(clientID, agentID)
	}
	s.log.Debug("client subscribed",
		zap.String("client_id", clientID), zap.String("agent_id", agentID))
}

// UnsubscribeFromAgent removes a real-time client from the agent's room.
func (s *Service) UnsubscribeFromAgent(clientID, agentID string) {
	if s.rooms != nil {
		s.rooms.Leave(clientID, agentID)
	}
	s.log.Debug("client unsubscribed",
		zap.String("client_id", clientID), zap.String("agent_id", agentID))
}

// UnsubscribeClient drops a disconnected client from every room.
func (s *Service) UnsubscribeClient(clientID string) {
	if s.rooms != nil {
		s.rooms.LeaveAll(clientID)
	}
	s.log.Debug("client dropped", zap.String("client_id", clientID))
}

func (s *Service) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, eventSource, data)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.log.Warn("event publish failed",
			zap.String("subject", subject), zap.Error(err))
	}
}
