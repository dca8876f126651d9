package streaming

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/agent/models"
	"github.com/agentd/agentd/internal/common/logger"
)

// AgentObserver adapts the service to the runner observer callbacks for one
// agent. Callbacks run on the runner's reader goroutine and use a background
// context: persistence must not stop when the launching request's context
// ends.
type AgentObserver struct {
	agentID string
	svc     *Service
	log     *logger.Logger
}

// NewAgentObserver creates the observer bridge for an agent.
func (s *Service) NewAgentObserver(agentID string) *AgentObserver {
	return &AgentObserver{
		agentID: agentID,
		svc:     s,
		log:     s.log.WithAgentID(agentID),
	}
}

// OnMessage persists and fans out one parsed message. Persist failures are
// already reported by the service; the stream continues with the next line.
func (o *AgentObserver) OnMessage(msg *models.Message) {
	_, _ = o.svc.BroadcastMessage(context.Background(), o.agentID, msg)
}

// OnStatusChange only logs: the orchestrator persists the running transition
// itself as part of the launch sequence.
func (o *AgentObserver) OnStatusChange(status models.AgentStatus) {
	o.log.Debug("runner status", zap.String("status", string(status)))
}

// OnError marks the agent failed and emits the error event.
func (o *AgentObserver) OnError(err error) {
	o.svc.BroadcastError(context.Background(), o.agentID, err)
}

// OnComplete marks the agent completed and emits the run result.
func (o *AgentObserver) OnComplete(result *models.RunResult) {
	o.svc.BroadcastComplete(context.Background(), o.agentID, result)
}
