package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/agent/models"
	apperrors "github.com/agentd/agentd/internal/common/errors"
	"github.com/agentd/agentd/internal/common/logger"
)

// Schedule step types consumed by the synthetic runner.
const (
	stepMessage  = "message"
	stepComplete = "complete"
	stepError    = "error"
)

// scheduleStep is one scripted emission. Delay is milliseconds relative to
// the previous step.
type scheduleStep struct {
	Delay int64                  `json:"delay"`
	Type  string                 `json:"type"`
	Data  map[string]interface{} `json:"data"`
}

// SyntheticRunner emits a scripted schedule instead of spawning a child
// process. It exists for tests and local development: the full launch,
// streaming, and persistence path can be exercised without any provider CLI
// installed.
//
// The schedule comes from config.Metadata["schedule"] as
// [{delay, type: message|complete|error, data}, ...]. A schedule without a
// terminal step completes successfully after the last emission.
type SyntheticRunner struct {
	log *logger.Logger
	reg *registry
}

func NewSyntheticRunner(log *logger.Logger) *SyntheticRunner {
	if log == nil {
		log = logger.Default()
	}
	return &SyntheticRunner{
		log: log.WithComponent("runner.synthetic"),
		reg: newRegistry(),
	}
}

func (r *SyntheticRunner) Subscribe(agentID string, observer Observer) {
	r.reg.subscribe(agentID, observer)
}

func (r *SyntheticRunner) Unsubscribe(agentID string, observer Observer) {
	r.reg.unsubscribe(agentID, observer)
}

func (r *SyntheticRunner) Status(agentID string) (models.AgentStatus, error) {
	state, ok := r.reg.lookup(agentID)
	if !ok {
		return "", apperrors.NotFound("agent", agentID)
	}
	return state.currentStatus(), nil
}

// Start validates the schedule and plays it on a dedicated goroutine. The
// goroutine outlives the Start context; only Stop (or a terminal step) ends
// the run.
func (r *SyntheticRunner) Start(ctx context.Context, agent *models.Agent) error {
	steps, err := parseSchedule(agent.Config)
	if err != nil {
		return err
	}

	state := r.reg.register(agent.ID)
	runCtx, cancel := context.WithCancel(context.Background())
	state.mu.Lock()
	state.cancel = cancel
	state.mu.Unlock()

	state.emitStatus(models.AgentStatusRunning)
	go r.play(runCtx, agent.ID, state, steps)
	return nil
}

// Stop cancels the schedule goroutine. No terminal event is emitted for a
// deliberate stop.
func (r *SyntheticRunner) Stop(ctx context.Context, agentID string) error {
	state, ok := r.reg.lookup(agentID)
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	state.markStopped()
	state.mu.Lock()
	cancel := state.cancel
	state.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.reg.remove(agentID)
	return nil
}

func (r *SyntheticRunner) play(ctx context.Context, agentID string, state *agentState, steps []scheduleStep) {
	log := r.log.WithAgentID(agentID)
	for _, step := range steps {
		if step.Delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(step.Delay) * time.Millisecond):
			}
		} else if ctx.Err() != nil {
			return
		}

		switch step.Type {
		case stepMessage:
			state.emitMessage(messageFromStep(agentID, step))
		case stepComplete:
			r.reg.remove(agentID)
			status, _ := step.Data["status"].(string)
			if status == "" {
				status = models.RunStatusSuccess
			}
			state.emitComplete(state.result(status))
			return
		case stepError:
			r.reg.remove(agentID)
			state.emitError(errorFromStep(step))
			return
		default:
			log.Warn("skipping unknown schedule step", zap.String("type", step.Type))
		}
	}

	// Schedule exhausted without a terminal step.
	r.reg.remove(agentID)
	state.emitComplete(state.result(models.RunStatusSuccess))
}

// parseSchedule extracts the scripted steps from the launch metadata via a
// JSON round-trip, since metadata values arrive as generic maps.
func parseSchedule(cfg *models.LaunchConfig) ([]scheduleStep, error) {
	if cfg == nil || cfg.Metadata == nil {
		return nil, nil
	}
	raw, ok := cfg.Metadata["schedule"]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid synthetic schedule: %w", err)
	}
	var steps []scheduleStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("invalid synthetic schedule: %w", err)
	}
	return steps, nil
}

func messageFromStep(agentID string, step scheduleStep) *models.Message {
	kind := models.MessageKindAssistant
	if k, ok := step.Data["kind"].(string); ok && k != "" {
		kind = models.MessageKind(k)
	}
	content, _ := step.Data["content"].(string)
	role, _ := step.Data["role"].(string)
	var metadata map[string]interface{}
	if m, ok := step.Data["metadata"].(map[string]interface{}); ok {
		metadata = m
	}
	return &models.Message{
		AgentID:  agentID,
		Kind:     kind,
		Role:     role,
		Content:  content,
		Metadata: metadata,
	}
}

func errorFromStep(step scheduleStep) error {
	if msg, ok := step.Data["message"].(string); ok && msg != "" {
		return errors.New(msg)
	}
	return errors.New("synthetic error")
}
