// Package orchestrator coordinates agent launches. It validates requests,
// admits them through the FIFO launch queue one at a time, drives the runner
// for the requested provider family, and exposes the read side the gateway
// serves. Runs execute concurrently once started; only admission is
// serialized.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/agent/dto"
	"github.com/agentd/agentd/internal/agent/models"
	apperrors "github.com/agentd/agentd/internal/common/errors"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/metrics"
	"github.com/agentd/agentd/internal/orchestrator/queue"
	"github.com/agentd/agentd/internal/runner"
	"github.com/agentd/agentd/internal/streaming"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// watchdogStopTimeout bounds the forced termination a run timeout triggers.
const watchdogStopTimeout = 30 * time.Second

// Store is the slice of the repository the orchestrator needs.
type Store interface {
	SaveAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	ListAgentsByStatus(ctx context.Context, status models.AgentStatus) ([]*models.Agent, error)
	CountAgents(ctx context.Context) (int, error)
	MarkAgentRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	CountMessages(ctx context.Context, agentID string) (int, error)
	ListMessages(ctx context.Context, agentID string) ([]*models.Message, error)
	ListMessagesSince(ctx context.Context, agentID string, after int64) ([]*models.Message, error)
}

// Runners resolves the runner for a provider family.
type Runners interface {
	RunnerFor(agentType models.AgentType) (runner.Runner, error)
}

// Service owns the launch pipeline and the agent read API.
type Service struct {
	store     Store
	runners   Runners
	streaming *streaming.Service
	queue     *queue.LaunchQueue
	metrics   *metrics.Metrics
	log       *logger.Logger

	mu        sync.Mutex
	live      map[string]struct{}
	watchdogs map[string]*time.Timer
}

// NewService wires the orchestrator. queueCapacity bounds the number of
// launches waiting for admission; the metrics sink may be nil.
func NewService(store Store, runners Runners, stream *streaming.Service, queueCapacity int, m *metrics.Metrics, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	s := &Service{
		store:     store,
		runners:   runners,
		streaming: stream,
		metrics:   m,
		log:       log.WithComponent("orchestrator"),
		live:      make(map[string]struct{}),
		watchdogs: make(map[string]*time.Timer),
	}
	s.queue = queue.NewLaunchQueue(queueCapacity, s.launchAgentDirect, log)
	m.RegisterQueueDepth(func() float64 { return float64(s.queue.Len()) })
	return s
}

// Start begins draining the launch queue. Cancelling the context stops the
// worker.
func (s *Service) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// QueueLength reports how many launches are waiting for admission.
func (s *Service) QueueLength() int {
	return s.queue.Len()
}

// LaunchAgent validates the request, queues it, and waits for the launch to
// finish or the caller to give up. A caller that abandons the wait cancels
// the queued launch if it has not been picked up yet.
func (s *Service) LaunchAgent(ctx context.Context, req *v1.LaunchAgentRequest) (*models.Agent, error) {
	if err := validateLaunchRequest(req); err != nil {
		s.metrics.RecordLaunch(metricType(req), metrics.OutcomeRejected)
		return nil, err
	}

	launch, err := s.queue.Enqueue(req)
	if err != nil {
		s.metrics.RecordLaunch(metricType(req), metrics.OutcomeRejected)
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			return nil, apperrors.Conflict("launch queue is full", err)
		case errors.Is(err, queue.ErrClosed):
			return nil, apperrors.ServiceUnavailable("launch queue")
		}
		return nil, apperrors.InternalError("failed to queue launch", err)
	}

	select {
	case res := <-launch.Result():
		return res.Agent, res.Err
	case <-ctx.Done():
		if s.queue.Cancel(launch.ID) {
			s.log.Debug("launch cancelled before pickup", zap.String("launch_id", launch.ID))
		}
		return nil, ctx.Err()
	}
}

// launchAgentDirect is the head-of-queue action. It applies the transient
// instruction file, persists the agent, records the prompt as the first
// timeline message, and starts the runner. The instruction file is restored
// on every exit path.
func (s *Service) launchAgentDirect(ctx context.Context, req *v1.LaunchAgentRequest) (*models.Agent, error) {
	begin := time.Now()

	agentType, err := models.ParseAgentType(req.Type)
	if err != nil {
		return nil, apperrors.ValidationError("type", err.Error())
	}
	cfg := dto.LaunchConfig(req.Configuration)

	restore, err := applyInstructions(agentType, cfg, s.log)
	if err != nil {
		s.metrics.RecordLaunch(string(agentType), metrics.OutcomeFailed)
		return nil, apperrors.Wrap(err, "failed to apply instructions")
	}
	defer restore()

	agent := models.NewAgent(agentType, req.Prompt, cfg)
	log := s.log.WithAgentID(agent.ID)

	// The agent row must exist before any message write can reference it.
	if err := s.store.SaveAgent(ctx, agent); err != nil {
		s.metrics.RecordLaunch(string(agentType), metrics.OutcomeFailed)
		return nil, apperrors.Wrap(err, "failed to persist agent")
	}
	s.streaming.BroadcastAgentCreated(ctx, agent)

	// The prompt is message #1 on the timeline. Losing it is logged, not
	// fatal; the run itself can still proceed.
	if _, err := s.streaming.BroadcastMessage(ctx, agent.ID, &models.Message{
		Kind:    models.MessageKindUser,
		Role:    "user",
		Content: req.Prompt,
	}); err != nil {
		log.Warn("failed to record prompt message", zap.Error(err))
	}

	run, err := s.runners.RunnerFor(agentType)
	if err != nil {
		s.abortLaunch(ctx, agent, err)
		return nil, err
	}

	observer := s.streaming.NewAgentObserver(agent.ID)
	lifecycle := &lifecycleObserver{svc: s, agentID: agent.ID}
	run.Subscribe(agent.ID, observer)
	run.Subscribe(agent.ID, lifecycle)

	s.trackStarted(agent.ID)
	if d := cfg.TimeoutDuration(); d > 0 {
		s.armWatchdog(agent.ID, d)
	}

	if err := run.Start(ctx, agent); err != nil {
		s.untrack(agent.ID)
		run.Unsubscribe(agent.ID, observer)
		run.Unsubscribe(agent.ID, lifecycle)
		s.abortLaunch(ctx, agent, err)
		return nil, apperrors.Wrap(err, "failed to start runner")
	}

	applied, err := s.store.MarkAgentRunning(ctx, agent.ID, time.Now().UTC())
	switch {
	case err != nil:
		log.Error("failed to record running status", zap.Error(err))
	case applied:
		_ = agent.TransitionTo(models.AgentStatusRunning)
	default:
		// The run already reached a terminal state.
		log.Debug("run finished before running status was recorded")
	}

	s.metrics.RecordLaunch(string(agentType), metrics.OutcomeLaunched)
	s.metrics.RecordLaunchDuration(string(agentType), time.Since(begin).Seconds())
	log.Info("agent launched",
		zap.String("type", string(agentType)),
		zap.Duration("elapsed", time.Since(begin)))
	return agent, nil
}

// abortLaunch marks a half-launched agent failed and reports the failure.
func (s *Service) abortLaunch(ctx context.Context, agent *models.Agent, cause error) {
	s.metrics.RecordLaunch(string(agent.Type), metrics.OutcomeFailed)
	s.streaming.BroadcastError(ctx, agent.ID, cause)
}

// TerminateAgent stops a run on request. Terminating an agent that already
// reached a terminal state is a no-op; unknown agents are reported not found.
func (s *Service) TerminateAgent(ctx context.Context, agentID string) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status.IsTerminal() {
		return nil
	}

	if run, err := s.runners.RunnerFor(agent.Type); err == nil {
		if stopErr := run.Stop(ctx, agentID); stopErr != nil && !apperrors.IsNotFound(stopErr) {
			s.log.Warn("runner stop failed",
				zap.String("agent_id", agentID), zap.Error(stopErr))
		}
	}

	s.untrack(agentID)
	s.streaming.BroadcastTerminated(ctx, agentID)
	return nil
}

// GetAgent returns the agent together with its message count.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*models.Agent, int, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, 0, err
	}
	count, err := s.store.CountMessages(ctx, agentID)
	if err != nil {
		return nil, 0, err
	}
	return agent, count, nil
}

// ListAgents returns all agents, optionally filtered by status.
func (s *Service) ListAgents(ctx context.Context, statusFilter string) ([]*models.Agent, error) {
	if statusFilter == "" {
		return s.store.ListAgents(ctx)
	}
	status, err := models.ParseAgentStatus(statusFilter)
	if err != nil {
		return nil, apperrors.ValidationError("status", err.Error())
	}
	return s.store.ListAgentsByStatus(ctx, status)
}

// ListActiveAgents returns the agents currently in the running state.
func (s *Service) ListActiveAgents(ctx context.Context) ([]*models.Agent, error) {
	return s.store.ListAgentsByStatus(ctx, models.AgentStatusRunning)
}

// ListMessages returns an agent's timeline, optionally only entries after
// the given sequence number. Unknown agents are reported not found.
func (s *Service) ListMessages(ctx context.Context, agentID string, since int64) ([]*models.Message, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	if since > 0 {
		return s.store.ListMessagesSince(ctx, agentID, since)
	}
	return s.store.ListMessages(ctx, agentID)
}

// Counts reports active and total agents for the health payload.
func (s *Service) Counts(ctx context.Context) (int, int, error) {
	active, err := s.store.ListAgentsByStatus(ctx, models.AgentStatusRunning)
	if err != nil {
		return 0, 0, err
	}
	total, err := s.store.CountAgents(ctx)
	if err != nil {
		return 0, 0, err
	}
	return len(active), total, nil
}

// Shutdown stops intake and terminates whatever is still running. Failures
// are logged; shutdown keeps going.
func (s *Service) Shutdown(ctx context.Context) {
	s.queue.Close()

	agents, err := s.store.ListAgentsByStatus(ctx, models.AgentStatusRunning)
	if err != nil {
		s.log.Error("failed to list running agents during shutdown", zap.Error(err))
		return
	}
	for _, agent := range agents {
		if err := s.TerminateAgent(ctx, agent.ID); err != nil && !apperrors.IsNotFound(err) {
			s.log.Warn("failed to terminate agent during shutdown",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
}

// trackStarted records a live run for the active-agents gauge.
func (s *Service) trackStarted(agentID string) {
	s.mu.Lock()
	s.live[agentID] = struct{}{}
	s.mu.Unlock()
	s.metrics.AgentStarted()
}

// untrack releases the per-run bookkeeping: the live-run gauge entry and any
// armed watchdog. The first caller wins; later calls are no-ops, so the
// terminal observer and an explicit terminate cannot double-count.
func (s *Service) untrack(agentID string) {
	s.mu.Lock()
	_, wasLive := s.live[agentID]
	delete(s.live, agentID)
	if timer, ok := s.watchdogs[agentID]; ok {
		timer.Stop()
		delete(s.watchdogs, agentID)
	}
	s.mu.Unlock()

	if wasLive {
		s.metrics.AgentFinished()
	}
}

// armWatchdog schedules a forced termination for runs carrying a timeout.
func (s *Service) armWatchdog(agentID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchdogs[agentID] = time.AfterFunc(d, func() {
		s.log.Warn("run exceeded its timeout, terminating",
			zap.String("agent_id", agentID),
			zap.Duration("timeout", d))
		ctx, cancel := context.WithTimeout(context.Background(), watchdogStopTimeout)
		defer cancel()
		if err := s.TerminateAgent(ctx, agentID); err != nil && !apperrors.IsNotFound(err) {
			s.log.Error("watchdog termination failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	})
}

// lifecycleObserver releases per-run bookkeeping when a run reaches a
// terminal event on its own.
type lifecycleObserver struct {
	svc     *Service
	agentID string
}

func (o *lifecycleObserver) OnMessage(*models.Message)         {}
func (o *lifecycleObserver) OnStatusChange(models.AgentStatus) {}
func (o *lifecycleObserver) OnError(error)                     { o.svc.untrack(o.agentID) }
func (o *lifecycleObserver) OnComplete(*models.RunResult)      { o.svc.untrack(o.agentID) }

// metricType maps the request's wire type to a bounded metrics label.
func metricType(req *v1.LaunchAgentRequest) string {
	if req == nil {
		return "unknown"
	}
	if t, err := models.ParseAgentType(req.Type); err == nil {
		return string(t)
	}
	return "unknown"
}
