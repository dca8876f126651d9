// Package runner launches provider agents and fans their parsed output out
// to observers. Each provider family (claude, gemini, synthetic) gets its own
// Runner; all of them share the observer registry semantics: subscriptions
// registered before Start buffer and attach before the first line is
// processed, and state for an agent is torn down once its run ends.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/agent/models"
	apperrors "github.com/agentd/agentd/internal/common/errors"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/process"
	"github.com/agentd/agentd/internal/runner/parser"
)

// Observer receives the event stream of one agent run. Callbacks for a
// given agent are invoked sequentially in emission order; callbacks for
// different agents may run concurrently.
type Observer interface {
	OnMessage(msg *models.Message)
	OnStatusChange(status models.AgentStatus)
	OnError(err error)
	OnComplete(result *models.RunResult)
}

// Runner starts and supervises agents of one provider family.
type Runner interface {
	// Start launches the agent's run. Observers already subscribed for the
	// agent id attach before the first output line is processed.
	Start(ctx context.Context, agent *models.Agent) error
	// Stop terminates a running agent. The deliberate stop suppresses the
	// error event the exit would otherwise produce.
	Stop(ctx context.Context, agentID string) error
	// Status reports the runner-side status; not-found once the run ended.
	Status(agentID string) (models.AgentStatus, error)
	Subscribe(agentID string, observer Observer)
	Unsubscribe(agentID string, observer Observer)
}

// agentState tracks one active run: its observers, process handle, and
// counters for the final result.
type agentState struct {
	mu        sync.Mutex
	observers []Observer
	status    models.AgentStatus
	stopped   bool
	startedAt time.Time
	messages  int
	proc      *process.Proc
	cancel    context.CancelFunc
}

func newAgentState() *agentState {
	return &agentState{
		status:    models.AgentStatusInitializing,
		startedAt: time.Now(),
	}
}

func (s *agentState) addObserver(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

func (s *agentState) removeObserver(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.observers {
		if o == obs {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

// attachProc records the process handle. Reports whether a stop request
// arrived before the process was attached, in which case the caller should
// stop it right away.
func (s *agentState) attachProc(p *process.Proc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = p
	return s.stopped
}

func (s *agentState) processHandle() *process.Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *agentState) markStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *agentState) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *agentState) currentStatus() models.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// result builds the run summary from the state's counters.
func (s *agentState) result(status string) *models.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.RunResult{
		Status:       status,
		DurationMS:   time.Since(s.startedAt).Milliseconds(),
		MessageCount: s.messages,
	}
}

func (s *agentState) snapshotObservers() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Observer(nil), s.observers...)
}

func (s *agentState) emitMessage(msg *models.Message) {
	s.mu.Lock()
	s.messages++
	obs := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range obs {
		o.OnMessage(msg)
	}
}

func (s *agentState) emitStatus(status models.AgentStatus) {
	s.mu.Lock()
	s.status = status
	obs := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range obs {
		o.OnStatusChange(status)
	}
}

func (s *agentState) emitError(err error) {
	for _, o := range s.snapshotObservers() {
		o.OnError(err)
	}
}

func (s *agentState) emitComplete(result *models.RunResult) {
	for _, o := range s.snapshotObservers() {
		o.OnComplete(result)
	}
}

// registry holds the active run states plus the observers that subscribed
// before their agent started. Observers are compared by identity.
type registry struct {
	mu      sync.Mutex
	active  map[string]*agentState
	pending map[string][]Observer
}

func newRegistry() *registry {
	return &registry{
		active:  make(map[string]*agentState),
		pending: make(map[string][]Observer),
	}
}

// subscribe attaches an observer, buffering it when the agent has not
// started yet. Subscribing before Start never loses messages.
func (r *registry) subscribe(agentID string, obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.active[agentID]; ok {
		state.addObserver(obs)
		return
	}
	r.pending[agentID] = append(r.pending[agentID], obs)
}

func (r *registry) unsubscribe(agentID string, obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.active[agentID]; ok {
		state.removeObserver(obs)
		return
	}
	buffered := r.pending[agentID]
	for i, o := range buffered {
		if o == obs {
			r.pending[agentID] = append(buffered[:i], buffered[i+1:]...)
			break
		}
	}
	if len(r.pending[agentID]) == 0 {
		delete(r.pending, agentID)
	}
}

// register activates state for an agent, claiming any observers buffered
// while it was pending. Called before the run produces its first line.
func (r *registry) register(agentID string) *agentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := newAgentState()
	state.observers = r.pending[agentID]
	delete(r.pending, agentID)
	r.active[agentID] = state
	return state
}

func (r *registry) lookup(agentID string) (*agentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.active[agentID]
	return state, ok
}

func (r *registry) remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, agentID)
}

func (r *registry) activeIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// provider supplies the per-family pieces of a CLI run.
type provider interface {
	name() string
	newParser() parser.Parser
	// check validates the environment before anything is created for the
	// launch (required API keys and the like).
	check(agent *models.Agent) error
	// buildSpec renders the child process spec. The cleanup func, when
	// non-nil, runs once the process has exited.
	buildSpec(agent *models.Agent) (process.Spec, func(), error)
}

// CLIRunner supervises agents that run as child CLI processes. The provider
// decides argv and environment; the runner owns spawning, line parsing,
// fan-out, and exit mapping.
type CLIRunner struct {
	provider provider
	procs    *process.Manager
	parser   parser.Parser
	log      *logger.Logger
	reg      *registry
}

func newCLIRunner(p provider, procs *process.Manager, log *logger.Logger) *CLIRunner {
	if log == nil {
		log = logger.Default()
	}
	return &CLIRunner{
		provider: p,
		procs:    procs,
		parser:   p.newParser(),
		log:      log.WithComponent("runner." + p.name()),
		reg:      newRegistry(),
	}
}

func (r *CLIRunner) Subscribe(agentID string, observer Observer) {
	r.reg.subscribe(agentID, observer)
}

func (r *CLIRunner) Unsubscribe(agentID string, observer Observer) {
	r.reg.unsubscribe(agentID, observer)
}

func (r *CLIRunner) Status(agentID string) (models.AgentStatus, error) {
	state, ok := r.reg.lookup(agentID)
	if !ok {
		return "", apperrors.NotFound("agent", agentID)
	}
	return state.currentStatus(), nil
}

// Start spawns the provider CLI for the agent. Parsed output lines fan out
// to observers on the process reader goroutine, which keeps one agent's
// messages in order without ever blocking another agent's stream.
func (r *CLIRunner) Start(ctx context.Context, agent *models.Agent) error {
	if err := r.provider.check(agent); err != nil {
		return err
	}
	spec, cleanup, err := r.provider.buildSpec(agent)
	if err != nil {
		return err
	}

	agentID := agent.ID
	log := r.log.WithAgentID(agentID)
	state := r.reg.register(agentID)

	onLine := func(line string) {
		msg, err := r.parser.Parse(line)
		if err != nil {
			// A malformed frame never fails the run.
			log.Debug("skipping unparseable output line", zap.Error(err))
			return
		}
		if msg == nil {
			return
		}
		msg.AgentID = agentID
		state.emitMessage(msg)
	}

	proc, err := r.procs.Spawn(ctx, spec, onLine)
	if err != nil {
		r.reg.remove(agentID)
		if cleanup != nil {
			cleanup()
		}
		return fmt.Errorf("failed to start %s agent: %w", r.provider.name(), err)
	}
	log.Info("agent process started",
		zap.Int("pid", proc.PID()),
		zap.String("command", spec.Command))

	if stoppedEarly := state.attachProc(proc); stoppedEarly {
		_ = proc.Stop(ctx)
	}
	state.emitStatus(models.AgentStatusRunning)

	go r.watch(agentID, state, proc, cleanup)
	return nil
}

// watch waits for the process to exit and maps the exit to the terminal
// observer event. By the time Done fires every output line has been
// delivered, so the terminal event is always last.
func (r *CLIRunner) watch(agentID string, state *agentState, proc *process.Proc, cleanup func()) {
	<-proc.Done()
	if cleanup != nil {
		cleanup()
	}
	r.reg.remove(agentID)

	code := proc.ExitCode()
	log := r.log.WithAgentID(agentID)
	switch {
	case state.wasStopped():
		log.Info("agent process stopped", zap.Int("exit_code", code))
	case code == 0:
		result := state.result(models.RunStatusSuccess)
		log.Info("agent process completed", zap.Int("messages", result.MessageCount))
		state.emitComplete(result)
	default:
		err := fmt.Errorf("%s exited with code %d", r.provider.name(), code)
		if tail := proc.RecentStderr(); len(tail) > 0 {
			err = fmt.Errorf("%s exited with code %d: %s", r.provider.name(), code, strings.Join(tail, "\n"))
		}
		log.Warn("agent process failed", zap.Int("exit_code", code))
		state.emitError(err)
	}
}

// Stop terminates the agent's process, graceful first. The not-found case
// is returned as such so callers can tolerate stopping an already-finished
// agent.
func (r *CLIRunner) Stop(ctx context.Context, agentID string) error {
	state, ok := r.reg.lookup(agentID)
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	state.markStopped()
	proc := state.processHandle()
	if proc == nil {
		r.reg.remove(agentID)
		return nil
	}
	return proc.Stop(ctx)
}
