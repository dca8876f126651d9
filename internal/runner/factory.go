package runner

import (
	"fmt"

	"github.com/agentd/agentd/internal/agent/models"
	"github.com/agentd/agentd/internal/common/config"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/process"
)

// Factory hands out the runner for each agent type.
type Factory struct {
	runners map[models.AgentType]Runner
}

// NewFactory builds the factory with one runner per provider family. All
// families share the process manager; the synthetic family spawns nothing.
func NewFactory(cfg config.ProvidersConfig, procs *process.Manager, log *logger.Logger) *Factory {
	return &Factory{
		runners: map[models.AgentType]Runner{
			models.AgentTypeClaude:    NewClaudeRunner(cfg.Claude, procs, log),
			models.AgentTypeGemini:    NewGeminiRunner(cfg.Gemini, procs, log),
			models.AgentTypeSynthetic: NewSyntheticRunner(log),
		},
	}
}

// RunnerFor returns the runner for the given type; unknown types error.
func (f *Factory) RunnerFor(agentType models.AgentType) (Runner, error) {
	r, ok := f.runners[agentType]
	if !ok {
		return nil, fmt.Errorf("no runner registered for agent type %q", agentType)
	}
	return r, nil
}
