package runner

import (
	"fmt"
	"os"

	"github.com/agentd/agentd/internal/agent/models"
	"github.com/agentd/agentd/internal/common/config"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/process"
	"github.com/agentd/agentd/internal/runner/parser"
)

// geminiAPIKeyEnv must be present in the environment for gemini launches.
const geminiAPIKeyEnv = "GEMINI_API_KEY"

// NewGeminiRunner creates the runner for the gemini CLI family.
func NewGeminiRunner(cfg config.ProviderConfig, procs *process.Manager, log *logger.Logger) *CLIRunner {
	return newCLIRunner(geminiProvider{
		binary:       cfg.Binary,
		defaultModel: cfg.DefaultModel,
	}, procs, log)
}

type geminiProvider struct {
	binary       string
	defaultModel string
}

func (p geminiProvider) name() string { return "gemini" }

func (p geminiProvider) newParser() parser.Parser { return parser.NewGeminiParser() }

func (p geminiProvider) check(agent *models.Agent) error {
	if os.Getenv(geminiAPIKeyEnv) == "" {
		return fmt.Errorf("%s environment variable is required for gemini agents", geminiAPIKeyEnv)
	}
	return nil
}

func (p geminiProvider) buildSpec(agent *models.Agent) (process.Spec, func(), error) {
	cfg := agent.Config
	if cfg == nil {
		cfg = &models.LaunchConfig{}
	}

	args := []string{
		"-p", agent.Prompt,
		"--output-format", "stream-json",
	}
	model := cfg.Model
	if model == "" {
		model = p.defaultModel
	}
	if model != "" {
		args = append(args, "-m", model)
	}
	args = append(args, cfg.CustomArgs...)

	return process.Spec{
		Command: p.binary,
		Args:    args,
		Dir:     cfg.WorkingDirectory,
	}, nil, nil
}
