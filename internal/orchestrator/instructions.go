package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/agent/models"
	"github.com/agentd/agentd/internal/common/logger"
)

// instructionFileName maps a provider family to the instruction file its CLI
// reads from the working directory. Synthetic agents have none.
func instructionFileName(agentType models.AgentType) string {
	switch agentType {
	case models.AgentTypeClaude:
		return "CLAUDE.md"
	case models.AgentTypeGemini:
		return "GEMINI.md"
	}
	return ""
}

// instructionSnapshot remembers the pre-launch state of one instruction file
// so a transient replacement can be undone.
type instructionSnapshot struct {
	path     string
	existed  bool
	original []byte
	log      *logger.Logger
}

// applyInstructions replaces the provider's instruction file with the
// caller-supplied text for the duration of a launch. The returned restore
// func is never nil and is safe to call when nothing was replaced.
func applyInstructions(agentType models.AgentType, cfg *models.LaunchConfig, log *logger.Logger) (func(), error) {
	noop := func() {}
	if cfg == nil || cfg.Instructions == "" {
		return noop, nil
	}
	name := instructionFileName(agentType)
	if name == "" {
		return noop, nil
	}

	dir := cfg.WorkingDirectory
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, name)

	snap := &instructionSnapshot{path: path, log: log}
	original, err := os.ReadFile(path)
	switch {
	case err == nil:
		snap.existed = true
		snap.original = original
	case os.IsNotExist(err):
		// No user file to preserve.
	default:
		return noop, fmt.Errorf("failed to snapshot %s: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(cfg.Instructions), 0o644); err != nil {
		return noop, fmt.Errorf("failed to write %s: %w", path, err)
	}
	log.Debug("instruction file replaced",
		zap.String("path", path),
		zap.Bool("existed", snap.existed))
	return snap.restore, nil
}

// restore puts the instruction file back into its pre-launch state. Errors
// are logged; restoration is best effort.
func (s *instructionSnapshot) restore() {
	var err error
	if s.existed {
		err = os.WriteFile(s.path, s.original, 0o644)
	} else {
		err = os.Remove(s.path)
		if os.IsNotExist(err) {
			err = nil
		}
	}
	if err != nil {
		s.log.Warn("failed to restore instruction file",
			zap.String("path", s.path), zap.Error(err))
		return
	}
	s.log.Debug("instruction file restored", zap.String("path", s.path))
}
