package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentd/agentd/internal/agent/models"
	"github.com/agentd/agentd/internal/common/config"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/process"
	"github.com/agentd/agentd/internal/runner/parser"
)

// NewClaudeRunner creates the runner for the claude CLI family. The CLI is
// driven in one-shot print mode with stream-json output on stdout.
func NewClaudeRunner(cfg config.ProviderConfig, procs *process.Manager, log *logger.Logger) *CLIRunner {
	return newCLIRunner(claudeProvider{
		binary:       cfg.Binary,
		defaultModel: cfg.DefaultModel,
	}, procs, log)
}

type claudeProvider struct {
	binary       string
	defaultModel string
}

func (p claudeProvider) name() string { return "claude" }

func (p claudeProvider) newParser() parser.Parser { return parser.NewClaudeParser() }

func (p claudeProvider) check(agent *models.Agent) error { return nil }

func (p claudeProvider) buildSpec(agent *models.Agent) (process.Spec, func(), error) {
	cfg := agent.Config
	if cfg == nil {
		cfg = &models.LaunchConfig{}
	}

	format := cfg.OutputFormat
	if format == "" {
		format = "stream-json"
	}
	args := []string{
		"-p", agent.Prompt,
		"--output-format", format,
		"--verbose",
		"--include-partial-messages",
	}

	model := cfg.Model
	if model == "" {
		model = p.defaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if cfg.SessionID != "" {
		args = append(args, "--resume", cfg.SessionID)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(cfg.AllowedTools, ","))
	}
	if len(cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(cfg.DisallowedTools, ","))
	}

	var cleanup func()
	if len(cfg.MCPServers) > 0 {
		path, err := writeMCPConfig(agent.ID, cfg.MCPServers)
		if err != nil {
			return process.Spec{}, nil, err
		}
		args = append(args, "--mcp-config", path)
		cleanup = func() { _ = os.Remove(path) }
	}
	args = append(args, cfg.CustomArgs...)

	return process.Spec{
		Command: p.binary,
		Args:    args,
		Dir:     cfg.WorkingDirectory,
	}, cleanup, nil
}

// mcpConfigFile is the shape the claude CLI reads via --mcp-config.
type mcpConfigFile struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

type mcpServerEntry struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// writeMCPConfig serializes the launch's MCP servers into a temp config file
// for the CLI. The caller removes the file once the process exits.
func writeMCPConfig(agentID string, servers []models.MCPServerConfig) (string, error) {
	cfg := mcpConfigFile{MCPServers: make(map[string]mcpServerEntry, len(servers))}
	for _, server := range servers {
		entry := mcpServerEntry{
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
		}
		// stdio is the CLI default and is left implicit.
		if server.Transport != "" && server.Transport != models.MCPTransportStdio {
			entry.Type = server.Transport
		}
		cfg.MCPServers[server.Name] = entry
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize MCP config: %w", err)
	}

	f, err := os.CreateTemp("", "agentd-mcp-"+agentID+"-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create MCP config file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write MCP config file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write MCP config file: %w", err)
	}
	return path, nil
}
