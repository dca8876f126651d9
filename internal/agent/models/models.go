// Package models defines the agent and message domain types shared by the
// repository, runners, streaming service, and gateway.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentType identifies the CLI family an agent runs on.
type AgentType string

const (
	// AgentTypeClaude runs the claude CLI in stream-json mode
	AgentTypeClaude AgentType = "claude"
	// AgentTypeGemini runs the gemini CLI in stream-json mode
	AgentTypeGemini AgentType = "gemini"
	// AgentTypeSynthetic emits a scripted schedule without a child process
	AgentTypeSynthetic AgentType = "synthetic"
)

// ParseAgentType maps wire names ("claude-code", "gemini-cli", "synthetic")
// to an AgentType. The bare family names are accepted as well.
func ParseAgentType(s string) (AgentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "claude-code", "claude":
		return AgentTypeClaude, nil
	case "gemini-cli", "gemini":
		return AgentTypeGemini, nil
	case "synthetic":
		return AgentTypeSynthetic, nil
	default:
		return "", fmt.Errorf("unknown agent type %q", s)
	}
}

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	// AgentStatusInitializing - agent record created, runner not started yet
	AgentStatusInitializing AgentStatus = "initializing"
	// AgentStatusRunning - child process (or schedule) is producing output
	AgentStatusRunning AgentStatus = "running"
	// AgentStatusPaused - output suspended, resumable
	AgentStatusPaused AgentStatus = "paused"
	// AgentStatusCompleted - run finished successfully
	AgentStatusCompleted AgentStatus = "completed"
	// AgentStatusFailed - run ended with an error
	AgentStatusFailed AgentStatus = "failed"
	// AgentStatusTerminated - run was stopped on request
	AgentStatusTerminated AgentStatus = "terminated"
)

// ParseAgentStatus validates a status string, typically a list filter.
func ParseAgentStatus(s string) (AgentStatus, error) {
	status := AgentStatus(strings.ToLower(strings.TrimSpace(s)))
	switch status {
	case AgentStatusInitializing, AgentStatusRunning, AgentStatusPaused,
		AgentStatusCompleted, AgentStatusFailed, AgentStatusTerminated:
		return status, nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

// ErrInvalidTransition is returned when a status change violates the
// lifecycle state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// statusTransitions is the lifecycle state machine. Completion may arrive
// while the agent is still initializing (a fast run can finish before the
// orchestrator records the running state), so terminal states are reachable
// from initializing as well.
var statusTransitions = map[AgentStatus][]AgentStatus{
	AgentStatusInitializing: {AgentStatusRunning, AgentStatusCompleted, AgentStatusFailed, AgentStatusTerminated},
	AgentStatusRunning:      {AgentStatusPaused, AgentStatusCompleted, AgentStatusFailed, AgentStatusTerminated},
	AgentStatusPaused:       {AgentStatusRunning, AgentStatusFailed, AgentStatusTerminated},
	AgentStatusCompleted:    {},
	AgentStatusFailed:       {},
	AgentStatusTerminated:   {},
}

// IsTerminal reports whether the status is a terminal state.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentStatusCompleted, AgentStatusFailed, AgentStatusTerminated:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Re-saving the current status is always permitted.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Agent is one run of an external CLI (or synthetic schedule) on behalf of a
// user prompt.
type Agent struct {
	ID          string        `json:"id"`
	Type        AgentType     `json:"type"`
	Status      AgentStatus   `json:"status"`
	Prompt      string        `json:"prompt"`
	Config      *LaunchConfig `json:"configuration,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// NewAgent creates an Agent in the initializing state with a fresh id.
func NewAgent(agentType AgentType, prompt string, config *LaunchConfig) *Agent {
	return &Agent{
		ID:        uuid.New().String(),
		Type:      agentType,
		Status:    AgentStatusInitializing,
		Prompt:    prompt,
		Config:    config,
		CreatedAt: time.Now().UTC(),
	}
}

// TransitionTo moves the agent to next, stamping StartedAt/CompletedAt as
// appropriate. Returns ErrInvalidTransition when the state machine forbids it.
func (a *Agent) TransitionTo(next AgentStatus) error {
	if !a.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, next)
	}
	if a.Status == next {
		return nil
	}
	a.Status = next
	now := time.Now().UTC()
	switch next {
	case AgentStatusRunning:
		if a.StartedAt == nil {
			a.StartedAt = &now
		}
	case AgentStatusCompleted, AgentStatusFailed, AgentStatusTerminated:
		if a.CompletedAt == nil {
			a.CompletedAt = &now
		}
	}
	return nil
}

// MessageKind classifies a message on an agent's timeline.
type MessageKind string

const (
	MessageKindUser      MessageKind = "user"
	MessageKindAssistant MessageKind = "assistant"
	MessageKindSystem    MessageKind = "system"
	MessageKindTool      MessageKind = "tool"
	MessageKindResponse  MessageKind = "response"
	MessageKindError     MessageKind = "error"
)

// Valid reports whether k is one of the recognized message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindUser, MessageKindAssistant, MessageKindSystem,
		MessageKindTool, MessageKindResponse, MessageKindError:
		return true
	}
	return false
}

// Message is one event on an agent's timeline. Messages are immutable once
// stored; SequenceNumber is assigned by the store and is strictly monotonic
// per agent.
type Message struct {
	ID             string                 `json:"id"`
	AgentID        string                 `json:"agent_id"`
	SequenceNumber int64                  `json:"sequence_number"`
	Kind           MessageKind            `json:"kind"`
	Role           string                 `json:"role,omitempty"`
	Content        string                 `json:"content"`
	Raw            string                 `json:"raw,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// DecodedContent returns the content as a structured value when it holds
// serialized JSON, and as the plain string otherwise. Content written as an
// object round-trips to an equal object through this accessor.
func (m *Message) DecodedContent() interface{} {
	trimmed := strings.TrimSpace(m.Content)
	if len(trimmed) == 0 {
		return m.Content
	}
	switch trimmed[0] {
	case '{', '[':
		var v interface{}
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return m.Content
}

// Run result statuses reported to observers and clients.
const (
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// RunResult summarizes a finished run.
type RunResult struct {
	Status       string `json:"status"`
	DurationMS   int64  `json:"durationMs"`
	MessageCount int    `json:"messageCount"`
}

// MCP transport kinds accepted in launch configuration.
const (
	MCPTransportStdio = "stdio"
	MCPTransportHTTP  = "http"
	MCPTransportSSE   = "sse"
)

// MCPServerConfig describes one auxiliary tool server passed to the CLI via
// a generated JSON config file.
type MCPServerConfig struct {
	Name      string            `json:"name"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Transport string            `json:"transport,omitempty"`
}

// LaunchConfig carries the recognized per-launch options. All fields are
// optional; zero values mean "not set".
type LaunchConfig struct {
	SessionID        string                 `json:"sessionId,omitempty"`
	OutputFormat     string                 `json:"outputFormat,omitempty"`
	CustomArgs       []string               `json:"customArgs,omitempty"`
	Timeout          int64                  `json:"timeout,omitempty"` // milliseconds
	AllowedTools     []string               `json:"allowedTools,omitempty"`
	DisallowedTools  []string               `json:"disallowedTools,omitempty"`
	WorkingDirectory string                 `json:"workingDirectory,omitempty"`
	Instructions     string                 `json:"instructions,omitempty"`
	ConversationName string                 `json:"conversationName,omitempty"`
	Model            string                 `json:"model,omitempty"`
	MCPServers       []MCPServerConfig      `json:"mcp,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// TimeoutDuration returns the watchdog ceiling as a time.Duration, zero when
// unset.
func (c *LaunchConfig) TimeoutDuration() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return 0
	}
	return time.Duration(c.Timeout) * time.Millisecond
}
