package v1

import "time"

// Agent type wire names accepted in launch requests.
const (
	AgentTypeClaudeCode = "claude-code"
	AgentTypeGeminiCLI  = "gemini-cli"
	AgentTypeSynthetic  = "synthetic"
)

// MCPServer describes one MCP tool server passed through to the provider CLI.
type MCPServer struct {
	Name      string            `json:"name" binding:"required"`
	Command   string            `json:"command" binding:"required"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Transport string            `json:"transport,omitempty"` // stdio, http, sse
}

// LaunchConfiguration carries the optional per-launch options. A nil
// ConversationName means "not provided", which is distinct from an empty one
// (provided-but-blank names are rejected).
type LaunchConfiguration struct {
	SessionID        string                 `json:"sessionId,omitempty"`
	OutputFormat     string                 `json:"outputFormat,omitempty"`
	CustomArgs       []string               `json:"customArgs,omitempty"`
	Timeout          int64                  `json:"timeout,omitempty"` // milliseconds
	AllowedTools     []string               `json:"allowedTools,omitempty"`
	DisallowedTools  []string               `json:"disallowedTools,omitempty"`
	WorkingDirectory string                 `json:"workingDirectory,omitempty"`
	Instructions     string                 `json:"instructions,omitempty"`
	ConversationName *string                `json:"conversationName,omitempty"`
	Model            string                 `json:"model,omitempty"`
	MCPServers       []MCPServer            `json:"mcp,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// LaunchAgentRequest is the body of POST /api/v1/agents.
type LaunchAgentRequest struct {
	Type          string               `json:"type" binding:"required"`
	Prompt        string               `json:"prompt" binding:"required"`
	Configuration *LaunchConfiguration `json:"configuration,omitempty"`
}

// LaunchAgentResponse acknowledges an accepted launch.
type LaunchAgentResponse struct {
	AgentID   string    `json:"agentId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionInfo summarizes the conversation an agent carries.
type SessionInfo struct {
	ID           string `json:"id,omitempty"`
	Prompt       string `json:"prompt"`
	MessageCount *int   `json:"messageCount,omitempty"`
}

// AgentResponse is the wire representation of a single agent.
type AgentResponse struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Status      string      `json:"status"`
	Session     SessionInfo `json:"session"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// AgentListResponse is the body of GET /api/v1/agents.
type AgentListResponse struct {
	Agents []AgentResponse `json:"agents"`
	Total  int             `json:"total"`
}

// MessageResponse is the wire representation of one timeline message.
// Content is the decoded form: structured content stored as JSON comes back
// as an object, plain text as a string.
type MessageResponse struct {
	ID             string                 `json:"id"`
	SequenceNumber int64                  `json:"sequenceNumber"`
	Kind           string                 `json:"kind"`
	Role           string                 `json:"role,omitempty"`
	Content        interface{}            `json:"content"`
	Raw            string                 `json:"raw,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// MessageListResponse is the body of GET /api/v1/agents/:id/messages.
type MessageListResponse struct {
	AgentID  string            `json:"agentId"`
	Messages []MessageResponse `json:"messages"`
	Total    int               `json:"total"`
}

// Health statuses.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"

	DatabaseConnected    = "connected"
	DatabaseDisconnected = "disconnected"
)

// MemoryUsage reports process memory in the health payload, in bytes.
type MemoryUsage struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	External  uint64 `json:"external"`
	RSS       uint64 `json:"rss"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string      `json:"status"`
	PID            int         `json:"pid"`
	Uptime         float64     `json:"uptime"` // seconds
	MemoryUsage    MemoryUsage `json:"memoryUsage"`
	ActiveAgents   int         `json:"activeAgents"`
	TotalAgents    int         `json:"totalAgents"`
	DatabaseStatus string      `json:"databaseStatus"`
	StartedAt      time.Time   `json:"startedAt"`
	Timestamp      time.Time   `json:"timestamp"`
	Port           int         `json:"port"`
	InstanceID     string      `json:"instanceId"`
}

// ErrorResponse is the uniform error body for REST failures.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
