// Package dto converts between the agent domain models and their wire
// representations in pkg/api/v1.
package dto

import (
	"github.com/agentd/agentd/internal/agent/models"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// WireType maps a domain agent type to its wire name.
func WireType(t models.AgentType) string {
	switch t {
	case models.AgentTypeClaude:
		return v1.AgentTypeClaudeCode
	case models.AgentTypeGemini:
		return v1.AgentTypeGeminiCLI
	default:
		return string(t)
	}
}

// FromAgent converts an agent to its wire representation. messageCount is
// optional; list endpoints omit it to avoid a count query per row.
func FromAgent(agent *models.Agent, messageCount *int) v1.AgentResponse {
	resp := v1.AgentResponse{
		ID:     agent.ID,
		Type:   WireType(agent.Type),
		Status: string(agent.Status),
		Session: v1.SessionInfo{
			Prompt:       agent.Prompt,
			MessageCount: messageCount,
		},
		Error:       agent.Error,
		CreatedAt:   agent.CreatedAt,
		StartedAt:   agent.StartedAt,
		CompletedAt: agent.CompletedAt,
	}
	if agent.Config != nil {
		resp.Session.ID = agent.Config.SessionID
	}
	return resp
}

// FromAgents converts a list of agents, without per-agent message counts.
func FromAgents(agents []*models.Agent) []v1.AgentResponse {
	out := make([]v1.AgentResponse, 0, len(agents))
	for _, agent := range agents {
		out = append(out, FromAgent(agent, nil))
	}
	return out
}

// FromMessage converts a stored message to its wire representation. Content
// comes back decoded: structured content stored as JSON text is returned as
// the object, plain text as the string.
func FromMessage(msg *models.Message) v1.MessageResponse {
	return v1.MessageResponse{
		ID:             msg.ID,
		SequenceNumber: msg.SequenceNumber,
		Kind:           string(msg.Kind),
		Role:           msg.Role,
		Content:        msg.DecodedContent(),
		Raw:            msg.Raw,
		Metadata:       msg.Metadata,
		CreatedAt:      msg.CreatedAt,
	}
}

// FromMessages converts a list of stored messages.
func FromMessages(msgs []*models.Message) []v1.MessageResponse {
	out := make([]v1.MessageResponse, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, FromMessage(msg))
	}
	return out
}

// LaunchConfig converts the wire launch configuration to the domain form.
// A nil input yields nil.
func LaunchConfig(cfg *v1.LaunchConfiguration) *models.LaunchConfig {
	if cfg == nil {
		return nil
	}
	out := &models.LaunchConfig{
		SessionID:        cfg.SessionID,
		OutputFormat:     cfg.OutputFormat,
		CustomArgs:       cfg.CustomArgs,
		Timeout:          cfg.Timeout,
		AllowedTools:     cfg.AllowedTools,
		DisallowedTools:  cfg.DisallowedTools,
		WorkingDirectory: cfg.WorkingDirectory,
		Instructions:     cfg.Instructions,
		Model:            cfg.Model,
		Metadata:         cfg.Metadata,
	}
	if cfg.ConversationName != nil {
		out.ConversationName = *cfg.ConversationName
	}
	for _, server := range cfg.MCPServers {
		out.MCPServers = append(out.MCPServers, models.MCPServerConfig{
			Name:      server.Name,
			Command:   server.Command,
			Args:      server.Args,
			Env:       server.Env,
			Transport: server.Transport,
		})
	}
	return out
}
