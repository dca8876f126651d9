// Package events provides event types and utilities for the agentd event system.
package events

// Bus subjects for agent lifecycle events. Per-agent variants append the
// agent id as a trailing token so consumers can subscribe narrowly.
const (
	AgentCreated  = "agent.created"
	AgentMessage  = "agent.message"
	AgentComplete = "agent.complete"
	AgentError    = "agent.error"
)

// BuildAgentCreatedSubject creates a created subject for a specific agent
func BuildAgentCreatedSubject(agentID string) string {
	return AgentCreated + "." + agentID
}

// BuildAgentMessageSubject creates a message subject for a specific agent
func BuildAgentMessageSubject(agentID string) string {
	return AgentMessage + "." + agentID
}

// BuildAgentCompleteSubject creates a completion subject for a specific agent
func BuildAgentCompleteSubject(agentID string) string {
	return AgentComplete + "." + agentID
}

// BuildAgentErrorSubject creates an error subject for a specific agent
func BuildAgentErrorSubject(agentID string) string {
	return AgentError + "." + agentID
}

// BuildAgentWildcardSubject creates a wildcard subscription covering every
// agent lifecycle event
func BuildAgentWildcardSubject() string {
	return "agent.>"
}

// BuildAgentMessageWildcardSubject creates a wildcard subscription for all
// agent message events
func BuildAgentMessageWildcardSubject() string {
	return AgentMessage + ".*"
}
