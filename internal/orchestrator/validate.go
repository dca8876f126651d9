package orchestrator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agentd/agentd/internal/agent/models"
	apperrors "github.com/agentd/agentd/internal/common/errors"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// Request limits enforced before a launch is queued.
const (
	maxConversationNameLen = 100
	maxInstructionsLen     = 100000
)

// validateLaunchRequest checks a launch request against the domain rules.
// Violations come back as validation errors naming the failing field.
func validateLaunchRequest(req *v1.LaunchAgentRequest) error {
	if req == nil {
		return apperrors.BadRequest("request body is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return apperrors.ValidationError("prompt", "prompt must not be empty")
	}
	if _, err := models.ParseAgentType(req.Type); err != nil {
		return apperrors.ValidationError("type", err.Error())
	}

	cfg := req.Configuration
	if cfg == nil {
		return nil
	}

	// A nil conversation name means "not provided"; a provided one must be
	// non-blank and fit the limit after trimming.
	if cfg.ConversationName != nil {
		name := strings.TrimSpace(*cfg.ConversationName)
		if name == "" {
			return apperrors.ValidationError("conversationName", "conversation name must not be blank")
		}
		if utf8.RuneCountInString(name) > maxConversationNameLen {
			return apperrors.ValidationError("conversationName",
				fmt.Sprintf("conversation name must be at most %d characters", maxConversationNameLen))
		}
	}
	if utf8.RuneCountInString(cfg.Instructions) > maxInstructionsLen {
		return apperrors.ValidationError("instructions",
			fmt.Sprintf("instructions must be at most %d characters", maxInstructionsLen))
	}
	if cfg.Timeout < 0 {
		return apperrors.ValidationError("timeout", "timeout must not be negative")
	}

	for i, srv := range cfg.MCPServers {
		if strings.TrimSpace(srv.Name) == "" {
			return apperrors.ValidationError("mcp", fmt.Sprintf("mcp server %d is missing a name", i))
		}
		if strings.TrimSpace(srv.Command) == "" {
			return apperrors.ValidationError("mcp", fmt.Sprintf("mcp server %q is missing a command", srv.Name))
		}
		switch srv.Transport {
		case "", models.MCPTransportStdio, models.MCPTransportHTTP, models.MCPTransportSSE:
		default:
			return apperrors.ValidationError("mcp",
				fmt.Sprintf("mcp server %q has unknown transport %q", srv.Name, srv.Transport))
		}
	}
	return nil
}
