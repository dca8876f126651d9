package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/agent/dto"
	"github.com/agentd/agentd/internal/agent/models"
	apperrors "github.com/agentd/agentd/internal/common/errors"
	"github.com/agentd/agentd/internal/common/logger"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// Orchestrator is the slice of the orchestrator service the REST API calls.
type Orchestrator interface {
	LaunchAgent(ctx context.Context, req *v1.LaunchAgentRequest) (*models.Agent, error)
	TerminateAgent(ctx context.Context, agentID string) error
	GetAgent(ctx context.Context, agentID string) (*models.Agent, int, error)
	ListAgents(ctx context.Context, statusFilter string) ([]*models.Agent, error)
	ListMessages(ctx context.Context, agentID string, since int64) ([]*models.Message, error)
}

// Instance reports the daemon health snapshot for GET /health.
type Instance interface {
	InstanceMetadata(ctx context.Context) (*v1.HealthResponse, error)
}

// AgentHandlers contains the HTTP handlers for the agent API.
type AgentHandlers struct {
	orchestrator Orchestrator
	instance     Instance
	logger       *logger.Logger
}

// NewAgentHandlers creates a new API handler set.
func NewAgentHandlers(orch Orchestrator, instance Instance, log *logger.Logger) *AgentHandlers {
	return &AgentHandlers{
		orchestrator: orch,
		instance:     instance,
		logger:       log.WithComponent("agent_api"),
	}
}

// RegisterRoutes attaches the agent API to the router.
func (h *AgentHandlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	api.POST("/agents", h.LaunchAgent)
	api.GET("/agents", h.ListAgents)
	api.GET("/agents/:id", h.GetAgent)
	api.GET("/agents/:id/messages", h.ListMessages)
	api.DELETE("/agents/:id", h.TerminateAgent)
}

// LaunchAgent accepts a launch request and answers once the agent row exists.
// POST /api/v1/agents
func (h *AgentHandlers) LaunchAgent(c *gin.Context) {
	var req v1.LaunchAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	agent, err := h.orchestrator.LaunchAgent(c.Request.Context(), &req)
	if err != nil {
		if apperrors.GetHTTPStatus(err) >= http.StatusInternalServerError {
			h.logger.Error("launch failed", zap.Error(err))
		}
		writeError(c, err)
		return
	}

	// The response always reports the admission status; runs progress through
	// later states on the event stream.
	c.JSON(http.StatusCreated, v1.LaunchAgentResponse{
		AgentID:   agent.ID,
		Status:    string(models.AgentStatusInitializing),
		CreatedAt: agent.CreatedAt,
	})
}

// ListAgents returns all agents, optionally filtered by status.
// GET /api/v1/agents
func (h *AgentHandlers) ListAgents(c *gin.Context) {
	agents, err := h.orchestrator.ListAgents(c.Request.Context(), c.Query("status"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.AgentListResponse{
		Agents: dto.FromAgents(agents),
		Total:  len(agents),
	})
}

// GetAgent returns one agent with its message count.
// GET /api/v1/agents/:id
func (h *AgentHandlers) GetAgent(c *gin.Context) {
	agent, count, err := h.orchestrator.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.FromAgent(agent, &count))
}

// ListMessages returns the agent's timeline, optionally only messages with a
// sequence number greater than ?since.
// GET /api/v1/agents/:id/messages
func (h *AgentHandlers) ListMessages(c *gin.Context) {
	agentID := c.Param("id")

	var since int64
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(c, apperrors.ValidationError("since", "must be a non-negative integer"))
			return
		}
		since = parsed
	}

	messages, err := h.orchestrator.ListMessages(c.Request.Context(), agentID, since)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.MessageListResponse{
		AgentID:  agentID,
		Messages: dto.FromMessages(messages),
		Total:    len(messages),
	})
}

// TerminateAgent stops a run. Terminating an already finished agent is a
// no-op success.
// DELETE /api/v1/agents/:id
func (h *AgentHandlers) TerminateAgent(c *gin.Context) {
	agentID := c.Param("id")
	if err := h.orchestrator.TerminateAgent(c.Request.Context(), agentID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "agent terminated"})
}

// Health reports daemon status.
// GET /health
func (h *AgentHandlers) Health(c *gin.Context) {
	snapshot, err := h.instance.InstanceMetadata(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// writeError maps an error to the uniform REST error body.
func writeError(c *gin.Context, err error) {
	body := v1.ErrorResponse{Error: err.Error()}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body.Error = appErr.Message
		body.Code = appErr.Code
	}
	c.JSON(apperrors.GetHTTPStatus(err), body)
}
