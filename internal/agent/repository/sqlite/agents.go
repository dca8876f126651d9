package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentd/agentd/internal/agent/models"
	apperrors "github.com/agentd/agentd/internal/common/errors"
)

// Agent operations

const agentColumns = `id, type, status, prompt, configuration, error, created_at, started_at, completed_at`

// SaveAgent inserts the agent or updates it in place. The upsert is an
// UPDATE, not a row replacement: REPLACE would delete and re-insert the row,
// and the delete would cascade away every stored message on a simple status
// change.
func (r *Repository) SaveAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		return apperrors.BadRequest("agent id is required")
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	configJSON := "{}"
	if agent.Config != nil {
		configBytes, err := json.Marshal(agent.Config)
		if err != nil {
			return fmt.Errorf("failed to serialize agent configuration: %w", err)
		}
		configJSON = string(configBytes)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agents (id, type, status, prompt, configuration, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			prompt = excluded.prompt,
			configuration = excluded.configuration,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, agent.ID, agent.Type, agent.Status, agent.Prompt, configJSON, agent.Error,
		agent.CreatedAt, agent.StartedAt, agent.CompletedAt)

	return err
}

// MarkAgentRunning flips an initializing agent to running and stamps its
// start time. The status guard in the WHERE clause keeps terminal states
// sticky: a fast run can complete before the launch path gets here, and
// running must never overwrite completed. Reports whether the update applied.
func (r *Repository) MarkAgentRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, models.AgentStatusRunning, startedAt.UTC(), id, models.AgentStatusInitializing)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// GetAgent retrieves an agent by ID.
func (r *Repository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := r.ro.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE id = ?
	`, id)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("agent", id)
		}
		return nil, err
	}
	return agent, nil
}

// ListAgents returns all agents in insertion order.
func (r *Repository) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	return r.listAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC, id ASC`)
}

// ListAgentsByStatus returns agents with the given status in insertion order.
func (r *Repository) ListAgentsByStatus(ctx context.Context, status models.AgentStatus) ([]*models.Agent, error) {
	return r.listAgents(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE status = ? ORDER BY created_at ASC, id ASC
	`, status)
}

// ListAgentsByType returns agents of the given provider kind in insertion order.
func (r *Repository) ListAgentsByType(ctx context.Context, agentType models.AgentType) ([]*models.Agent, error) {
	return r.listAgents(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE type = ? ORDER BY created_at ASC, id ASC
	`, agentType)
}

// CountAgents returns the total number of agents.
func (r *Repository) CountAgents(ctx context.Context) (int, error) {
	var count int
	if err := r.ro.GetContext(ctx, &count, `SELECT COUNT(*) FROM agents`); err != nil {
		return 0, err
	}
	return count, nil
}

// AgentExists reports whether an agent with the given id exists.
func (r *Repository) AgentExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := r.ro.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM agents WHERE id = ?)`, id)
	if err != nil {
		return false, err
	}
	return exists == 1, nil
}

// DeleteAgent removes an agent; its messages are cascade-deleted.
func (r *Repository) DeleteAgent(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("agent", id)
	}
	r.seq.drop(id)
	return nil
}

func (r *Repository) listAgents(ctx context.Context, query string, args ...interface{}) ([]*models.Agent, error) {
	rows, err := r.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var configJSON string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&agent.ID, &agent.Type, &agent.Status, &agent.Prompt, &configJSON,
		&agent.Error, &agent.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if configJSON != "" && configJSON != "{}" {
		config := &models.LaunchConfig{}
		if err := json.Unmarshal([]byte(configJSON), config); err != nil {
			return nil, fmt.Errorf("failed to deserialize agent configuration: %w", err)
		}
		agent.Config = config
	}
	if startedAt.Valid {
		t := startedAt.Time
		agent.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		agent.CompletedAt = &t
	}
	return agent, nil
}
