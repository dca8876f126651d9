package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/agentd/agentd/internal/agent/models"
	apperrors "github.com/agentd/agentd/internal/common/errors"
)

// Message operations

const messageColumns = `id, agent_id, sequence_number, type, role, content, raw, metadata, created_at`

// SaveMessage appends a message to the agent's timeline, assigning id,
// sequence number, and creation time. The read-max/insert pair runs inside a
// transaction while holding the agent's sequence lock, so concurrent saves
// for one agent serialize and the numbers come out 1..n without gaps.
// Saving against an unknown agent fails with a conflict carrying the
// foreign-key violation.
func (r *Repository) SaveMessage(ctx context.Context, agentID string, kind models.MessageKind, role, content, raw string, metadata map[string]interface{}) (*models.Message, error) {
	if agentID == "" {
		return nil, apperrors.BadRequest("agent id is required")
	}
	if !kind.Valid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown message kind %q", kind))
	}

	var metadataJSON sql.NullString
	if metadata != nil {
		metadataBytes, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize message metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(metadataBytes), Valid: true}
	}
	var rawValue sql.NullString
	if raw != "" {
		rawValue = sql.NullString{String: raw, Valid: true}
	}

	message := &models.Message{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Kind:      kind,
		Role:      role,
		Content:   content,
		Raw:       raw,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	lock := r.seq.get(agentID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq int64
	if err := tx.GetContext(ctx, &maxSeq, `
		SELECT COALESCE(MAX(sequence_number), 0) FROM agent_messages WHERE agent_id = ?
	`, agentID); err != nil {
		return nil, fmt.Errorf("failed to read sequence number: %w", err)
	}
	message.SequenceNumber = maxSeq + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_messages (id, agent_id, sequence_number, type, role, content, raw, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, message.ID, message.AgentID, message.SequenceNumber, message.Kind, message.Role,
		message.Content, rawValue, metadataJSON, message.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, apperrors.Conflict(fmt.Sprintf("agent %s does not exist", agentID), err)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return message, nil
}

// GetMessage retrieves a message by ID.
func (r *Repository) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := r.ro.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM agent_messages WHERE id = ?
	`, id)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("message", id)
		}
		return nil, err
	}
	return message, nil
}

// ListMessages returns all messages for an agent in ascending sequence order.
func (r *Repository) ListMessages(ctx context.Context, agentID string) ([]*models.Message, error) {
	return r.listMessages(ctx, `
		SELECT `+messageColumns+` FROM agent_messages WHERE agent_id = ? ORDER BY sequence_number ASC
	`, agentID)
}

// ListMessagesSince returns the agent's messages with sequence_number > after,
// in ascending sequence order. Used by clients catching up on reconnect.
func (r *Repository) ListMessagesSince(ctx context.Context, agentID string, after int64) ([]*models.Message, error) {
	return r.listMessages(ctx, `
		SELECT `+messageColumns+` FROM agent_messages
		WHERE agent_id = ? AND sequence_number > ?
		ORDER BY sequence_number ASC
	`, agentID, after)
}

// CountMessages returns the number of messages stored for an agent.
func (r *Repository) CountMessages(ctx context.Context, agentID string) (int, error) {
	var count int
	if err := r.ro.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM agent_messages WHERE agent_id = ?
	`, agentID); err != nil {
		return 0, err
	}
	return count, nil
}

// Gap is a contiguous range of missing sequence numbers, inclusive on both
// ends.
type Gap struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// FindSequenceGaps reports the missing ranges in the agent's sequence. Under
// normal operation the result is empty; clients use it after a reconnect to
// decide whether a full refetch is needed.
func (r *Repository) FindSequenceGaps(ctx context.Context, agentID string) ([]Gap, error) {
	var seqs []int64
	if err := r.ro.SelectContext(ctx, &seqs, `
		SELECT sequence_number FROM agent_messages WHERE agent_id = ? ORDER BY sequence_number ASC
	`, agentID); err != nil {
		return nil, err
	}

	var gaps []Gap
	prev := int64(0)
	for _, seq := range seqs {
		if seq > prev+1 {
			gaps = append(gaps, Gap{Start: prev + 1, End: seq - 1})
		}
		prev = seq
	}
	return gaps, nil
}

func (r *Repository) listMessages(ctx context.Context, query string, args ...interface{}) ([]*models.Message, error) {
	rows, err := r.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	message := &models.Message{}
	var rawValue, metadataJSON sql.NullString
	err := row.Scan(&message.ID, &message.AgentID, &message.SequenceNumber, &message.Kind,
		&message.Role, &message.Content, &rawValue, &metadataJSON, &message.CreatedAt)
	if err != nil {
		return nil, err
	}
	if rawValue.Valid {
		message.Raw = rawValue.String
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &message.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize message metadata: %w", err)
		}
	}
	return message, nil
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
