package parser

import (
	"encoding/json"
	"strings"

	"github.com/agentd/agentd/internal/agent/models"
)

// GeminiParser reads the ndjson stream emitted by the Gemini CLI. The
// CLI mixes plain-text warnings into stdout, so anything that is not a
// JSON object is skipped rather than failed.
type GeminiParser struct{}

// NewGeminiParser returns a parser for the Gemini CLI line format.
func NewGeminiParser() *GeminiParser {
	return &GeminiParser{}
}

// Parse keeps chat messages and drops everything else. Lifecycle lines
// (init, result) signal completion out-of-band via process exit, so they
// never reach the timeline.
func (p *GeminiParser) Parse(line string) (*models.Message, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return nil, nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, nil
	}

	typ, _ := fields["type"].(string)
	if typ != "message" {
		return nil, nil
	}

	role, _ := fields["role"].(string)
	content := ""
	hasContent := false
	switch v := fields["content"].(type) {
	case string:
		content, hasContent = v, true
	case nil:
	default:
		if b, err := json.Marshal(v); err == nil {
			content, hasContent = string(b), true
		}
	}
	if role == "" || !hasContent {
		return nil, nil
	}

	kind := models.MessageKind(role)
	if !kind.Valid() {
		// Roles outside the store's vocabulary are treated as noise.
		return nil, nil
	}

	return &models.Message{
		Kind:     kind,
		Role:     role,
		Content:  content,
		Raw:      trimmed,
		Metadata: metadataExcept(fields, "type", "role", "content"),
	}, nil
}
