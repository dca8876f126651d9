package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agentd/agentd/internal/agent/models"
)

// maxSynopsisLen bounds the rendered form of tool activity so a single
// tool call cannot flood the timeline.
const maxSynopsisLen = 200

// ClaudeParser reads the stream-json format emitted by the Claude CLI
// in print mode: one JSON object per line, with partial text arriving
// as stream_event envelopes and the final verdict as a result line.
type ClaudeParser struct{}

// NewClaudeParser returns a parser for the Claude CLI line format.
func NewClaudeParser() *ClaudeParser {
	return &ClaudeParser{}
}

// Parse maps one stdout line to a message draft. Lifecycle-only stream
// events are skipped. Lines that are not JSON fail with ErrInvalidJSON;
// the runner logs and keeps the stream alive.
func (p *ClaudeParser) Parse(line string) (*models.Message, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	typ, _ := fields["type"].(string)
	if typ == "" {
		return nil, fmt.Errorf("line has no type field")
	}

	switch typ {
	case "stream_event":
		return p.parseStreamEvent(trimmed, fields)
	case "result":
		return p.parseResult(trimmed, fields), nil
	default:
		return p.parseEnvelope(trimmed, typ, fields)
	}
}

// parseStreamEvent unwraps a stream_event envelope. Only text deltas and
// message deltas surface as messages; block boundary events carry no
// displayable payload.
func (p *ClaudeParser) parseStreamEvent(raw string, fields map[string]interface{}) (*models.Message, error) {
	event, ok := fields["event"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("stream_event has no event payload")
	}
	eventType, _ := event["type"].(string)

	switch eventType {
	case "content_block_delta":
		delta, _ := event["delta"].(map[string]interface{})
		if deltaType, _ := delta["type"].(string); deltaType != "text_delta" {
			return nil, nil
		}
		text, _ := delta["text"].(string)
		meta := map[string]interface{}{"stream_event": eventType}
		if sid, ok := fields["session_id"].(string); ok && sid != "" {
			meta["session_id"] = sid
		}
		return &models.Message{
			Kind:     models.MessageKindAssistant,
			Role:     "assistant",
			Content:  text,
			Raw:      raw,
			Metadata: meta,
		}, nil

	case "message_delta":
		meta := map[string]interface{}{"stream_event": eventType}
		if delta, ok := event["delta"].(map[string]interface{}); ok {
			meta["delta"] = delta
		}
		if usage, ok := event["usage"].(map[string]interface{}); ok {
			meta["usage"] = usage
		}
		if sid, ok := fields["session_id"].(string); ok && sid != "" {
			meta["session_id"] = sid
		}
		return &models.Message{
			Kind:     models.MessageKindSystem,
			Role:     "system",
			Raw:      raw,
			Metadata: meta,
		}, nil

	default:
		// message_start, content_block_start, content_block_stop,
		// message_stop and anything the CLI adds later.
		return nil, nil
	}
}

// parseResult normalizes the final result line to kind response. The
// result field is a string on success or error and occasionally an
// object; empty content is valid here.
func (p *ClaudeParser) parseResult(raw string, fields map[string]interface{}) *models.Message {
	content := ""
	switch v := fields["result"].(type) {
	case string:
		content = v
	case nil:
	default:
		if b, err := json.Marshal(v); err == nil {
			content = string(b)
		}
	}
	return &models.Message{
		Kind:     models.MessageKindResponse,
		Content:  content,
		Raw:      raw,
		Metadata: metadataExcept(fields, "type", "result"),
	}
}

// parseEnvelope handles assistant/user/system lines. Content arrives as
// a plain string, a block array, or not at all (system init lines).
func (p *ClaudeParser) parseEnvelope(raw, typ string, fields map[string]interface{}) (*models.Message, error) {
	kind := models.MessageKind(typ)
	if !kind.Valid() {
		return nil, fmt.Errorf("unsupported line type %q", typ)
	}

	role := typ
	inner, _ := fields["message"].(map[string]interface{})
	if inner != nil {
		if r, ok := inner["role"].(string); ok && r != "" {
			role = r
		}
	}

	contentValue, hasContentField := fields["content"]
	if inner != nil {
		if v, ok := inner["content"]; ok {
			contentValue, hasContentField = v, true
		}
	}

	content := ""
	var toolUses []interface{}
	switch v := contentValue.(type) {
	case string:
		content = v
	case []interface{}:
		flat := flattenContent(v)
		content = flat.text
		toolUses = flat.toolUses
		switch {
		case flat.hasToolUse:
			kind = models.MessageKindTool
		case flat.hasToolResult:
			kind = models.MessageKindUser
		}
	case nil:
		hasContentField = false
	default:
		if b, err := json.Marshal(v); err == nil {
			content = string(b)
		}
	}

	hasStats := false
	if _, ok := fields["stats"]; ok {
		hasStats = true
	}
	if inner != nil {
		if _, ok := inner["usage"]; ok {
			hasStats = true
		}
	}

	// System lines legitimately carry no content (the init line), and a
	// stats-only line is still worth keeping. Anything else without
	// either is a frame we cannot represent.
	if !hasContentField && !hasStats && kind != models.MessageKindSystem {
		return nil, fmt.Errorf("%s line has neither content nor stats", typ)
	}

	meta := metadataExcept(fields, "type", "message", "content")
	if inner != nil {
		if usage, ok := inner["usage"]; ok {
			if meta == nil {
				meta = make(map[string]interface{})
			}
			meta["usage"] = usage
		}
		if model, ok := inner["model"].(string); ok && model != "" {
			if meta == nil {
				meta = make(map[string]interface{})
			}
			meta["model"] = model
		}
	}
	if len(toolUses) > 0 {
		if meta == nil {
			meta = make(map[string]interface{})
		}
		meta["tool_use"] = toolUses
	}

	return &models.Message{
		Kind:     kind,
		Role:     role,
		Content:  content,
		Raw:      raw,
		Metadata: meta,
	}, nil
}

// IsComplete reports whether msg signals the end of a provider run:
// a response line, or a system line flagged as the run verdict.
func IsComplete(msg *models.Message) bool {
	if msg == nil {
		return false
	}
	if msg.Kind == models.MessageKindResponse {
		return true
	}
	if msg.Kind != models.MessageKindSystem {
		return false
	}
	if msg.Role == "result" {
		return true
	}
	return IsTerminalSystem(msg)
}

// IsTerminalSystem reports whether msg is a system message whose subtype
// marks run termination.
func IsTerminalSystem(msg *models.Message) bool {
	if msg == nil || msg.Kind != models.MessageKindSystem {
		return false
	}
	subtype, _ := msg.Metadata["subtype"].(string)
	return subtype == "success" || subtype == "error"
}

type flattened struct {
	text          string
	toolUses      []interface{}
	hasToolUse    bool
	hasToolResult bool
}

// flattenContent renders a content block array to display text in block
// order: text verbatim, tool calls as bracketed synopses, tool results
// with a success or failure marker.
func flattenContent(blocks []interface{}) flattened {
	var out flattened
	var parts []string
	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if text, ok := block["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		case "tool_use":
			out.hasToolUse = true
			out.toolUses = append(out.toolUses, block)
			parts = append(parts, toolUseSynopsis(block))
		case "tool_result":
			out.hasToolResult = true
			parts = append(parts, toolResultSynopsis(block))
		}
	}
	out.text = strings.Join(parts, "\n")
	return out
}

// toolUseSynopsis renders a tool call as "[Name] detail". Common tools
// get a short form picked from their input; everything else falls back
// to compact JSON.
func toolUseSynopsis(block map[string]interface{}) string {
	name, _ := block["name"].(string)
	if name == "" {
		name = "tool"
	}
	input, _ := block["input"].(map[string]interface{})

	detail := ""
	switch name {
	case "Bash":
		detail = stringField(input, "command")
	case "Read", "Write", "Edit", "MultiEdit":
		detail = stringField(input, "file_path")
	case "Grep":
		detail = stringField(input, "pattern")
		if path := stringField(input, "path"); path != "" {
			detail += " in " + path
		}
	case "Glob":
		detail = stringField(input, "pattern")
	case "Task":
		detail = stringField(input, "description")
	case "TodoWrite":
		if todos, ok := input["todos"].([]interface{}); ok {
			detail = fmt.Sprintf("%d todos", len(todos))
		}
	}
	if detail == "" && len(input) > 0 {
		if b, err := json.Marshal(input); err == nil {
			detail = string(b)
		}
	}
	if detail == "" {
		return "[" + name + "]"
	}
	return "[" + name + "] " + truncate(detail, maxSynopsisLen)
}

// toolResultSynopsis renders a tool result with a pass/fail marker.
func toolResultSynopsis(block map[string]interface{}) string {
	marker := "✓"
	if isErr, ok := block["is_error"].(bool); ok && isErr {
		marker = "✗"
	}

	content := ""
	switch v := block["content"].(type) {
	case string:
		content = v
	case []interface{}:
		var parts []string
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok && text != "" {
					parts = append(parts, text)
				}
			}
		}
		content = strings.Join(parts, "\n")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return marker + " tool result"
	}
	return marker + " " + truncate(content, maxSynopsisLen)
}

func stringField(input map[string]interface{}, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
