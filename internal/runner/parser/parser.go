// Package parser normalizes provider CLI stream output into the unified
// message shape stored on an agent's timeline.
//
// Parsers are pure: one input line yields a message draft, a skip, or an
// error. They never touch the store or the process, which keeps the
// per-provider wire formats testable in isolation.
package parser

import (
	"errors"

	"github.com/agentd/agentd/internal/agent/models"
)

// ErrInvalidJSON marks lines that claim to be JSON but do not parse.
var ErrInvalidJSON = errors.New("invalid JSON")

// Parser converts one raw output line into a message draft. A nil
// message with a nil error means the line carries no user-visible
// payload and is skipped. Implementations are safe for concurrent use.
type Parser interface {
	Parse(line string) (*models.Message, error)
}

// metadataExcept copies every field except the consumed ones into a
// metadata map. Returns nil when nothing is left so callers can keep
// metadata absent rather than empty.
func metadataExcept(fields map[string]interface{}, consumed ...string) map[string]interface{} {
	skip := make(map[string]bool, len(consumed))
	for _, key := range consumed {
		skip[key] = true
	}
	var meta map[string]interface{}
	for key, value := range fields {
		if skip[key] {
			continue
		}
		if meta == nil {
			meta = make(map[string]interface{})
		}
		meta[key] = value
	}
	return meta
}
