package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ScriptStep is one entry of a YAML-scripted timeline. Exactly one of Line
// (a raw stream-json line emitted verbatim) or Event (a mapping serialized to
// JSON) must be set.
type ScriptStep struct {
	DelayMS int                    `yaml:"delay_ms"`
	Line    string                 `yaml:"line,omitempty"`
	Event   map[string]interface{} `yaml:"event,omitempty"`
}

// loadScript reads and validates a scenario file.
func loadScript(path string) ([]ScriptStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	var steps []ScriptStep
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("failed to parse scenario file: %w", err)
	}
	for i, step := range steps {
		if step.Line == "" && step.Event == nil {
			return nil, fmt.Errorf("step %d has neither line nor event", i)
		}
		if step.Line != "" && step.Event != nil {
			return nil, fmt.Errorf("step %d has both line and event", i)
		}
		if step.DelayMS < 0 {
			return nil, fmt.Errorf("step %d has negative delay_ms", i)
		}
	}
	return steps, nil
}

// runScript replays the timeline: sleep each step's delay, then write its
// line.
func runScript(w io.Writer, steps []ScriptStep) error {
	for i, step := range steps {
		if step.DelayMS > 0 {
			time.Sleep(time.Duration(step.DelayMS) * time.Millisecond)
		}
		line := step.Line
		if line == "" {
			data, err := json.Marshal(step.Event)
			if err != nil {
				return fmt.Errorf("step %d: failed to serialize event: %w", i, err)
			}
			line = string(data)
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(line, "\n")); err != nil {
			return err
		}
	}
	return nil
}
