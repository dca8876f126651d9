package main

import (
	"encoding/json"
	"time"
)

// lineDelay is the pause between emitted lines. Scenarios keep it fixed so
// timing-sensitive assertions stay deterministic; tests zero it.
var lineDelay = 100 * time.Millisecond

func pause() {
	if lineDelay > 0 {
		time.Sleep(lineDelay)
	}
}

// Line shapes of the claude stream-json protocol, one JSON object per line.

type systemInit struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype"`
	SessionID string   `json:"session_id"`
	Model     string   `json:"model"`
	Tools     []string `json:"tools,omitempty"`
}

type assistantLine struct {
	Type      string        `json:"type"`
	Message   assistantBody `json:"message"`
	SessionID string        `json:"session_id,omitempty"`
}

type assistantBody struct {
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *usage         `json:"usage,omitempty"`
}

type userLine struct {
	Type      string   `json:"type"`
	Message   userBody `json:"message"`
	SessionID string   `json:"session_id,omitempty"`
}

type userBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// tool_use block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type resultLine struct {
	Type       string  `json:"type"`
	Subtype    string  `json:"subtype"`
	IsError    bool    `json:"is_error"`
	DurationMS int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
	Result     string  `json:"result"`
	SessionID  string  `json:"session_id"`
	TotalCost  float64 `json:"total_cost_usd"`
}

func defaultUsage() *usage {
	return &usage{InputTokens: 120, OutputTokens: 45}
}

func emitInit(enc *json.Encoder, opts options) {
	_ = enc.Encode(systemInit{
		Type:      "system",
		Subtype:   "init",
		SessionID: sessionID,
		Model:     opts.model,
		Tools:     []string{"Bash", "Read", "Edit", "Grep", "Glob"},
	})
}

func emitText(enc *json.Encoder, opts options, text, stopReason string) {
	_ = enc.Encode(assistantLine{
		Type: "assistant",
		Message: assistantBody{
			Role:       "assistant",
			Model:      opts.model,
			Content:    []contentBlock{{Type: "text", Text: text}},
			StopReason: stopReason,
			Usage:      defaultUsage(),
		},
		SessionID: sessionID,
	})
}

func emitResult(enc *json.Encoder, text string, isError bool, turns int) {
	subtype := "success"
	if isError {
		subtype = "error"
	}
	_ = enc.Encode(resultLine{
		Type:       "result",
		Subtype:    subtype,
		IsError:    isError,
		DurationMS: int64(turns) * 350,
		NumTurns:   turns,
		Result:     text,
		SessionID:  sessionID,
		TotalCost:  0.0042,
	})
}

// scenarioSimple is a text-only run: init, one assistant message, success.
func scenarioSimple(enc *json.Encoder, opts options) {
	emitInit(enc, opts)
	pause()
	emitText(enc, opts, "Working on it.", "")
	pause()
	emitText(enc, opts, "Everything checks out.", "end_turn")
	pause()
	emitResult(enc, "Everything checks out.", false, 1)
}

// scenarioTools runs one Read tool round-trip before answering.
func scenarioTools(enc *json.Encoder, opts options) {
	emitInit(enc, opts)
	pause()

	emitText(enc, opts, "Let me look at the file first.", "")
	pause()

	toolID := "toolu_mock_01"
	_ = enc.Encode(assistantLine{
		Type: "assistant",
		Message: assistantBody{
			Role:  "assistant",
			Model: opts.model,
			Content: []contentBlock{
				{Type: "tool_use", ID: toolID, Name: "Read", Input: map[string]any{"file_path": "/tmp/notes.txt"}},
			},
			StopReason: "tool_use",
			Usage:      defaultUsage(),
		},
		SessionID: sessionID,
	})
	pause()

	_ = enc.Encode(userLine{
		Type: "user",
		Message: userBody{
			Role: "user",
			Content: []contentBlock{
				{Type: "tool_result", ToolUseID: toolID, Content: "remember: ship the release notes"},
			},
		},
		SessionID: sessionID,
	})
	pause()

	emitText(enc, opts, "The file says to ship the release notes.", "end_turn")
	pause()
	emitResult(enc, "The file says to ship the release notes.", false, 2)
}

// scenarioFailure ends the run with an error result.
func scenarioFailure(enc *json.Encoder, opts options) {
	emitInit(enc, opts)
	pause()
	emitText(enc, opts, "Attempting the task.", "")
	pause()
	emitResult(enc, "mock failure: provider rejected the request", true, 1)
}
