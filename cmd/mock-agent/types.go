package main

import "encoding/json"

// Message types
const (
	TypeSystem          = "system"
	TypeAssistant       = "assistant"
	TypeUser            = "user"
	TypeResult          = "result"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

// Content block types
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Tool names matching the agent CLI's conventions.
const (
	ToolBash     = "Bash"
	ToolEdit     = "Edit"
	ToolRead     = "Read"
	ToolGrep     = "Grep"
	ToolWebFetch = "WebFetch"
	ToolTodo     = "TodoWrite"
	ToolTask     = "Task"
)

// initMsg is the first line of every run. The pool's runtime keys session
// tracking off subtype "init" and session_id.
type initMsg struct {
	Type           string   `json:"type"`
	Subtype        string   `json:"subtype"`
	SessionID      string   `json:"session_id"`
	Model          string   `json:"model"`
	Cwd            string   `json:"cwd"`
	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
}

// assistantMsg is an assistant turn with content blocks.
type assistantMsg struct {
	Type            string        `json:"type"`
	ParentToolUseID string        `json:"parent_tool_use_id,omitempty"`
	SessionID       string        `json:"session_id,omitempty"`
	Message         assistantBody `json:"message"`
}

type assistantBody struct {
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *usage         `json:"usage,omitempty"`
}

// contentBlock is one block in an assistant or user message.
type contentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// thinking block
	Thinking string `json:"thinking,omitempty"`

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

// userMsg carries tool results back into the transcript.
type userMsg struct {
	Type            string      `json:"type"`
	ParentToolUseID string      `json:"parent_tool_use_id,omitempty"`
	SessionID       string      `json:"session_id,omitempty"`
	Message         userMsgBody `json:"message"`
}

type userMsgBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// resultMsg is the terminal line of a run.
type resultMsg struct {
	Type          string          `json:"type"`
	Subtype       string          `json:"subtype"`
	SessionID     string          `json:"session_id"`
	Result        json.RawMessage `json:"result"`
	IsError       bool            `json:"is_error"`
	DurationMS    int64           `json:"duration_ms"`
	DurationAPIMS int64           `json:"duration_api_ms"`
	NumTurns      int             `json:"num_turns"`
	CostUSD       float64         `json:"total_cost_usd"`
}

// controlRequestMsg asks the host for a tool-permission decision.
type controlRequestMsg struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   controlRequestBody `json:"request"`
}

type controlRequestBody struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// controlResponse is the host's answer, read from stdin.
type controlResponse struct {
	Type      string               `json:"type"`
	RequestID string               `json:"request_id,omitempty"`
	Response  *controlResponseBody `json:"response,omitempty"`
}

type controlResponseBody struct {
	Subtype string           `json:"subtype"`
	Result  *permissionReply `json:"result,omitempty"`
}

type permissionReply struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}
