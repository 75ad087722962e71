// Package runtime abstracts the agent program a worker drives for each query.
// The production implementation shells out to a CLI speaking the stream-json
// protocol; tests substitute a scripted in-process runtime.
package runtime

import (
	"context"
	"encoding/json"
)

// Kind tags the variants of a streamed agent message.
type Kind int

const (
	// KindInit is the first message of a run. It carries the session ID the
	// agent minted (or resumed).
	KindInit Kind = iota
	// KindChunk is any intermediate message.
	KindChunk
	// KindResult is the terminal message of a run that reached a result.
	KindResult
)

// Message is one element of an agent stream. Raw always holds the agent's
// message verbatim so callers can forward it without re-encoding.
type Message struct {
	Kind      Kind
	SessionID string          // set on KindInit, and on KindResult when the agent repeats it
	Raw       json.RawMessage // the agent's message as emitted
	Result    json.RawMessage // KindResult only: the final result payload
	IsError   bool            // KindResult only: the run ended in an error result
}

// PermissionDecision is the outcome of a tool-permission check.
type PermissionDecision struct {
	Allow  bool
	Reason string // set when denied; relayed to the agent
}

// PermissionFunc answers the agent's tool-permission requests. It is called
// synchronously from the stream reader and must not block on the stream
// itself.
type PermissionFunc func(tool string, input map[string]any) PermissionDecision

// MCPServer is one HTTP MCP connector exposed to the agent, authorized by a
// per-user bearer token.
type MCPServer struct {
	URL         string
	AccessToken string
}

// Options configures one agent run.
type Options struct {
	Model           string
	SystemPrompt    string
	Resume          string
	ResumeSessionAt string
	MaxTurns        int
	PermissionMode  string
	AllowedTools    []string
	DisallowedTools []string
	SettingSources  []string
	MCPServers      map[string]MCPServer

	// Cwd and Env define the subprocess execution context. Env is the full
	// child environment, not a delta.
	Cwd string
	Env []string

	// CanUseTool, when set, answers tool-permission requests. A nil callback
	// denies every request.
	CanUseTool PermissionFunc
}

// Stream yields agent messages in emission order. Next returns io.EOF once
// the run has ended cleanly; any other error is terminal and means the run
// failed. StderrTail returns the most recent diagnostic lines the agent wrote
// during the run, for error reports.
type Stream interface {
	Next(ctx context.Context) (Message, error)
	StderrTail() []string
	Close() error
}

// Runtime starts agent runs.
type Runtime interface {
	Query(ctx context.Context, prompt string, opts Options) (Stream, error)
}
