// Package wire defines the newline-delimited JSON protocol spoken between the
// pool and its worker processes over a per-worker Unix-domain socket.
// One JSON object per line, UTF-8, no framing headers. Unknown fields are
// ignored on both sides for forward compatibility.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the tagged union carried in every message's "type" field.
type Type string

const (
	// Parent → worker.

	// TypeQuery submits a request to the worker.
	TypeQuery Type = "query"
	// TypeCancel requests cooperative abort of an in-flight request.
	TypeCancel Type = "cancel"
	// TypeShutdown requests termination; graceful=true lets the in-flight
	// request finish first.
	TypeShutdown Type = "shutdown"
	// TypeHealthCheck requests a liveness reply.
	TypeHealthCheck Type = "health_check"

	// Worker → parent.

	// TypeReady is emitted once, after the worker has connected, dropped
	// privileges, and is able to serve.
	TypeReady Type = "ready"
	// TypeSession reports the session identifier minted by the agent runtime.
	TypeSession Type = "session"
	// TypeMessage carries one streamed chunk.
	TypeMessage Type = "message"
	// TypeComplete is terminal success (including cooperative cancellation).
	TypeComplete Type = "complete"
	// TypeError is terminal failure.
	TypeError Type = "error"
	// TypeShutdownAck acknowledges a shutdown request.
	TypeShutdownAck Type = "shutdown_ack"
	// TypeHealthOK is the liveness reply.
	TypeHealthOK Type = "health_ok"
)

// Message is the closed set of protocol messages. Decode returns one of the
// concrete variants below.
type Message interface {
	isMessage()
}

// Error codes carried by WorkerError. The pool folds an empty code into its
// generic runtime-error class.
const (
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeRuntime        = "AGENT_RUNTIME_ERROR"
)

// StreamType names one of the event classes a caller can subscribe to.
type StreamType string

const (
	StreamSession  StreamType = "SESSION"
	StreamMessage  StreamType = "MESSAGE"
	StreamComplete StreamType = "COMPLETE"
	StreamError    StreamType = "ERROR"
)

// OAuthMCPServer describes one per-user OAuth-backed MCP connection passed
// through to the agent runtime.
type OAuthMCPServer struct {
	URL         string `json:"url"`
	AccessToken string `json:"accessToken,omitempty"`
}

// AgentConfig is the tool/permission envelope of a request.
type AgentConfig struct {
	AllowedTools    []string                  `json:"allowedTools,omitempty"`
	DisallowedTools []string                  `json:"disallowedTools,omitempty"`
	PermissionMode  string                    `json:"permissionMode,omitempty"`
	SettingSources  []string                  `json:"settingSources,omitempty"`
	OAuthMCPServers map[string]OAuthMCPServer `json:"oauthMcpServers,omitempty"`
	StreamTypes     []StreamType              `json:"streamTypes,omitempty"`
}

// AgentRequest is the payload of a query message. The pool treats it as
// opaque apart from this envelope; the worker validates it structurally
// before starting the runtime.
type AgentRequest struct {
	Message     string      `json:"message"`
	AgentConfig AgentConfig `json:"agentConfig"`

	Model           string            `json:"model,omitempty"`
	SystemPrompt    string            `json:"systemPrompt,omitempty"`
	Resume          string            `json:"resume,omitempty"`
	ResumeSessionAt string            `json:"resumeSessionAt,omitempty"`
	MaxTurns        int               `json:"maxTurns,omitempty"`
	APIKey          string            `json:"apiKey,omitempty"`
	SessionCookie   string            `json:"sessionCookie,omitempty"`
	OAuthTokens     map[string]string `json:"oauthTokens,omitempty"`
	UserEnvKeys     map[string]string `json:"userEnvKeys,omitempty"`

	// Superadmin lifts the heavy-command deny list in the worker's
	// permission callback. Set by the trusted caller, never by end users.
	Superadmin bool `json:"superadmin,omitempty"`
}

// QueryOutcome is the result carried by a complete message.
type QueryOutcome struct {
	TotalMessages int             `json:"totalMessages"`
	Result        json.RawMessage `json:"result,omitempty"`
	Cancelled     bool            `json:"cancelled"`
}

// Query submits a request to the worker.
type Query struct {
	Type      Type         `json:"type"`
	RequestID string       `json:"requestId"`
	Payload   AgentRequest `json:"payload"`
}

// Cancel asks the worker to abort the identified in-flight request.
type Cancel struct {
	Type      Type   `json:"type"`
	RequestID string `json:"requestId"`
}

// Shutdown asks the worker to exit. Graceful shutdowns let the in-flight
// request finish, bounded by the worker's shutdown timeout.
type Shutdown struct {
	Type     Type `json:"type"`
	Graceful bool `json:"graceful"`
}

// HealthCheck requests a HealthOK reply.
type HealthCheck struct {
	Type Type `json:"type"`
}

// Ready signals the worker finished startup and dropped privileges.
type Ready struct {
	Type Type `json:"type"`
}

// Session reports the runtime's session identifier for a request.
type Session struct {
	Type      Type   `json:"type"`
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

// Chunk is one streamed content message for a request. Its wire type is
// "message".
type Chunk struct {
	Type      Type            `json:"type"`
	RequestID string          `json:"requestId"`
	Content   json.RawMessage `json:"content"`
}

// Complete is the terminal success message for a request.
type Complete struct {
	Type      Type         `json:"type"`
	RequestID string       `json:"requestId"`
	Result    QueryOutcome `json:"result"`
}

// WorkerError is the terminal failure message for a request. Its wire type
// is "error". Code is a stable machine-readable classification; readers that
// predate a code treat it as empty.
type WorkerError struct {
	Type      Type   `json:"type"`
	RequestID string `json:"requestId"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error"`
	Stack     string `json:"stack,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
}

// ShutdownAck acknowledges a shutdown request.
type ShutdownAck struct {
	Type Type `json:"type"`
}

// HealthOK is the reply to a health check.
type HealthOK struct {
	Type             Type  `json:"type"`
	UptimeMs         int64 `json:"uptime"`
	QueriesProcessed int   `json:"queriesProcessed"`
}

func (Query) isMessage()       {}
func (Cancel) isMessage()      {}
func (Shutdown) isMessage()    {}
func (HealthCheck) isMessage() {}
func (Ready) isMessage()       {}
func (Session) isMessage()     {}
func (Chunk) isMessage()       {}
func (Complete) isMessage()    {}
func (WorkerError) isMessage() {}
func (ShutdownAck) isMessage() {}
func (HealthOK) isMessage()    {}

// NewQuery builds a query message.
func NewQuery(requestID string, payload AgentRequest) Query {
	return Query{Type: TypeQuery, RequestID: requestID, Payload: payload}
}

// NewCancel builds a cancel message.
func NewCancel(requestID string) Cancel {
	return Cancel{Type: TypeCancel, RequestID: requestID}
}

// NewShutdown builds a shutdown message.
func NewShutdown(graceful bool) Shutdown {
	return Shutdown{Type: TypeShutdown, Graceful: graceful}
}

// NewHealthCheck builds a health check message.
func NewHealthCheck() HealthCheck {
	return HealthCheck{Type: TypeHealthCheck}
}

// NewReady builds a ready message.
func NewReady() Ready {
	return Ready{Type: TypeReady}
}

// NewSession builds a session message.
func NewSession(requestID, sessionID string) Session {
	return Session{Type: TypeSession, RequestID: requestID, SessionID: sessionID}
}

// NewChunk builds a streamed content message.
func NewChunk(requestID string, content json.RawMessage) Chunk {
	return Chunk{Type: TypeMessage, RequestID: requestID, Content: content}
}

// NewComplete builds a terminal success message.
func NewComplete(requestID string, result QueryOutcome) Complete {
	return Complete{Type: TypeComplete, RequestID: requestID, Result: result}
}

// NewWorkerError builds a terminal failure message.
func NewWorkerError(requestID, code, errMsg, stack, stderr string) WorkerError {
	return WorkerError{Type: TypeError, RequestID: requestID, Code: code, Error: errMsg, Stack: stack, Stderr: stderr}
}

// NewShutdownAck builds a shutdown acknowledgement.
func NewShutdownAck() ShutdownAck {
	return ShutdownAck{Type: TypeShutdownAck}
}

// NewHealthOK builds a health reply.
func NewHealthOK(uptimeMs int64, queriesProcessed int) HealthOK {
	return HealthOK{Type: TypeHealthOK, UptimeMs: uptimeMs, QueriesProcessed: queriesProcessed}
}

// envelope is used to sniff the discriminator before decoding a variant.
type envelope struct {
	Type Type `json:"type"`
}

// Decode parses one line into its concrete message variant. Messages with an
// unknown type, a missing discriminator, or missing required fields are
// rejected with an error; callers log and drop them rather than tearing down
// the connection.
func Decode(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("wire: invalid JSON: %w", err)
	}

	switch env.Type {
	case TypeQuery:
		var m Query
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed query: %w", err)
		}
		if m.RequestID == "" {
			return nil, fmt.Errorf("wire: query missing requestId")
		}
		return m, nil
	case TypeCancel:
		var m Cancel
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed cancel: %w", err)
		}
		if m.RequestID == "" {
			return nil, fmt.Errorf("wire: cancel missing requestId")
		}
		return m, nil
	case TypeShutdown:
		var m Shutdown
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed shutdown: %w", err)
		}
		return m, nil
	case TypeHealthCheck:
		var m HealthCheck
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed health_check: %w", err)
		}
		return m, nil
	case TypeReady:
		var m Ready
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed ready: %w", err)
		}
		return m, nil
	case TypeSession:
		var m Session
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed session: %w", err)
		}
		if m.RequestID == "" || m.SessionID == "" {
			return nil, fmt.Errorf("wire: session missing requestId or sessionId")
		}
		return m, nil
	case TypeMessage:
		var m Chunk
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed message: %w", err)
		}
		if m.RequestID == "" {
			return nil, fmt.Errorf("wire: message missing requestId")
		}
		return m, nil
	case TypeComplete:
		var m Complete
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed complete: %w", err)
		}
		if m.RequestID == "" {
			return nil, fmt.Errorf("wire: complete missing requestId")
		}
		return m, nil
	case TypeError:
		var m WorkerError
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed error: %w", err)
		}
		if m.RequestID == "" {
			return nil, fmt.Errorf("wire: error missing requestId")
		}
		return m, nil
	case TypeShutdownAck:
		var m ShutdownAck
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed shutdown_ack: %w", err)
		}
		return m, nil
	case TypeHealthOK:
		var m HealthOK
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed health_ok: %w", err)
		}
		return m, nil
	case "":
		return nil, fmt.Errorf("wire: missing type field")
	default:
		return nil, fmt.Errorf("wire: unknown message type %q", env.Type)
	}
}
