package pool

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alivehq/agentpool/pkg/wire"
)

// WorkspaceCredentials identifies the POSIX identity and root directory a
// workspace's queries execute under.
type WorkspaceCredentials struct {
	UID          int    `json:"uid"`
	GID          int    `json:"gid"`
	Cwd          string `json:"cwd"`
	WorkspaceKey string `json:"workspaceKey"`
}

// IsSuperuser reports whether the reserved (0,0) passthrough identity is in
// use, in which case the worker does not drop privileges.
func (c WorkspaceCredentials) IsSuperuser() bool {
	return c.UID == 0 && c.GID == 0
}

// StreamEvent is one streamed observation delivered to a query's OnMessage
// callback: either the session identifier or a content chunk.
type StreamEvent struct {
	Type      wire.StreamType `json:"type"`
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// MessageCallback receives streamed events for one request in arrival order.
// It is invoked outside pool locks and must not block.
type MessageCallback func(StreamEvent)

// QueryOptions carries everything the pool needs to run one query.
type QueryOptions struct {
	// RequestID must be globally unique. Empty means the pool generates one.
	RequestID string
	// OwnerKey is the stable identity of the caller, typically a user id.
	OwnerKey string
	// WorkloadClass tags the request for logging; it has no scheduling effect.
	WorkloadClass string
	// Payload is the agent request forwarded to the worker.
	Payload wire.AgentRequest
	// OnMessage receives session and message events before Query returns.
	OnMessage MessageCallback
}

// QueryResult is the terminal outcome of a query that reached a worker and
// completed, including cooperative cancellation.
type QueryResult struct {
	Success       bool            `json:"success"`
	Cancelled     bool            `json:"cancelled"`
	TotalMessages int             `json:"totalMessages"`
	Result        json.RawMessage `json:"result"`
}

// request is the pool-internal bookkeeping for one submitted query. It lives
// from submission until its terminal settle, across queueing, assignment, and
// streaming.
type request struct {
	id            string
	ownerKey      string
	workloadClass string
	creds         WorkspaceCredentials
	payload       wire.AgentRequest
	onMessage     MessageCallback
	ctx           context.Context

	enqueuedAt time.Time
	assignedAt time.Time
	firstMsgAt time.Time

	// claimed flips once the workspace claim for this request has been
	// recorded, so release only runs for requests that were dispatched.
	claimed atomic.Bool

	mu      sync.Mutex
	settled bool
	result  *QueryResult
	err     error
	done    chan struct{}
}

func newRequest(ctx context.Context, creds WorkspaceCredentials, opts QueryOptions) *request {
	return &request{
		id:            opts.RequestID,
		ownerKey:      opts.OwnerKey,
		workloadClass: opts.WorkloadClass,
		creds:         creds,
		payload:       opts.Payload,
		onMessage:     opts.OnMessage,
		ctx:           ctx,
		enqueuedAt:    time.Now(),
		done:          make(chan struct{}),
	}
}

// workspaceKey returns the routing key for this request.
func (r *request) workspaceKey() string {
	return r.creds.WorkspaceKey
}

// settle records the terminal outcome. Only the first call wins; it reports
// whether this call was the one that settled the request.
func (r *request) settle(res *QueryResult, err error) bool {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return false
	}
	r.settled = true
	r.result = res
	r.err = err
	r.mu.Unlock()
	close(r.done)
	return true
}

// isSettled reports whether a terminal outcome has been recorded.
func (r *request) isSettled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled
}

// emit forwards a stream event to the caller. Never called under pool locks.
func (r *request) emit(ev StreamEvent) {
	if r.onMessage == nil {
		return
	}
	if r.firstMsgAt.IsZero() {
		r.firstMsgAt = time.Now()
	}
	r.onMessage(ev)
}

// cancelledResult is the outcome for a request cancelled before or during
// execution without a worker error.
func cancelledResult() *QueryResult {
	return &QueryResult{Success: true, Cancelled: true}
}
