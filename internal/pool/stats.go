package pool

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of the pool for telemetry.
type Stats struct {
	TotalWorkers   int `json:"totalWorkers"`
	ReadyWorkers   int `json:"readyWorkers"`
	BusyWorkers    int `json:"busyWorkers"`
	QueuedRequests int `json:"queuedRequests"`
	ActiveRequests int `json:"activeRequests"`

	ActiveByOwner     map[string]int `json:"activeByOwner"`
	ActiveByWorkspace map[string]int `json:"activeByWorkspace"`

	Counters CounterSnapshot `json:"counters"`
}

// CounterSnapshot holds the monotonic totals since pool start.
type CounterSnapshot struct {
	Spawned                int64 `json:"spawned"`
	Evicted                int64 `json:"evicted"`
	RetiredAfterCancel     int64 `json:"retiredAfterCancel"`
	QueueRejectedUser      int64 `json:"queueRejectedUser"`
	QueueRejectedWorkspace int64 `json:"queueRejectedWorkspace"`
	QueueRejectedGlobal    int64 `json:"queueRejectedGlobal"`
	QueueRejectedShedding  int64 `json:"queueRejectedShedding"`
	GroupTerminations      int64 `json:"groupTerminations"`
	GroupKillEscalations   int64 `json:"groupKillEscalations"`
	SocketErrors           int64 `json:"socketErrors"`
}

// counters accumulates the monotonic totals. All fields are updated with
// atomics so hot paths do not take the pool lock just to count.
type counters struct {
	spawned                int64
	evicted                int64
	retiredAfterCancel     int64
	queueRejectedUser      int64
	queueRejectedWorkspace int64
	queueRejectedGlobal    int64
	queueRejectedShedding  int64
	groupTerminations      int64
	groupKillEscalations   int64
	socketErrors           int64
}

func (c *counters) snapshot() CounterSnapshot {
	return CounterSnapshot{
		Spawned:                atomic.LoadInt64(&c.spawned),
		Evicted:                atomic.LoadInt64(&c.evicted),
		RetiredAfterCancel:     atomic.LoadInt64(&c.retiredAfterCancel),
		QueueRejectedUser:      atomic.LoadInt64(&c.queueRejectedUser),
		QueueRejectedWorkspace: atomic.LoadInt64(&c.queueRejectedWorkspace),
		QueueRejectedGlobal:    atomic.LoadInt64(&c.queueRejectedGlobal),
		QueueRejectedShedding:  atomic.LoadInt64(&c.queueRejectedShedding),
		GroupTerminations:      atomic.LoadInt64(&c.groupTerminations),
		GroupKillEscalations:   atomic.LoadInt64(&c.groupKillEscalations),
		SocketErrors:           atomic.LoadInt64(&c.socketErrors),
	}
}

// QueueStats describes the wait queue's depths for the debug endpoint.
type QueueStats struct {
	Depth       int            `json:"depth"`
	ByWorkspace map[string]int `json:"byWorkspace"`
	ByOwner     map[string]int `json:"byOwner"`
}

// WorkerInfo describes one live worker for the debug endpoint.
type WorkerInfo struct {
	WorkspaceKey     string    `json:"workspaceKey"`
	State            string    `json:"state"`
	PID              int       `json:"pid"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
	QueriesProcessed int       `json:"queriesProcessed"`
	AgeMs            int64     `json:"ageMs"`
	IdleMs           int64     `json:"idleMs"`
	ActiveRequestID  string    `json:"activeRequestId,omitempty"`
}
