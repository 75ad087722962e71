// Package events defines the pool's lifecycle event types and the NATS
// subjects they are published on.
package events

import "strings"

// Event types for worker lifecycle
const (
	WorkerSpawned    = "worker:spawned"    // Child process forked, not yet ready
	WorkerReady      = "worker:ready"      // Worker completed startup handshake
	WorkerBusy       = "worker:busy"       // Worker accepted a query
	WorkerIdle       = "worker:idle"       // Worker finished a query and can be reused
	WorkerCrashed    = "worker:crashed"    // Worker exited without being asked to
	WorkerTerminated = "worker:terminated" // Worker shut down on request (evicted, reaped, retired)
)

// Event types for request lifecycle
const (
	RequestAdmitted  = "request:admitted"  // Request passed admission and was dispatched or spawned for
	RequestQueued    = "request:queued"    // Request parked in the wait queue
	RequestRejected  = "request:rejected"  // Request refused at admission (limits, load shed, shutdown)
	RequestCompleted = "request:completed" // Query finished, including cooperative cancellation
	RequestFailed    = "request:failed"    // Query failed (crash, kill, runtime error)
)

// Subject roots. Concrete subjects are dotted so NATS-style wildcard
// subscriptions (pool.worker.*, pool.>) work on both bus implementations.
const (
	SubjectRoot        = "pool"
	WorkerSubjectRoot  = "pool.worker"
	RequestSubjectRoot = "pool.request"
)

// SubjectFor maps an event type to its bus subject,
// e.g. "worker:spawned" -> "pool.worker.spawned".
func SubjectFor(eventType string) string {
	return SubjectRoot + "." + strings.ReplaceAll(eventType, ":", ".")
}

// BuildWorkerWildcardSubject subscribes to all worker lifecycle events.
func BuildWorkerWildcardSubject() string {
	return WorkerSubjectRoot + ".*"
}

// BuildRequestWildcardSubject subscribes to all request lifecycle events.
func BuildRequestWildcardSubject() string {
	return RequestSubjectRoot + ".*"
}

// BuildPoolWildcardSubject subscribes to every event the pool publishes.
func BuildPoolWildcardSubject() string {
	return SubjectRoot + ".>"
}
