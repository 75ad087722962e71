package pool

import (
	"errors"
	"fmt"
)

// Code classifies every failure the pool can surface to a caller.
type Code string

// Admission codes. These are produced before any worker is contacted.
const (
	CodeShuttingDown   Code = "SHUTTING_DOWN"
	CodeGlobalLimit    Code = "GLOBAL_LIMIT"
	CodeUserLimit      Code = "USER_LIMIT"
	CodeWorkspaceLimit Code = "WORKSPACE_LIMIT"
	CodeLoadShed       Code = "LOAD_SHED"
)

// Worker lifecycle and runtime codes.
const (
	CodeInvalidPayload    Code = "INVALID_PAYLOAD"
	CodeSpawnFailed       Code = "WORKER_SPAWN_FAILED"
	CodeReadyTimeout      Code = "WORKER_READY_TIMEOUT"
	CodeWorkerCrashed     Code = "WORKER_CRASHED"
	CodeWorkerKilled      Code = "WORKER_KILLED"
	CodeAgentRuntimeError Code = "AGENT_RUNTIME_ERROR"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// PoolError is the typed error returned from Query and admission.
type PoolError struct {
	Code    Code
	Message string

	// Limit and Current are set on admission rejections: the cap that was
	// hit and the observed depth at rejection time.
	Limit   int
	Current int

	// Stack and Stderr carry diagnostics for AGENT_RUNTIME_ERROR.
	Stack  string
	Stderr string

	// Err is the wrapped cause, when one exists.
	Err error
}

func (e *PoolError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}

// IsAdmission reports whether the error was produced at admission,
// before any worker was contacted.
func (e *PoolError) IsAdmission() bool {
	switch e.Code {
	case CodeShuttingDown, CodeGlobalLimit, CodeUserLimit, CodeWorkspaceLimit, CodeLoadShed:
		return true
	}
	return false
}

// newLimitError builds an admission rejection carrying the offending cap.
func newLimitError(code Code, message string, limit, current int) *PoolError {
	return &PoolError{Code: code, Message: message, Limit: limit, Current: current}
}

// ErrCode extracts the pool error code from err, or "" if err is not a
// *PoolError.
func ErrCode(err error) Code {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
