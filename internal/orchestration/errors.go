package orchestration

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound indicates an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

// RosterCreationError means a descriptor could not be instantiated after the
// retry budget. No session exists when it is returned; any handles created
// before the failure have already been rolled back.
type RosterCreationError struct {
	Role string
	Err  error
}

func (e RosterCreationError) Error() string {
	return fmt.Sprintf("roster creation failed for role %q: %v", e.Role, e.Err)
}

func (e RosterCreationError) Unwrap() error { return e.Err }

// NegotiationError means the coordinator returned a malformed, empty, or
// invalid plan. The session stays in AwaitingPlan and negotiation may be
// retried.
type NegotiationError struct {
	Reason string
	Err    error
}

func (e NegotiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plan negotiation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("plan negotiation failed: %s", e.Reason)
}

func (e NegotiationError) Unwrap() error { return e.Err }

// InvalidStateError means an operation was called in a state that does not
// permit it. It is a caller error and is rejected immediately.
type InvalidStateError struct {
	Op        string
	Approval  ApprovalState
	Execution ExecutionState
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s not valid in state approval=%s execution=%s", e.Op, e.Approval, e.Execution)
}

// StepExecutionError means a step's remote invocation failed twice. The
// session downgrades to Failed with a partial trace; the error is absorbed
// into session state, never thrown across the streaming boundary.
type StepExecutionError struct {
	StepIndex int
	Role      string
	Err       error
}

func (e StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) failed after retry: %v", e.StepIndex, e.Role, e.Err)
}

func (e StepExecutionError) Unwrap() error { return e.Err }

// NotReadyError means the requested artifact is not available yet in the
// session's current state.
type NotReadyError struct {
	What     string
	Approval ApprovalState
	Detail   string
}

func (e NotReadyError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s not ready (approval=%s): %s", e.What, e.Approval, e.Detail)
	}
	return fmt.Sprintf("%s not ready (approval=%s)", e.What, e.Approval)
}

// InProgressError means the session has not reached a terminal execution
// state yet.
type InProgressError struct {
	Execution ExecutionState
}

func (e InProgressError) Error() string {
	return fmt.Sprintf("session still in progress (execution=%s)", e.Execution)
}
