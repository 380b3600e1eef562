package orchestration

import (
	"time"
)

// CoordinatorRole is the reserved role every roster must contain. The
// coordinator decomposes the task into a plan and synthesizes the final
// result; it is created and deleted like any other roster agent.
const CoordinatorRole = "coordinator"

// HandleState tracks a remote agent handle through its lifecycle.
type HandleState string

const (
	HandleCreating HandleState = "creating"
	HandleReady    HandleState = "ready"
	HandleFailed   HandleState = "failed"
	HandleDeleting HandleState = "deleting"
	HandleDeleted  HandleState = "deleted"
)

// StepStatus tracks a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ApprovalState tracks the human approval gate.
type ApprovalState string

const (
	AwaitingPlan     ApprovalState = "awaiting_plan"
	AwaitingApproval ApprovalState = "awaiting_approval"
	Approved         ApprovalState = "approved"
	Rejected         ApprovalState = "rejected"
)

// ExecutionState tracks plan execution.
type ExecutionState string

const (
	ExecutionNotStarted ExecutionState = "not_started"
	ExecutionRunning    ExecutionState = "running"
	ExecutionCompleted  ExecutionState = "completed"
	ExecutionCancelled  ExecutionState = "cancelled"
	ExecutionFailed     ExecutionState = "failed"
)

// IsTerminal reports whether the execution state is final.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionCancelled, ExecutionFailed:
		return true
	}
	return false
}

// AgentDescriptor is the immutable per-session definition of one agent:
// its role, its directive, and the capability identifiers bound to it.
// Descriptors are validated once by the Registry and read-only afterwards.
type AgentDescriptor struct {
	Role         string   `json:"role"`
	Instructions string   `json:"instructions"`
	ToolRefs     []string `json:"tool_refs,omitempty"`
}

// AgentHandle is the mutable record of one remote agent instance. The State
// field is the single-writer guard for lifecycle operations: no create or
// delete for the same handle ever overlaps.
type AgentHandle struct {
	Role     string      `json:"role"`
	RemoteID string      `json:"remote_id,omitempty"`
	State    HandleState `json:"state"`
}

// PlanStep is one unit of delegated work. Steps execute strictly in index
// order; only the Execution Driver mutates Status.
type PlanStep struct {
	Index        int        `json:"index"`
	AssignedRole string     `json:"assigned_role"`
	Description  string     `json:"description"`
	Status       StepStatus `json:"status"`
}

// Plan is the ordered step sequence proposed by the coordinator.
type Plan struct {
	Steps     []PlanStep `json:"steps"`
	Reasoning string     `json:"reasoning,omitempty"`
	Raw       []byte     `json:"-"`
}

// Rendering returns a human-readable form of the plan for approval review.
func (p *Plan) Rendering() string {
	if p == nil {
		return ""
	}
	out := ""
	for _, s := range p.Steps {
		out += s.AssignedRole + ": " + s.Description + "\n"
	}
	return out
}

// TaggedChunk is one streamed output fragment, tagged with its originating
// step and role. Sequence numbers are strictly increasing within a step.
type TaggedChunk struct {
	StepIndex int       `json:"step_index"`
	Role      string    `json:"role"`
	Sequence  int       `json:"sequence"`
	Text      string    `json:"text"`
	EmittedAt time.Time `json:"emitted_at"`
}

// FinalResult is the consolidated answer, present only for completed sessions.
type FinalResult struct {
	Summary     string    `json:"summary"`
	CompletedAt time.Time `json:"completed_at"`
}

// TeardownFailure records one deletion that did not succeed during teardown.
type TeardownFailure struct {
	Role     string `json:"role"`
	RemoteID string `json:"remote_id"`
	Reason   string `json:"reason"`
}

// TeardownReport accounts for every handle the teardown attempted. Deletion
// failures are reported, never raised.
type TeardownReport struct {
	Deleted  []string          `json:"deleted"`
	Failures []TeardownFailure `json:"failures,omitempty"`
}

// Clean reports whether every attempted deletion succeeded.
func (r TeardownReport) Clean() bool { return len(r.Failures) == 0 }

// SessionResult is the terminal view of a session: explicit status, the full
// materialized trace, per-step outcomes, and the consolidated result when the
// session completed.
type SessionResult struct {
	SessionID string          `json:"session_id"`
	Status    ExecutionState  `json:"status"`
	Steps     []PlanStep      `json:"steps,omitempty"`
	Trace     []TaggedChunk   `json:"trace"`
	Final     *FinalResult    `json:"final,omitempty"`
	Teardown  *TeardownReport `json:"teardown,omitempty"`
}
