package orchestration

import (
	"context"
	"sync"
	"time"
)

// Session is the aggregate root for one orchestration flow. It is owned by
// the engine for its entire lifetime and never shared across concurrent
// external callers; external reads go through snapshot accessors.
type Session struct {
	ID   string
	Task string

	mu             sync.RWMutex
	registry       *Registry
	roster         *Roster
	plan           *Plan
	approval       ApprovalState
	execution      ExecutionState
	final          *FinalResult
	teardown       *TeardownReport
	negotiationErr error

	agg *Aggregator

	// flow control
	ctx         context.Context
	cancelFlow  context.CancelFunc
	decision    chan bool
	renegotiate chan struct{}
	cancelled   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func newSession(id, task string, registry *Registry, roster *Roster, chunkBuffer int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	return &Session{
		ID:          id,
		Task:        task,
		registry:    registry,
		roster:      roster,
		approval:    AwaitingPlan,
		execution:   ExecutionNotStarted,
		agg:         NewAggregator(chunkBuffer),
		ctx:         ctx,
		cancelFlow:  cancel,
		decision:    make(chan bool, 1),
		renegotiate: make(chan struct{}, 1),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ApprovalState returns the current approval state.
func (s *Session) ApprovalState() ApprovalState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approval
}

// ExecutionState returns the current execution state.
func (s *Session) ExecutionState() ExecutionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.execution
}

// Plan returns the negotiated plan with live step statuses, or nil before
// negotiation succeeded.
func (s *Session) Plan() *Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.plan == nil {
		return nil
	}
	cp := &Plan{Reasoning: s.plan.Reasoning, Raw: s.plan.Raw}
	cp.Steps = append(cp.Steps, s.plan.Steps...)
	return cp
}

// Roster returns the session's roster.
func (s *Session) Roster() *Roster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roster
}

// Result returns the terminal view of the session, or InProgressError while
// execution has not reached a terminal state. A rejected session is terminal
// (Cancelled) without ever having run a step.
func (s *Session) Result() (*SessionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.execution.IsTerminal() {
		return nil, InProgressError{Execution: s.execution}
	}
	res := &SessionResult{
		SessionID: s.ID,
		Status:    s.execution,
		Trace:     s.agg.Trace(),
		Final:     s.final,
		Teardown:  s.teardown,
	}
	if s.plan != nil {
		res.Steps = append(res.Steps, s.plan.Steps...)
	}
	return res, nil
}

func (s *Session) setApproval(a ApprovalState) {
	s.mu.Lock()
	s.approval = a
	s.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) setExecution(e ExecutionState) {
	s.mu.Lock()
	s.execution = e
	s.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) setPlan(p *Plan) {
	s.mu.Lock()
	s.plan = p
	s.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) setNegotiationErr(err error) {
	s.mu.Lock()
	s.negotiationErr = err
	s.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) setFinal(f *FinalResult) {
	s.mu.Lock()
	s.final = f
	s.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) setTeardown(r TeardownReport) {
	s.mu.Lock()
	s.teardown = &r
	s.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
}

// requestCancel flags cooperative cancellation and wakes the flow wherever
// it is parked.
func (s *Session) requestCancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.cancelFlow()
}

func (s *Session) cancelRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled
}

// stepStatus mutates one step's status under the session lock. Only the
// execution driver calls it.
func (s *Session) stepStatus(index int, status StepStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil || index < 0 || index >= len(s.plan.Steps) {
		return
	}
	s.plan.Steps[index].Status = status
	s.UpdatedAt = time.Now().UTC()
}

// Record is the durable snapshot of a session handed to a SessionSink on
// every state transition. Approval state must survive process boundaries, so
// sinks receive everything needed to render the session elsewhere.
type Record struct {
	SessionID  string          `json:"session_id"`
	Task       string          `json:"task"`
	Approval   ApprovalState   `json:"approval_state"`
	Execution  ExecutionState  `json:"execution_state"`
	Plan       *Plan           `json:"plan,omitempty"`
	Roster     []AgentHandle   `json:"roster,omitempty"`
	Trace      []TaggedChunk   `json:"trace,omitempty"`
	Final      *FinalResult    `json:"final,omitempty"`
	Teardown   *TeardownReport `json:"teardown,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// record builds a durable snapshot. withTrace controls whether the full
// trace is included; intermediate transitions skip it to keep writes small.
func (s *Session) record(withTrace bool) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := Record{
		SessionID: s.ID,
		Task:      s.Task,
		Approval:  s.approval,
		Execution: s.execution,
		Final:     s.final,
		Teardown:  s.teardown,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.plan != nil {
		cp := &Plan{Reasoning: s.plan.Reasoning}
		cp.Steps = append(cp.Steps, s.plan.Steps...)
		rec.Plan = cp
	}
	if s.roster != nil {
		rec.Roster = s.roster.Snapshot()
	}
	if withTrace {
		rec.Trace = s.agg.Trace()
	}
	return rec
}

// Snapshot returns a point-in-time copy of the session suitable for
// rendering outside the engine.
func (s *Session) Snapshot(withTrace bool) Record {
	return s.record(withTrace)
}

// SessionSink receives durable session snapshots. Implementations must be
// safe for concurrent use; a nil sink disables persistence.
type SessionSink interface {
	SaveSession(ctx context.Context, rec Record) error
}
