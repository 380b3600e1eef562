package orchestration

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensemblehq/ensemble/internal/backend"
	"github.com/ensemblehq/ensemble/internal/telemetry"
)

var engineTracer trace.Tracer = otel.Tracer("ensemble/internal/orchestration/engine")

// Options tune engine behaviour. Zero values fall back to defaults.
type Options struct {
	// CreateAttempts caps per-descriptor creation attempts.
	CreateAttempts int
	// CreateBackoff is the base creation retry delay, doubled per attempt.
	CreateBackoff time.Duration
	// StepTimeout bounds each remote invocation.
	StepTimeout time.Duration
	// NegotiationTimeout bounds the coordinator planning call.
	NegotiationTimeout time.Duration
	// ApprovalTimeout, when positive, auto-rejects a plan nobody decided on.
	// Zero means wait forever; callers may impose their own timeout and
	// cancel instead.
	ApprovalTimeout time.Duration
	// ChunkBuffer sizes the per-session delivery channel.
	ChunkBuffer int
	// MaxPlanSteps bounds accepted plan length.
	MaxPlanSteps int
	// AllowedToolRefs, when non-empty, restricts descriptor toolRefs.
	AllowedToolRefs []string
}

// Engine coordinates the full session flow: roster creation, plan
// negotiation, the approval gate, plan execution, streaming, and teardown.
// Sessions are fully independent; the engine shares nothing between them.
type Engine struct {
	opts       Options
	lifecycle  *Lifecycle
	negotiator *Negotiator
	driver     *Driver
	sink       SessionSink
	hookFor    ChunkHookFactory
	metrics    *telemetry.Metrics
	logger     *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ChunkHookFactory builds a per-session chunk hook, e.g. one publishing to a
// session-scoped stream. Returning nil disables fan-out for that session.
type ChunkHookFactory func(sessionID string) ChunkHook

// NewEngine wires an engine around an agent backend. sink and hookFor may be
// nil.
func NewEngine(b backend.AgentBackend, metrics *telemetry.Metrics, sink SessionSink, hookFor ChunkHookFactory, opts Options) *Engine {
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	lifecycle := NewLifecycle(b, metrics, opts.CreateAttempts, opts.CreateBackoff)
	return &Engine{
		opts:       opts,
		lifecycle:  lifecycle,
		negotiator: NewNegotiator(b, metrics, opts.NegotiationTimeout, opts.MaxPlanSteps),
		driver:     NewDriver(b, lifecycle, metrics, opts.StepTimeout),
		sink:       sink,
		hookFor:    hookFor,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		sessions:   make(map[string]*Session),
	}
}

// StartSession validates the descriptors, instantiates the roster, and kicks
// off the session flow. It returns synchronously after roster creation: a
// RosterCreationError means nothing was left live on the backend and no
// session exists.
func (e *Engine) StartSession(ctx context.Context, task string, descriptors []AgentDescriptor) (string, error) {
	ctx, span := engineTracer.Start(ctx, "engine.start_session")
	defer span.End()

	registry, err := NewRegistry(descriptors, e.opts.AllowedToolRefs)
	if err != nil {
		return "", err
	}
	roster, err := e.lifecycle.CreateRoster(ctx, registry.Descriptors())
	if err != nil {
		return "", err
	}

	sess := newSession(uuid.NewString(), task, registry, roster, e.opts.ChunkBuffer)
	if e.hookFor != nil {
		if hook := e.hookFor(sess.ID); hook != nil {
			sess.agg.SetHook(hook)
		}
	}
	e.mu.Lock()
	e.sessions[sess.ID] = sess
	e.mu.Unlock()

	e.metrics.SessionsStarted.Inc()
	e.persist(sess, false)
	span.SetAttributes(attribute.String("session.id", sess.ID))
	e.logger.Printf("session %s: started with %d agents", sess.ID, len(descriptors))

	go e.flow(sess)
	return sess.ID, nil
}

// flow is the single orchestration goroutine per session. It suspends
// cooperatively at the approval gate and inside remote calls; it never
// returns without having attempted teardown.
func (e *Engine) flow(sess *Session) {
	ctx, span := engineTracer.Start(sess.ctx, "engine.session_flow",
		trace.WithAttributes(attribute.String("session.id", sess.ID)))
	defer span.End()

	// Negotiation loop: a failed negotiation parks the session in
	// AwaitingPlan until the caller renegotiates or cancels.
	for {
		err := e.negotiator.Propose(ctx, sess)
		if err == nil {
			break
		}
		e.persist(sess, false)
		e.logger.Printf("session %s: %v", sess.ID, err)
		select {
		case <-sess.renegotiate:
			continue
		case <-sess.ctx.Done():
			e.abandon(sess)
			return
		}
	}
	e.persist(sess, false)

	accept, cancelled := e.awaitDecision(sess)
	if cancelled {
		e.abandon(sess)
		return
	}

	if !accept {
		// No step ever executes for a rejected plan.
		sess.setExecution(ExecutionCancelled)
		e.metrics.SessionsFinished.WithLabelValues(string(ExecutionCancelled)).Inc()
		e.teardown(sess)
		sess.agg.Close()
		e.persist(sess, true)
		e.logger.Printf("session %s: plan rejected", sess.ID)
		return
	}

	e.driver.Run(ctx, sess)
	e.persist(sess, true)
	e.logger.Printf("session %s: finished %s", sess.ID, sess.ExecutionState())
}

// awaitDecision blocks at the approval gate, the system's only external
// suspension point before execution. It returns cancelled=true when the
// session was cancelled while parked.
func (e *Engine) awaitDecision(sess *Session) (accept, cancelled bool) {
	var timeout <-chan time.Time
	if e.opts.ApprovalTimeout > 0 {
		timer := time.NewTimer(e.opts.ApprovalTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case accept = <-sess.decision:
	case <-timeout:
		// Guarded transition: a decision racing the timer wins.
		sess.mu.Lock()
		if sess.approval == AwaitingApproval {
			sess.approval = Rejected
			sess.UpdatedAt = time.Now().UTC()
			sess.mu.Unlock()
			e.logger.Printf("session %s: approval timed out, rejecting", sess.ID)
		} else {
			sess.mu.Unlock()
			accept = <-sess.decision
		}
	case <-sess.ctx.Done():
		return false, true
	}
	return accept, false
}

// abandon handles cancellation while no plan is executing.
func (e *Engine) abandon(sess *Session) {
	sess.setExecution(ExecutionCancelled)
	e.metrics.SessionsFinished.WithLabelValues(string(ExecutionCancelled)).Inc()
	e.teardown(sess)
	sess.agg.Close()
	e.persist(sess, true)
	e.logger.Printf("session %s: cancelled before execution", sess.ID)
}

func (e *Engine) teardown(sess *Session) {
	tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	report := e.lifecycle.Teardown(tctx, sess.Roster())
	sess.setTeardown(report)
}

// Session returns a live session by ID.
func (e *Engine) Session(id string) (*Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sess, ok := e.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Sessions snapshots all live sessions.
func (e *Engine) Sessions() []*Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// ProposedPlan returns the negotiated plan once the session reached
// AwaitingApproval. Earlier it fails with NotReadyError, carrying the last
// negotiation failure if one happened.
func (e *Engine) ProposedPlan(id string) (*Plan, error) {
	sess, err := e.Session(id)
	if err != nil {
		return nil, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	if sess.approval == AwaitingPlan {
		detail := ""
		if sess.negotiationErr != nil {
			detail = sess.negotiationErr.Error()
		}
		return nil, NotReadyError{What: "plan", Approval: sess.approval, Detail: detail}
	}
	cp := &Plan{Reasoning: sess.plan.Reasoning, Raw: sess.plan.Raw}
	cp.Steps = append(cp.Steps, sess.plan.Steps...)
	return cp, nil
}

// Decide submits the approval decision. Valid only in AwaitingApproval.
func (e *Engine) Decide(id string, accept bool) error {
	sess, err := e.Session(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	// A session cancelled at the gate keeps AwaitingApproval but is already
	// terminal; accepting a decision then would flip a dead session to
	// Approved and block on a gate nobody reads.
	if sess.approval != AwaitingApproval || sess.execution.IsTerminal() {
		defer sess.mu.Unlock()
		return InvalidStateError{Op: "decide", Approval: sess.approval, Execution: sess.execution}
	}
	if accept {
		sess.approval = Approved
	} else {
		sess.approval = Rejected
	}
	sess.UpdatedAt = time.Now().UTC()
	sess.mu.Unlock()

	e.persist(sess, false)
	sess.decision <- accept
	return nil
}

// Renegotiate retries plan negotiation for a session parked in AwaitingPlan
// by an earlier NegotiationError.
func (e *Engine) Renegotiate(id string) error {
	sess, err := e.Session(id)
	if err != nil {
		return err
	}
	sess.mu.RLock()
	ok := sess.approval == AwaitingPlan && sess.negotiationErr != nil
	approval, execution := sess.approval, sess.execution
	sess.mu.RUnlock()
	if !ok {
		return InvalidStateError{Op: "renegotiate", Approval: approval, Execution: execution}
	}
	select {
	case sess.renegotiate <- struct{}{}:
	default:
	}
	return nil
}

// Observe returns the session's chunk stream (see Aggregator.Observe).
func (e *Engine) Observe(id string) (<-chan TaggedChunk, error) {
	sess, err := e.Session(id)
	if err != nil {
		return nil, err
	}
	return sess.agg.Observe(), nil
}

// Result returns the terminal view of a session, or InProgressError.
func (e *Engine) Result(id string) (*SessionResult, error) {
	sess, err := e.Session(id)
	if err != nil {
		return nil, err
	}
	return sess.Result()
}

// Cancel requests cooperative cancellation. Safe in any state; a session
// already terminal is left untouched.
func (e *Engine) Cancel(id string) error {
	sess, err := e.Session(id)
	if err != nil {
		return err
	}
	if sess.ExecutionState().IsTerminal() {
		return nil
	}
	e.logger.Printf("session %s: cancellation requested", sess.ID)
	sess.requestCancel()
	return nil
}

// Prune drops terminal sessions last touched before cutoff and returns how
// many were removed. Durable records outlive pruning; only the in-memory
// aggregate is released.
func (e *Engine) Prune(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, sess := range e.sessions {
		sess.mu.RLock()
		prunable := sess.execution.IsTerminal() && sess.UpdatedAt.Before(cutoff)
		sess.mu.RUnlock()
		if prunable {
			delete(e.sessions, id)
			removed++
		}
	}
	return removed
}

// persist hands a snapshot to the sink, if one is configured.
func (e *Engine) persist(sess *Session, withTrace bool) {
	if e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.sink.SaveSession(ctx, sess.record(withTrace)); err != nil {
		e.logger.Printf("session %s: persist failed: %v", sess.ID, err)
	}
}
