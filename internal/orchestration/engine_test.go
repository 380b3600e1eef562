package orchestration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestHappyPathCompletesAndCleansUp(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{chunks: []string{twoStepPlan}})
	f.queueReply("researcher", scriptedReply{chunks: []string{"found ", "three sources"}})
	f.queueReply("writer", scriptedReply{chunks: []string{"summary of X"}})
	f.queueReply(CoordinatorRole, scriptedReply{chunks: []string{"consolidated answer"}})

	e := newTestEngine(f)
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	waitFor(t, "plan", func() bool {
		_, err := e.ProposedPlan(id)
		return err == nil
	})
	plan, err := e.ProposedPlan(id)
	if err != nil {
		t.Fatalf("ProposedPlan: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}

	if err := e.Decide(id, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	waitFor(t, "terminal state", func() bool {
		sess, _ := e.Session(id)
		return sess.ExecutionState().IsTerminal()
	})

	res, err := e.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Status != ExecutionCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if res.Final == nil || res.Final.Summary != "consolidated answer" {
		t.Fatalf("unexpected final result: %+v", res.Final)
	}
	for _, s := range res.Steps {
		if s.Status != StepSucceeded {
			t.Fatalf("step %d is %s, want succeeded", s.Index, s.Status)
		}
	}
	if f.deletions() != 3 {
		t.Fatalf("expected 3 deletions, got %d", f.deletions())
	}
	if f.liveCount() != 0 {
		t.Fatalf("%d handles left live", f.liveCount())
	}
}

func TestRejectionCancelsWithoutExecuting(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{chunks: []string{twoStepPlan}})

	e := newTestEngine(f)
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "plan", func() bool {
		_, err := e.ProposedPlan(id)
		return err == nil
	})

	if err := e.Decide(id, false); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	waitFor(t, "terminal state", func() bool {
		sess, _ := e.Session(id)
		return sess.ExecutionState().IsTerminal()
	})

	res, err := e.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Status != ExecutionCancelled {
		t.Fatalf("expected cancelled, got %s", res.Status)
	}
	if res.Final != nil {
		t.Fatalf("rejected session must not carry a final result")
	}
	for _, s := range res.Steps {
		if s.Status != StepPending {
			t.Fatalf("step %d is %s, want pending", s.Index, s.Status)
		}
	}
	// Only the negotiation call ever reached the backend.
	for _, role := range f.invokedRoles() {
		if role != CoordinatorRole {
			t.Fatalf("agent %q was invoked for a rejected plan", role)
		}
	}
	if f.deletions() != 3 {
		t.Fatalf("expected 3 deletions, got %d", f.deletions())
	}
}

func TestStepFailureYieldsPartialResult(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{chunks: []string{twoStepPlan}})
	f.queueReply("researcher", scriptedReply{chunks: []string{"step one output"}})
	// Both the first attempt and the retry fail.
	f.queueReply("writer", scriptedReply{err: errors.New("model overloaded")})
	f.queueReply("writer", scriptedReply{err: errors.New("model overloaded")})

	e := newTestEngine(f)
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "plan", func() bool {
		_, err := e.ProposedPlan(id)
		return err == nil
	})
	if err := e.Decide(id, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	waitFor(t, "terminal state", func() bool {
		sess, _ := e.Session(id)
		return sess.ExecutionState().IsTerminal()
	})

	res, err := e.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Status != ExecutionFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if res.Steps[0].Status != StepSucceeded || res.Steps[1].Status != StepFailed {
		t.Fatalf("unexpected step statuses: %+v", res.Steps)
	}
	for _, c := range res.Trace {
		if c.StepIndex != 0 {
			t.Fatalf("trace contains chunk from failed step: %+v", c)
		}
	}
	if len(res.Trace) == 0 {
		t.Fatal("partial trace was discarded")
	}
	if f.deletions() != 3 {
		t.Fatalf("expected 3 deletions, got %d", f.deletions())
	}
}

func TestNegotiationErrorKeepsRosterLive(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{
		chunks: []string{`{"steps":[{"role":"stranger","description":"???"}]}`},
	})
	f.queueReply(CoordinatorRole, scriptedReply{chunks: []string{twoStepPlan}})

	e := newTestEngine(f)
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	waitFor(t, "negotiation failure", func() bool {
		_, err := e.ProposedPlan(id)
		var nre NotReadyError
		return errors.As(err, &nre) && nre.Detail != ""
	})
	_, planErr := e.ProposedPlan(id)
	if !strings.Contains(planErr.Error(), "unknown role") {
		t.Fatalf("expected unknown role detail, got %v", planErr)
	}
	sess, _ := e.Session(id)
	if sess.ApprovalState() != AwaitingPlan {
		t.Fatalf("approval moved past AwaitingPlan: %s", sess.ApprovalState())
	}
	// The session is retryable: the roster stays live.
	if f.liveCount() != 3 {
		t.Fatalf("roster was torn down after a negotiation error: %d live", f.liveCount())
	}

	if err := e.Renegotiate(id); err != nil {
		t.Fatalf("Renegotiate: %v", err)
	}
	waitFor(t, "plan after renegotiation", func() bool {
		_, err := e.ProposedPlan(id)
		return err == nil
	})
}

func TestDecideRequiresAwaitingApproval(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{
		chunks: []string{`{"steps":[]}`},
	})

	e := newTestEngine(f)
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "negotiation failure", func() bool {
		sess, _ := e.Session(id)
		sess.mu.RLock()
		defer sess.mu.RUnlock()
		return sess.negotiationErr != nil
	})

	var ise InvalidStateError
	if err := e.Decide(id, true); !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError before AwaitingApproval, got %v", err)
	}
}

func TestDecideTwiceIsInvalid(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{chunks: []string{twoStepPlan}})

	e := newTestEngine(f)
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "plan", func() bool {
		_, err := e.ProposedPlan(id)
		return err == nil
	})
	if err := e.Decide(id, true); err != nil {
		t.Fatalf("first Decide: %v", err)
	}
	var ise InvalidStateError
	if err := e.Decide(id, false); !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError on second decision, got %v", err)
	}
}

func TestCancelDuringExecution(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{chunks: []string{twoStepPlan}})
	f.queueReply("researcher", scriptedReply{chunks: []string{"a", "b", "c"}, delay: 200 * time.Millisecond})

	e := newTestEngine(f)
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "plan", func() bool {
		_, err := e.ProposedPlan(id)
		return err == nil
	})
	if err := e.Decide(id, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	waitFor(t, "first step running", func() bool {
		for _, role := range f.invokedRoles() {
			if role == "researcher" {
				return true
			}
		}
		return false
	})

	if err := e.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitFor(t, "terminal state", func() bool {
		sess, _ := e.Session(id)
		return sess.ExecutionState().IsTerminal()
	})

	res, err := e.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Status != ExecutionCancelled {
		t.Fatalf("expected cancelled, got %s", res.Status)
	}
	if f.liveCount() != 0 {
		t.Fatalf("%d handles left live after cancellation", f.liveCount())
	}
	// The writer step never started.
	for _, role := range f.invokedRoles() {
		if role == "writer" {
			t.Fatal("a later step started after cancellation")
		}
	}
}

func TestStalledStepFailsAtDeadline(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{
		chunks: []string{`{"steps":[{"role":"researcher","description":"gather material"}]}`},
	})
	// Both attempts emit a chunk and then hang until the step deadline,
	// closing without a terminal error delta.
	f.queueReply("researcher", scriptedReply{chunks: []string{"partial"}, stall: true})
	f.queueReply("researcher", scriptedReply{chunks: []string{"partial"}, stall: true})

	e := NewEngine(f, nil, nil, nil, Options{
		CreateAttempts: 3,
		CreateBackoff:  time.Millisecond,
		StepTimeout:    100 * time.Millisecond,
		ChunkBuffer:    64,
	})
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "plan", func() bool {
		_, err := e.ProposedPlan(id)
		return err == nil
	})
	if err := e.Decide(id, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	waitFor(t, "terminal state", func() bool {
		sess, _ := e.Session(id)
		return sess.ExecutionState().IsTerminal()
	})

	res, err := e.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	// A reply cut off by the deadline must never read as a success.
	if res.Status != ExecutionFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if res.Steps[0].Status != StepFailed {
		t.Fatalf("truncated step is %s, want failed", res.Steps[0].Status)
	}
	invoked := 0
	for _, role := range f.invokedRoles() {
		if role == "researcher" {
			invoked++
		}
	}
	if invoked != 2 {
		t.Fatalf("expected the stalled step to be retried once, got %d invocations", invoked)
	}
	if f.liveCount() != 0 {
		t.Fatalf("%d handles left live", f.liveCount())
	}
}

func TestApprovalTimeoutAutoRejects(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{chunks: []string{twoStepPlan}})

	e := NewEngine(f, nil, nil, nil, Options{
		CreateAttempts:  3,
		CreateBackoff:   time.Millisecond,
		StepTimeout:     2 * time.Second,
		ApprovalTimeout: 50 * time.Millisecond,
		ChunkBuffer:     64,
	})
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "terminal state", func() bool {
		sess, _ := e.Session(id)
		return sess.ExecutionState().IsTerminal()
	})

	res, err := e.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Status != ExecutionCancelled {
		t.Fatalf("expected cancelled, got %s", res.Status)
	}
	sess, _ := e.Session(id)
	if sess.ApprovalState() != Rejected {
		t.Fatalf("expected rejected approval, got %s", sess.ApprovalState())
	}
	for _, role := range f.invokedRoles() {
		if role != CoordinatorRole {
			t.Fatalf("agent %q invoked for a timed-out plan", role)
		}
	}
	if f.deletions() != 3 {
		t.Fatalf("expected 3 deletions, got %d", f.deletions())
	}
}

func TestApprovalTimeoutLosesToRacingDecision(t *testing.T) {
	e := NewEngine(newFakeBackend(), nil, nil, nil, Options{
		ApprovalTimeout: time.Nanosecond,
		ChunkBuffer:     8,
	})
	// Drive the gate directly so the timer and the decision land as close
	// together as the scheduler allows.
	for i := 0; i < 200; i++ {
		sess := newSession("s", "t", nil, nil, 8)
		sess.approval = Approved
		sess.decision <- true

		accept, cancelled := e.awaitDecision(sess)
		if cancelled {
			t.Fatal("gate reported cancellation")
		}
		if !accept {
			t.Fatal("a recorded approval was dropped at the gate")
		}
	}
}

func TestDecideAfterCancelIsInvalid(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{chunks: []string{twoStepPlan}})

	e := newTestEngine(f)
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "plan", func() bool {
		_, err := e.ProposedPlan(id)
		return err == nil
	})
	if err := e.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitFor(t, "terminal state", func() bool {
		sess, _ := e.Session(id)
		return sess.ExecutionState().IsTerminal()
	})

	var ise InvalidStateError
	if err := e.Decide(id, true); !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError on a cancelled session, got %v", err)
	}
	res, err := e.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Status != ExecutionCancelled {
		t.Fatalf("expected cancelled, got %s", res.Status)
	}
}

func TestNoStepRunsBeforeApproval(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{chunks: []string{twoStepPlan}})

	e := newTestEngine(f)
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "plan", func() bool {
		_, err := e.ProposedPlan(id)
		return err == nil
	})
	// Give the flow a chance to misbehave before any decision.
	time.Sleep(50 * time.Millisecond)
	for _, role := range f.invokedRoles() {
		if role != CoordinatorRole {
			t.Fatalf("agent %q invoked before approval", role)
		}
	}
	sess, _ := e.Session(id)
	for _, s := range sess.Plan().Steps {
		if s.Status != StepPending {
			t.Fatalf("step %d is %s before approval", s.Index, s.Status)
		}
	}
}

func TestResultBeforeTerminalStateIsInProgress(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{chunks: []string{twoStepPlan}})

	e := newTestEngine(f)
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	var ipe InProgressError
	if _, err := e.Result(id); !errors.As(err, &ipe) {
		t.Fatalf("expected InProgressError, got %v", err)
	}
}

func TestStartSessionRejectsInvalidDescriptors(t *testing.T) {
	e := newTestEngine(newFakeBackend())
	_, err := e.StartSession(context.Background(), "task", []AgentDescriptor{
		{Role: "researcher", Instructions: "find things"},
	})
	if !errors.Is(err, ErrNoCoordinator) {
		t.Fatalf("expected ErrNoCoordinator, got %v", err)
	}
}

func TestPruneDropsOnlyTerminalSessions(t *testing.T) {
	f := newFakeBackend()
	f.queueReply(CoordinatorRole, scriptedReply{chunks: []string{twoStepPlan}})

	e := newTestEngine(f)
	id, err := e.StartSession(context.Background(), "summarize X", testDescriptors())
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if n := e.Prune(time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("pruned a live session")
	}

	waitFor(t, "plan", func() bool {
		_, err := e.ProposedPlan(id)
		return err == nil
	})
	if err := e.Decide(id, false); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	waitFor(t, "terminal state", func() bool {
		sess, _ := e.Session(id)
		return sess.ExecutionState().IsTerminal()
	})

	if n := e.Prune(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("expected 1 pruned session, got %d", n)
	}
	if _, err := e.Session(id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after prune, got %v", err)
	}
}
