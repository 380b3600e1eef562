package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensemblehq/ensemble/internal/backend"
	"github.com/ensemblehq/ensemble/internal/telemetry"
)

var negotiatorTracer trace.Tracer = otel.Tracer("ensemble/internal/orchestration/negotiator")

// Negotiator asks the roster's coordinator agent to decompose the task into
// an ordered plan. It never executes steps and never advances the approval
// state past AwaitingApproval.
type Negotiator struct {
	backend     backend.AgentBackend
	logger      *log.Logger
	metrics     *telemetry.Metrics
	callTimeout time.Duration
	maxSteps    int
}

// NewNegotiator builds a negotiator. maxSteps bounds accepted plan length.
func NewNegotiator(b backend.AgentBackend, metrics *telemetry.Metrics, callTimeout time.Duration, maxSteps int) *Negotiator {
	if callTimeout <= 0 {
		callTimeout = 2 * time.Minute
	}
	if maxSteps <= 0 {
		maxSteps = 20
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &Negotiator{
		backend:     b,
		logger:      log.New(log.Writer(), "[NEGOTIATOR] ", log.LstdFlags),
		metrics:     metrics,
		callTimeout: callTimeout,
		maxSteps:    maxSteps,
	}
}

// Propose negotiates a plan for the session. On success the session holds
// the plan and moves AwaitingPlan -> AwaitingApproval. On failure the
// session stays in AwaitingPlan and the NegotiationError is both recorded on
// the session and returned.
func (n *Negotiator) Propose(ctx context.Context, sess *Session) error {
	ctx, span := negotiatorTracer.Start(ctx, "negotiator.propose",
		trace.WithAttributes(attribute.String("session.id", sess.ID)))
	defer span.End()

	if sess.ApprovalState() != AwaitingPlan {
		return InvalidStateError{Op: "propose", Approval: sess.ApprovalState(), Execution: sess.ExecutionState()}
	}

	coordinatorID, err := sess.Roster().RemoteID(CoordinatorRole)
	if err != nil {
		negErr := NegotiationError{Reason: "coordinator unavailable", Err: err}
		sess.setNegotiationErr(negErr)
		return negErr
	}

	prompt := n.buildPrompt(sess)
	callCtx, cancel := context.WithTimeout(ctx, n.callTimeout)
	defer cancel()

	reply, err := collectReply(callCtx, n.backend, coordinatorID, backend.Invocation{
		Task:    sess.Task,
		Context: prompt,
	})
	if err != nil {
		negErr := NegotiationError{Reason: "coordinator call failed", Err: err}
		sess.setNegotiationErr(negErr)
		n.metrics.NegotiationFails.Inc()
		span.RecordError(negErr)
		return negErr
	}

	plan, err := parsePlanReply(reply)
	if err != nil {
		negErr := NegotiationError{Reason: "malformed plan", Err: err}
		sess.setNegotiationErr(negErr)
		n.metrics.NegotiationFails.Inc()
		span.RecordError(negErr)
		return negErr
	}
	if err := n.validate(sess, plan); err != nil {
		sess.setNegotiationErr(err)
		n.metrics.NegotiationFails.Inc()
		span.RecordError(err)
		return err
	}

	sess.setPlan(plan)
	sess.setNegotiationErr(nil)
	sess.setApproval(AwaitingApproval)
	n.logger.Printf("session %s: negotiated %d steps", sess.ID, len(plan.Steps))
	span.SetAttributes(attribute.Int("plan.steps", len(plan.Steps)))
	return nil
}

// buildPrompt exposes only the roster's roles and bound capabilities to the
// coordinator, never any agent's instructions.
func (n *Negotiator) buildPrompt(sess *Session) string {
	var b strings.Builder
	b.WriteString("You are the coordinator of a team of specialized agents.\n\n")
	b.WriteString("TASK: ")
	b.WriteString(sess.Task)
	b.WriteString("\n\nAVAILABLE AGENTS:\n")
	for _, role := range sess.registry.Roles() {
		if role == CoordinatorRole {
			continue
		}
		d, _ := sess.registry.Descriptor(role)
		if len(d.ToolRefs) > 0 {
			fmt.Fprintf(&b, "- %s (tools: %s)\n", role, strings.Join(d.ToolRefs, ", "))
		} else {
			fmt.Fprintf(&b, "- %s\n", role)
		}
	}
	fmt.Fprintf(&b, `
Decompose the task into an ordered sequence of at most %d steps. Each step
names exactly one of the agents above. Later steps see earlier steps' output.

OUTPUT FORMAT (JSON):
{
  "steps": [
    {"role": "agent_role", "description": "what this step should produce"}
  ],
  "reasoning": "why this plan"
}
`, n.maxSteps)
	return b.String()
}

// validate enforces that every assigned role exists in the roster and the
// plan is neither empty nor oversized.
func (n *Negotiator) validate(sess *Session, plan *Plan) error {
	if len(plan.Steps) == 0 {
		return NegotiationError{Reason: "plan has no steps"}
	}
	if len(plan.Steps) > n.maxSteps {
		return NegotiationError{Reason: fmt.Sprintf("plan has %d steps, cap is %d", len(plan.Steps), n.maxSteps)}
	}
	for _, step := range plan.Steps {
		if !sess.registry.Has(step.AssignedRole) {
			return NegotiationError{Reason: fmt.Sprintf("step %d references unknown role %q", step.Index, step.AssignedRole)}
		}
		if strings.TrimSpace(step.Description) == "" {
			return NegotiationError{Reason: fmt.Sprintf("step %d has no description", step.Index)}
		}
	}
	return nil
}

// parsePlanReply extracts the first balanced JSON object from the reply and
// decodes it into a Plan with Pending steps.
func parsePlanReply(reply string) (*Plan, error) {
	jsonStr := extractJSONObject(reply)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON object found in reply")
	}

	var raw struct {
		Steps []struct {
			Role        string `json:"role"`
			Description string `json:"description"`
		} `json:"steps"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	plan := &Plan{Reasoning: raw.Reasoning, Raw: []byte(jsonStr)}
	for i, s := range raw.Steps {
		plan.Steps = append(plan.Steps, PlanStep{
			Index:        i,
			AssignedRole: strings.TrimSpace(s.Role),
			Description:  strings.TrimSpace(s.Description),
			Status:       StepPending,
		})
	}
	return plan, nil
}

// extractJSONObject scans for the first balanced top-level brace pair.
func extractJSONObject(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// collectReply drains an invocation stream into a single string.
func collectReply(ctx context.Context, b backend.AgentBackend, remoteID string, inv backend.Invocation) (string, error) {
	ch, err := b.InvokeAgent(ctx, remoteID, inv)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for delta := range ch {
		if delta.Err != nil {
			return "", delta.Err
		}
		sb.WriteString(delta.Text)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}
