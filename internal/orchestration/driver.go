package orchestration

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensemblehq/ensemble/internal/backend"
	"github.com/ensemblehq/ensemble/internal/telemetry"
)

var driverTracer trace.Tracer = otel.Tracer("ensemble/internal/orchestration/driver")

// teardownTimeout bounds the final cleanup pass so shutdown latency stays
// bounded even when the session context is already cancelled.
const teardownTimeout = 30 * time.Second

// Driver steps through an approved plan, one step at a time, streaming each
// agent's output through the session aggregator. Whatever the outcome, it
// tears the roster down before returning.
type Driver struct {
	backend     backend.AgentBackend
	lifecycle   *Lifecycle
	logger      *log.Logger
	metrics     *telemetry.Metrics
	stepTimeout time.Duration
}

// NewDriver builds an execution driver. stepTimeout bounds each remote
// invocation; an exceeded timeout counts as a transient failure subject to
// the single-retry policy.
func NewDriver(b backend.AgentBackend, lifecycle *Lifecycle, metrics *telemetry.Metrics, stepTimeout time.Duration) *Driver {
	if stepTimeout <= 0 {
		stepTimeout = 5 * time.Minute
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &Driver{
		backend:     b,
		lifecycle:   lifecycle,
		logger:      log.New(log.Writer(), "[DRIVER] ", log.LstdFlags),
		metrics:     metrics,
		stepTimeout: stepTimeout,
	}
}

// Run executes the approved plan. Callable only when the session is
// Approved; execution transitions NotStarted -> Running -> terminal, and
// teardown always runs before Run returns.
func (d *Driver) Run(ctx context.Context, sess *Session) {
	runCtx, span := driverTracer.Start(ctx, "driver.run",
		trace.WithAttributes(attribute.String("session.id", sess.ID)))
	defer span.End()

	if sess.ApprovalState() != Approved {
		// Engine bug if this happens; surface loudly but never skip cleanup.
		d.logger.Printf("session %s: run called while %s", sess.ID, sess.ApprovalState())
		span.SetStatus(codes.Error, "run before approval")
		d.finish(sess, ExecutionFailed)
		return
	}

	sess.setExecution(ExecutionRunning)

	plan := sess.plan
	failedAt := -1
	for i := range plan.Steps {
		if sess.cancelRequested() {
			d.finish(sess, ExecutionCancelled)
			return
		}
		step := &plan.Steps[i]
		sess.stepStatus(i, StepRunning)
		sess.agg.BeginStep(i, step.AssignedRole)

		started := time.Now()
		err := d.executeStep(runCtx, sess, step)
		d.metrics.StepDuration.Observe(time.Since(started).Seconds())

		if err != nil {
			if sess.cancelRequested() {
				// The in-flight call was torn off by cancellation, not by the
				// backend; its streamed output stays in the trace.
				sess.stepStatus(i, StepSkipped)
				d.finish(sess, ExecutionCancelled)
				return
			}
			stepErr := StepExecutionError{StepIndex: i, Role: step.AssignedRole, Err: err}
			d.logger.Printf("session %s: %v", sess.ID, stepErr)
			span.RecordError(stepErr)
			sess.stepStatus(i, StepFailed)
			d.metrics.StepsExecuted.WithLabelValues(string(StepFailed)).Inc()
			failedAt = i
			break
		}
		sess.stepStatus(i, StepSucceeded)
		d.metrics.StepsExecuted.WithLabelValues(string(StepSucceeded)).Inc()
	}

	if failedAt >= 0 {
		for i := failedAt + 1; i < len(plan.Steps); i++ {
			sess.stepStatus(i, StepSkipped)
			d.metrics.StepsExecuted.WithLabelValues(string(StepSkipped)).Inc()
		}
		d.finish(sess, ExecutionFailed)
		return
	}
	if sess.cancelRequested() {
		d.finish(sess, ExecutionCancelled)
		return
	}

	sess.setFinal(d.consolidate(runCtx, sess))
	d.finish(sess, ExecutionCompleted)
}

// executeStep invokes the step's agent with the task, the step description
// and the cumulative trace, retrying once on failure.
func (d *Driver) executeStep(ctx context.Context, sess *Session, step *PlanStep) error {
	remoteID, err := sess.Roster().RemoteID(step.AssignedRole)
	if err != nil {
		return err
	}
	inv := backend.Invocation{
		Task:    sess.Task,
		Step:    step.Description,
		Context: renderTrace(sess.agg.Trace()),
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := d.invokeStreaming(ctx, sess, remoteID, inv); err != nil {
			lastErr = err
			if ctx.Err() != nil || sess.cancelRequested() {
				return err
			}
			d.logger.Printf("session %s: step %d attempt %d failed: %v", sess.ID, step.Index, attempt+1, err)
			continue
		}
		return nil
	}
	return lastErr
}

func (d *Driver) invokeStreaming(ctx context.Context, sess *Session, remoteID string, inv backend.Invocation) error {
	callCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
	defer cancel()

	ch, err := d.backend.InvokeAgent(callCtx, remoteID, inv)
	if err != nil {
		return err
	}
	for delta := range ch {
		if delta.Err != nil {
			return delta.Err
		}
		if err := sess.agg.Publish(callCtx, delta.Text); err != nil {
			return err
		}
		d.metrics.ChunksStreamed.Inc()
	}
	// A stream cut off by the step deadline may close without a terminal
	// delta reaching us. The deadline still makes the attempt a failure.
	if err := callCtx.Err(); err != nil {
		return err
	}
	return nil
}

// consolidate asks the coordinator for one bounded synthesis of the full
// trace. If that call fails, the concatenated trace stands in so a completed
// session always carries a result.
func (d *Driver) consolidate(ctx context.Context, sess *Session) *FinalResult {
	trace := sess.agg.Trace()
	fallback := &FinalResult{Summary: renderTrace(trace), CompletedAt: time.Now().UTC()}

	coordinatorID, err := sess.Roster().RemoteID(CoordinatorRole)
	if err != nil {
		d.logger.Printf("session %s: consolidation skipped: %v", sess.ID, err)
		return fallback
	}
	callCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
	defer cancel()

	summary, err := collectReply(callCtx, d.backend, coordinatorID, backend.Invocation{
		Task:    sess.Task,
		Step:    "Synthesize the full team output below into one consolidated answer to the task.",
		Context: renderTrace(trace),
	})
	if err != nil || strings.TrimSpace(summary) == "" {
		d.logger.Printf("session %s: consolidation call failed, keeping raw trace: %v", sess.ID, err)
		return fallback
	}
	return &FinalResult{Summary: summary, CompletedAt: time.Now().UTC()}
}

// finish records the terminal state, tears the roster down, and closes the
// stream. This is the cleanup path every outcome funnels through.
func (d *Driver) finish(sess *Session, state ExecutionState) {
	sess.setExecution(state)
	d.metrics.SessionsFinished.WithLabelValues(string(state)).Inc()

	tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	report := d.lifecycle.Teardown(tctx, sess.Roster())
	sess.setTeardown(report)
	if !report.Clean() {
		d.logger.Printf("session %s: teardown left %d handles unaccounted", sess.ID, len(report.Failures))
	}
	sess.agg.Close()
}

// renderTrace flattens the trace into step-tagged text blocks for use as
// cumulative context.
func renderTrace(chunks []TaggedChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	current := -1
	for _, c := range chunks {
		if c.StepIndex != current {
			if current != -1 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "[step %d / %s]\n", c.StepIndex+1, c.Role)
			current = c.StepIndex
		}
		sb.WriteString(c.Text)
	}
	return sb.String()
}
