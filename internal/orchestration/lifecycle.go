package orchestration

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensemblehq/ensemble/internal/backend"
	"github.com/ensemblehq/ensemble/internal/telemetry"
)

var lifecycleTracer trace.Tracer = otel.Tracer("ensemble/internal/orchestration/lifecycle")

// Roster is the set of remote agent handles created for one session, keyed by
// role. Handle state transitions are guarded so that no two lifecycle
// operations for the same handle ever overlap.
type Roster struct {
	mu      sync.RWMutex
	handles map[string]*AgentHandle
	order   []string
}

// Handle returns the handle for a role.
func (r *Roster) Handle(role string) (*AgentHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[role]
	return h, ok
}

// Snapshot returns value copies of every handle in creation order.
func (r *Roster) Snapshot() []AgentHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentHandle, 0, len(r.order))
	for _, role := range r.order {
		out = append(out, *r.handles[role])
	}
	return out
}

// RemoteID returns the backend ID for a Ready handle.
func (r *Roster) RemoteID(role string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[role]
	if !ok {
		return "", fmt.Errorf("no handle for role %q", role)
	}
	if h.State != HandleReady {
		return "", fmt.Errorf("handle for role %q is %s, not ready", role, h.State)
	}
	return h.RemoteID, nil
}

func (r *Roster) add(h *AgentHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.Role] = h
	r.order = append(r.order, h.Role)
}

// beginDelete flips a handle to Deleting if it is eligible. It is the guard
// that makes teardown idempotent: a handle already Deleting or Deleted is
// never attempted twice.
func (r *Roster) beginDelete(role string) (*AgentHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[role]
	if !ok {
		return nil, false
	}
	if h.State != HandleReady && h.State != HandleFailed {
		return nil, false
	}
	h.State = HandleDeleting
	return h, true
}

// markDeleted finalizes a deletion attempt. A failed attempt leaves the
// handle in Deleting: the deletion is attempted once, never retried, and the
// failure is accounted for in the teardown report instead.
func (r *Roster) markDeleted(role string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, found := r.handles[role]
	if !found {
		return
	}
	if ok {
		h.State = HandleDeleted
	}
}

// Lifecycle owns the create/delete contract for remote agents. Nothing else
// in the engine mutates remote lifecycle state.
type Lifecycle struct {
	backend  backend.AgentBackend
	logger   *log.Logger
	metrics  *telemetry.Metrics
	attempts int
	backoff  time.Duration
}

// NewLifecycle builds a lifecycle manager. attempts is the per-descriptor
// creation attempt cap; backoff is the base delay, doubled per attempt.
func NewLifecycle(b backend.AgentBackend, metrics *telemetry.Metrics, attempts int, backoff time.Duration) *Lifecycle {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 300 * time.Millisecond
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &Lifecycle{
		backend:  b,
		logger:   log.New(log.Writer(), "[LIFECYCLE] ", log.LstdFlags),
		metrics:  metrics,
		attempts: attempts,
		backoff:  backoff,
	}
}

// CreateRoster instantiates every descriptor on the backend. A descriptor
// that still fails after the attempt cap fails the whole roster: handles
// created so far are deleted before the error is returned, so a partial
// roster is never left live.
func (l *Lifecycle) CreateRoster(ctx context.Context, descriptors []AgentDescriptor) (*Roster, error) {
	ctx, span := lifecycleTracer.Start(ctx, "lifecycle.create_roster",
		trace.WithAttributes(attribute.Int("roster.size", len(descriptors))))
	defer span.End()

	roster := &Roster{handles: make(map[string]*AgentHandle, len(descriptors))}
	for _, d := range descriptors {
		h := &AgentHandle{Role: d.Role, State: HandleCreating}
		roster.add(h)

		remoteID, err := l.createWithRetry(ctx, d)
		if err != nil {
			h.State = HandleFailed
			l.logger.Printf("create %q failed after %d attempts: %v, rolling back roster", d.Role, l.attempts, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "roster creation failed")
			// Roll back on a fresh context: when creation failed because the
			// caller's context died, that same context cannot drive the
			// deletes that keep the partial roster from leaking.
			rctx, rcancel := context.WithTimeout(context.Background(), teardownTimeout)
			report := l.Teardown(rctx, roster)
			rcancel()
			if !report.Clean() {
				l.logger.Printf("rollback left %d handles unaccounted", len(report.Failures))
			}
			return nil, RosterCreationError{Role: d.Role, Err: err}
		}
		h.RemoteID = remoteID
		h.State = HandleReady
		l.metrics.AgentsCreated.Inc()
		l.logger.Printf("created agent %q (%s)", d.Role, remoteID)
	}
	return roster, nil
}

func (l *Lifecycle) createWithRetry(ctx context.Context, d AgentDescriptor) (string, error) {
	spec := backend.AgentSpec{Role: d.Role, Instructions: d.Instructions, ToolRefs: d.ToolRefs}
	var lastErr error
	for attempt := 0; attempt < l.attempts; attempt++ {
		remoteID, err := l.backend.CreateAgent(ctx, spec)
		if err == nil {
			return remoteID, nil
		}
		lastErr = err
		if attempt < l.attempts-1 {
			select {
			case <-time.After(l.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

// Teardown attempts exactly one deletion of every handle in state Ready or
// Failed. It never raises: deletion failures are collected into the report
// and logged. Teardown latency is bounded because nothing is retried.
func (l *Lifecycle) Teardown(ctx context.Context, roster *Roster) TeardownReport {
	ctx, span := lifecycleTracer.Start(ctx, "lifecycle.teardown")
	defer span.End()

	var report TeardownReport
	if roster == nil {
		return report
	}
	for _, role := range roster.roles() {
		h, eligible := roster.beginDelete(role)
		if !eligible {
			continue
		}
		if h.RemoteID == "" {
			// Never materialized on the backend; nothing to delete.
			roster.markDeleted(role, true)
			continue
		}
		if err := l.backend.DeleteAgent(ctx, h.RemoteID); err != nil {
			roster.markDeleted(role, false)
			l.metrics.TeardownFailures.Inc()
			l.logger.Printf("teardown: delete %q (%s) failed: %v", role, h.RemoteID, err)
			report.Failures = append(report.Failures, TeardownFailure{Role: role, RemoteID: h.RemoteID, Reason: err.Error()})
			continue
		}
		roster.markDeleted(role, true)
		l.metrics.AgentsDeleted.Inc()
		report.Deleted = append(report.Deleted, role)
	}
	span.SetAttributes(
		attribute.Int("teardown.deleted", len(report.Deleted)),
		attribute.Int("teardown.failures", len(report.Failures)),
	)
	return report
}

func (r *Roster) roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
