package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ensemblehq/ensemble/internal/backend"
)

// scriptedReply is one queued response for a role on the fake backend.
type scriptedReply struct {
	chunks []string
	err    error
	delay  time.Duration
	// stall holds the stream open after the chunks until the caller's
	// context expires, then closes without a terminal error delta. This is
	// how a dropped connection looks when the transport loses the race to
	// report it.
	stall bool
}

// fakeBackend is a scriptable in-memory agents service. It audits remote
// state so tests can assert the cleanup invariant directly.
type fakeBackend struct {
	mu          sync.Mutex
	nextID      int
	transient   map[string]int  // role -> failures to inject before create succeeds
	createFail  map[string]bool // role -> creation always fails
	deleteFail  map[string]bool // role -> deletion always fails
	live        map[string]string
	deletes     []string
	deleteCalls int
	invocations []string
	replies     map[string][]scriptedReply
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		transient:  make(map[string]int),
		createFail: make(map[string]bool),
		deleteFail: make(map[string]bool),
		live:       make(map[string]string),
		replies:    make(map[string][]scriptedReply),
	}
}

func (f *fakeBackend) CreateAgent(_ context.Context, spec backend.AgentSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createFail[spec.Role] {
		return "", errors.New("backend refused creation")
	}
	if n := f.transient[spec.Role]; n > 0 {
		f.transient[spec.Role] = n - 1
		return "", errors.New("transient backend error")
	}
	f.nextID++
	id := fmt.Sprintf("agent-%d", f.nextID)
	f.live[id] = spec.Role
	return id, nil
}

func (f *fakeBackend) DeleteAgent(_ context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	role := f.live[remoteID]
	if f.deleteFail[role] {
		return errors.New("delete refused")
	}
	delete(f.live, remoteID)
	f.deletes = append(f.deletes, remoteID)
	return nil
}

func (f *fakeBackend) InvokeAgent(ctx context.Context, remoteID string, _ backend.Invocation) (<-chan backend.Delta, error) {
	f.mu.Lock()
	role := f.live[remoteID]
	f.invocations = append(f.invocations, role)
	reply := scriptedReply{chunks: []string{"ok from " + role}}
	if q := f.replies[role]; len(q) > 0 {
		reply = q[0]
		f.replies[role] = q[1:]
	}
	f.mu.Unlock()

	ch := make(chan backend.Delta)
	go func() {
		defer close(ch)
		for _, text := range reply.chunks {
			if reply.delay > 0 {
				select {
				case <-time.After(reply.delay):
				case <-ctx.Done():
					ch <- backend.Delta{Err: ctx.Err()}
					return
				}
			}
			ch <- backend.Delta{Text: text}
		}
		if reply.stall {
			<-ctx.Done()
			return
		}
		if reply.err != nil {
			ch <- backend.Delta{Err: reply.err}
		}
	}()
	return ch, nil
}

func (f *fakeBackend) queueReply(role string, r scriptedReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[role] = append(f.replies[role], r)
}

func (f *fakeBackend) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeBackend) deletions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

func (f *fakeBackend) invokedRoles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invocations...)
}

var _ backend.AgentBackend = (*fakeBackend)(nil)

// testDescriptors is the canonical 3-agent roster used across scenarios.
func testDescriptors() []AgentDescriptor {
	return []AgentDescriptor{
		{Role: CoordinatorRole, Instructions: "coordinate the team"},
		{Role: "researcher", Instructions: "find sources", ToolRefs: []string{"search-main"}},
		{Role: "writer", Instructions: "draft the answer"},
	}
}

const twoStepPlan = `{"steps":[{"role":"researcher","description":"gather material"},{"role":"writer","description":"write the summary"}],"reasoning":"research first"}`

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestEngine(f *fakeBackend) *Engine {
	return NewEngine(f, nil, nil, nil, Options{
		CreateAttempts: 3,
		CreateBackoff:  time.Millisecond,
		StepTimeout:    2 * time.Second,
		ChunkBuffer:    64,
	})
}
