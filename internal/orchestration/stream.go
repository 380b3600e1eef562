package orchestration

import (
	"context"
	"sync"
	"time"
)

// ChunkHook receives every published chunk, e.g. for fan-out to an external
// stream. Hooks must not block.
type ChunkHook func(chunk TaggedChunk)

// Aggregator turns the per-agent output of sequential steps into one
// causally-ordered chunk sequence. Chunks within a step preserve emission
// order; step indices never decrease because steps are sequential.
//
// Delivery uses a single bounded channel per session. Before an observer
// attaches, chunks are recorded in the trace and delivery is best-effort;
// once an observer is attached, a full buffer applies backpressure to the
// producing step. The stream is finite and not restartable: observing after
// termination replays the materialized trace.
type Aggregator struct {
	mu       sync.Mutex
	ch       chan TaggedChunk
	trace    []TaggedChunk
	step     int
	role     string
	seq      int
	observed bool
	closed   bool
	hook     ChunkHook
}

// NewAggregator builds an aggregator with the given delivery buffer size.
func NewAggregator(buffer int) *Aggregator {
	if buffer <= 0 {
		buffer = 256
	}
	return &Aggregator{ch: make(chan TaggedChunk, buffer), step: -1}
}

// SetHook installs a fan-out hook for published chunks.
func (a *Aggregator) SetHook(hook ChunkHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hook = hook
}

// BeginStep switches tagging to a new step. Sequence numbers restart at 1
// for each step.
func (a *Aggregator) BeginStep(index int, role string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.step = index
	a.role = role
	a.seq = 0
}

// Publish appends one chunk to the trace and delivers it to the observer.
// It blocks only when an observer is attached and its buffer is full; the
// context bounds that wait.
func (a *Aggregator) Publish(ctx context.Context, text string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.seq++
	chunk := TaggedChunk{
		StepIndex: a.step,
		Role:      a.role,
		Sequence:  a.seq,
		Text:      text,
		EmittedAt: time.Now().UTC(),
	}
	a.trace = append(a.trace, chunk)
	hook := a.hook
	observed := a.observed
	a.mu.Unlock()

	if hook != nil {
		hook(chunk)
	}

	if observed {
		select {
		case a.ch <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	// No observer yet: keep the buffer warm but never stall execution.
	select {
	case a.ch <- chunk:
	default:
	}
	return nil
}

// Observe returns the chunk sequence. The first observation of a live
// session attaches to the delivery channel; any observation after the
// aggregator closed yields the already-materialized trace.
func (a *Aggregator) Observe() <-chan TaggedChunk {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.observed {
		replay := make(chan TaggedChunk, len(a.trace))
		for _, c := range a.trace {
			replay <- c
		}
		close(replay)
		return replay
	}
	a.observed = true
	return a.ch
}

// Close terminates the stream. Idempotent.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.ch)
}

// Trace returns a copy of the materialized trace so far.
func (a *Aggregator) Trace() []TaggedChunk {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]TaggedChunk(nil), a.trace...)
}
