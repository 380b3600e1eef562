package streams

import (
	"context"
	"log"
	"time"

	"github.com/ensemblehq/ensemble/internal/orchestration"
)

// ChunkStream returns the per-session stream carrying output chunks.
func ChunkStream(sessionID string) string {
	return "ensemble:session:" + sessionID + ":chunks"
}

// StateStream is the shared stream carrying session state transitions.
const StateStream = "ensemble:sessions:state"

const publishTimeout = 2 * time.Second

type fanoutEvent struct {
	stream    string
	eventType string
	sessionID string
	payload   interface{}
}

// Fanout mirrors session output onto Redis streams so out-of-process
// consumers can follow sessions live. Events pass through a buffered queue
// drained by one writer goroutine, so enqueueing never blocks the session:
// a slow or unreachable Redis costs dropped events, logged, never latency.
type Fanout struct {
	pub       *Publisher
	streamCap int64
	queue     chan fanoutEvent
	logger    *log.Logger
}

// NewFanout wraps pub and starts the writer. streamCap bounds each stream
// with MAXLEN ~, zero leaves streams unbounded.
func NewFanout(pub *Publisher, streamCap int64) *Fanout {
	f := &Fanout{
		pub:       pub,
		streamCap: streamCap,
		queue:     make(chan fanoutEvent, 1024),
		logger:    log.New(log.Writer(), "[FANOUT] ", log.LstdFlags),
	}
	go f.drain()
	return f
}

func (f *Fanout) drain() {
	for ev := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		_, err := f.pub.PublishRaw(ctx, ev.stream, ev.eventType, ev.sessionID, ev.payload,
			WithMaxLenApprox(f.streamCap))
		cancel()
		if err != nil {
			f.logger.Printf("session %s: %s fan-out failed: %v", ev.sessionID, ev.eventType, err)
		}
	}
}

func (f *Fanout) enqueue(ev fanoutEvent) {
	select {
	case f.queue <- ev:
	default:
		f.logger.Printf("session %s: fan-out queue full, dropping %s event", ev.sessionID, ev.eventType)
	}
}

// ChunkHook returns an engine hook mirroring every chunk of one session.
func (f *Fanout) ChunkHook(sessionID string) orchestration.ChunkHook {
	stream := ChunkStream(sessionID)
	return func(chunk orchestration.TaggedChunk) {
		f.enqueue(fanoutEvent{stream: stream, eventType: EventTypeChunk, sessionID: sessionID, payload: chunk})
	}
}

// StateEvent is the payload published on every session state transition.
type StateEvent struct {
	Approval  orchestration.ApprovalState  `json:"approval_state"`
	Execution orchestration.ExecutionState `json:"execution_state"`
}

// PublishState mirrors a session state transition onto the shared stream.
func (f *Fanout) PublishState(sessionID string, approval orchestration.ApprovalState, execution orchestration.ExecutionState) {
	f.enqueue(fanoutEvent{
		stream:    StateStream,
		eventType: EventTypeState,
		sessionID: sessionID,
		payload:   StateEvent{Approval: approval, Execution: execution},
	})
}
