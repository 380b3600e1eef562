package orchestration

import (
	"context"
	"testing"
)

func TestAggregatorOrdering(t *testing.T) {
	a := NewAggregator(16)
	ctx := context.Background()

	a.BeginStep(0, "researcher")
	_ = a.Publish(ctx, "r1")
	_ = a.Publish(ctx, "r2")
	a.BeginStep(1, "writer")
	_ = a.Publish(ctx, "w1")
	a.Close()

	trace := a.Trace()
	if len(trace) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(trace))
	}
	lastStep := -1
	lastSeq := 0
	for _, c := range trace {
		if c.StepIndex < lastStep {
			t.Fatalf("step index decreased: %+v", trace)
		}
		if c.StepIndex > lastStep {
			lastStep = c.StepIndex
			lastSeq = 0
		}
		if c.Sequence <= lastSeq {
			t.Fatalf("sequence not strictly increasing within step: %+v", trace)
		}
		lastSeq = c.Sequence
	}
	if trace[0].Role != "researcher" || trace[2].Role != "writer" {
		t.Fatalf("chunks mistagged: %+v", trace)
	}
}

func TestAggregatorReplayAfterClose(t *testing.T) {
	a := NewAggregator(4)
	ctx := context.Background()
	a.BeginStep(0, "writer")
	_ = a.Publish(ctx, "hello")
	a.Close()

	// Every observation after termination yields the materialized trace.
	for i := 0; i < 2; i++ {
		var got []TaggedChunk
		for c := range a.Observe() {
			got = append(got, c)
		}
		if len(got) != 1 || got[0].Text != "hello" {
			t.Fatalf("replay %d: unexpected chunks %+v", i, got)
		}
	}
}

func TestAggregatorLiveObservation(t *testing.T) {
	a := NewAggregator(8)
	ctx := context.Background()
	ch := a.Observe()

	a.BeginStep(0, "researcher")
	_ = a.Publish(ctx, "x")
	_ = a.Publish(ctx, "y")
	a.Close()

	var got []TaggedChunk
	for c := range ch {
		got = append(got, c)
	}
	if len(got) != 2 || got[0].Text != "x" || got[1].Text != "y" {
		t.Fatalf("unexpected live chunks: %+v", got)
	}
}

func TestAggregatorDoesNotStallWithoutObserver(t *testing.T) {
	// Buffer of 2, publish 5: execution must not block when nobody listens.
	a := NewAggregator(2)
	ctx := context.Background()
	a.BeginStep(0, "researcher")
	for i := 0; i < 5; i++ {
		if err := a.Publish(ctx, "c"); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if len(a.Trace()) != 5 {
		t.Fatalf("trace lost chunks: %d", len(a.Trace()))
	}
}

func TestAggregatorPublishAfterCloseIsDropped(t *testing.T) {
	a := NewAggregator(2)
	a.Close()
	if err := a.Publish(context.Background(), "late"); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
	if len(a.Trace()) != 0 {
		t.Fatal("chunk recorded after close")
	}
}
