package traceindex

import (
	"testing"
	"time"

	"github.com/ensemblehq/ensemble/internal/orchestration"
)

func completedRecord(id, task string, chunks ...orchestration.TaggedChunk) orchestration.Record {
	return orchestration.Record{
		SessionID: id,
		Task:      task,
		Approval:  orchestration.Approved,
		Execution: orchestration.ExecutionCompleted,
		Trace:     chunks,
	}
}

func TestSearchFindsIndexedChunks(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := completedRecord("sess-1", "investigate database outage",
		orchestration.TaggedChunk{StepIndex: 0, Role: "researcher", Sequence: 0, Text: "connection pool exhausted under load", EmittedAt: time.Now()},
		orchestration.TaggedChunk{StepIndex: 1, Role: "writer", Sequence: 0, Text: "the outage traces back to pool sizing", EmittedAt: time.Now()},
	)
	if err := idx.IndexSession(rec); err != nil {
		t.Fatalf("IndexSession: %v", err)
	}

	hits, err := idx.Search("pool", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(hits), hits)
	}
	for _, h := range hits {
		if h.SessionID != "sess-1" {
			t.Fatalf("unexpected session in hit: %+v", h)
		}
		if h.Snippet == "" {
			t.Fatalf("expected snippet in hit: %+v", h)
		}
	}
}

func TestSearchIncludesFinalSummary(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := completedRecord("sess-2", "quarterly report")
	rec.Final = &orchestration.FinalResult{Summary: "revenue grew while churn dropped", CompletedAt: time.Now()}
	if err := idx.IndexSession(rec); err != nil {
		t.Fatalf("IndexSession: %v", err)
	}

	hits, err := idx.Search("churn", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Role != "final" {
		t.Fatalf("expected final-summary hit, got %+v", hits)
	}
}

func TestReindexReplacesSessionDocs(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first := completedRecord("sess-3", "t",
		orchestration.TaggedChunk{StepIndex: 0, Role: "writer", Sequence: 0, Text: "obsolete analysis"},
	)
	if err := idx.IndexSession(first); err != nil {
		t.Fatalf("IndexSession: %v", err)
	}
	second := completedRecord("sess-3", "t",
		orchestration.TaggedChunk{StepIndex: 0, Role: "writer", Sequence: 0, Text: "fresh findings"},
	)
	if err := idx.IndexSession(second); err != nil {
		t.Fatalf("IndexSession: %v", err)
	}

	if hits, _ := idx.Search("obsolete", 5); len(hits) != 0 {
		t.Fatalf("expected old docs gone, got %+v", hits)
	}
	hits, err := idx.Search("fresh", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %+v", hits)
	}
}

func TestRemoveSession(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := completedRecord("sess-4", "t",
		orchestration.TaggedChunk{StepIndex: 0, Role: "writer", Sequence: 0, Text: "ephemeral content"},
	)
	if err := idx.IndexSession(rec); err != nil {
		t.Fatalf("IndexSession: %v", err)
	}
	if err := idx.RemoveSession("sess-4"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if hits, _ := idx.Search("ephemeral", 5); len(hits) != 0 {
		t.Fatalf("expected no hits after removal, got %+v", hits)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	idx, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := idx.Search("   ", 5); err == nil {
		t.Fatal("expected error for blank query")
	}
}
