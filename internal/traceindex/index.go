package traceindex

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/ensemblehq/ensemble/internal/orchestration"
)

// ChunkDoc is the indexed form of one trace fragment.
type ChunkDoc struct {
	SessionID string    `json:"session_id"`
	Task      string    `json:"task"`
	StepIndex int       `json:"step_index"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Hit is one search result over indexed traces.
type Hit struct {
	SessionID string  `json:"session_id"`
	Task      string  `json:"task"`
	StepIndex int     `json:"step_index"`
	Role      string  `json:"role"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
	Rank      int     `json:"rank"`
}

// Index holds an in-memory full-text index over completed session traces.
type Index struct {
	mu    sync.RWMutex
	bleve bleve.Index
	meta  map[string]ChunkDoc
	docs  map[string][]string // session id -> doc ids
}

// New constructs an empty in-memory index.
func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("open trace index: %w", err)
	}
	return &Index{
		bleve: idx,
		meta:  make(map[string]ChunkDoc),
		docs:  make(map[string][]string),
	}, nil
}

// IndexSession indexes the trace of a finished session, plus its consolidated
// result when present. Re-indexing the same session replaces its documents.
func (x *Index) IndexSession(rec orchestration.Record) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if rec.SessionID == "" {
		return fmt.Errorf("session id must be provided")
	}
	if err := x.removeLocked(rec.SessionID); err != nil {
		return err
	}

	batch := x.bleve.NewBatch()
	var added []ChunkDoc
	var ids []string
	for _, chunk := range rec.Trace {
		doc := ChunkDoc{
			SessionID: rec.SessionID,
			Task:      rec.Task,
			StepIndex: chunk.StepIndex,
			Role:      chunk.Role,
			Text:      chunk.Text,
			EmittedAt: chunk.EmittedAt,
		}
		id := fmt.Sprintf("%s:%d:%d", rec.SessionID, chunk.StepIndex, chunk.Sequence)
		if err := batch.Index(id, doc); err != nil {
			return err
		}
		added = append(added, doc)
		ids = append(ids, id)
	}
	if rec.Final != nil && rec.Final.Summary != "" {
		doc := ChunkDoc{
			SessionID: rec.SessionID,
			Task:      rec.Task,
			StepIndex: -1,
			Role:      "final",
			Text:      rec.Final.Summary,
			EmittedAt: rec.Final.CompletedAt,
		}
		id := rec.SessionID + ":final"
		if err := batch.Index(id, doc); err != nil {
			return err
		}
		added = append(added, doc)
		ids = append(ids, id)
	}
	if err := x.bleve.Batch(batch); err != nil {
		return err
	}
	for i, id := range ids {
		x.meta[id] = added[i]
	}
	x.docs[rec.SessionID] = ids
	return nil
}

// RemoveSession drops all documents of one session from the index.
func (x *Index) RemoveSession(sessionID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeLocked(sessionID)
}

func (x *Index) removeLocked(sessionID string) error {
	ids := x.docs[sessionID]
	if len(ids) == 0 {
		return nil
	}
	batch := x.bleve.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
		delete(x.meta, id)
	}
	delete(x.docs, sessionID)
	return x.bleve.Batch(batch)
}

// Search runs a query-string search over indexed traces and returns up to k
// hits, best first. Hits collapse to one per session and step.
func (x *Index) Search(q string, k int) ([]Hit, error) {
	if strings.TrimSpace(q) == "" {
		return nil, fmt.Errorf("query must be provided")
	}
	if k <= 0 {
		k = 10
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	res, err := x.bleve.Search(searchReq)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []Hit
	for _, hit := range res.Hits {
		doc, ok := x.meta[hit.ID]
		if !ok {
			continue
		}
		key := fmt.Sprintf("%s:%d", doc.SessionID, doc.StepIndex)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Hit{
			SessionID: doc.SessionID,
			Task:      doc.Task,
			StepIndex: doc.StepIndex,
			Role:      doc.Role,
			Snippet:   snippet(doc.Text),
			Score:     hit.Score,
			Rank:      len(out) + 1,
		})
		if len(out) >= k {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func snippet(text string) string {
	const max = 200
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
