package server

import (
	"context"
	"log"

	"github.com/ensemblehq/ensemble/internal/orchestration"
	"github.com/ensemblehq/ensemble/internal/queue/streams"
	"github.com/ensemblehq/ensemble/internal/store"
	"github.com/ensemblehq/ensemble/internal/traceindex"
)

// persistSink fans a session snapshot out to the durable store, the trace
// index, and the state stream. Store failures bubble up to the engine's
// persistence logging; index and stream failures only log.
type persistSink struct {
	store  *store.Store
	index  *traceindex.Index
	fanout *streams.Fanout
	logger *log.Logger
}

func newPersistSink(st *store.Store, idx *traceindex.Index, fo *streams.Fanout) *persistSink {
	return &persistSink{
		store:  st,
		index:  idx,
		fanout: fo,
		logger: log.New(log.Writer(), "[SINK] ", log.LstdFlags),
	}
}

func (p *persistSink) SaveSession(ctx context.Context, rec orchestration.Record) error {
	if p.fanout != nil {
		p.fanout.PublishState(rec.SessionID, rec.Approval, rec.Execution)
	}
	if p.index != nil && rec.Execution.IsTerminal() && len(rec.Trace) > 0 {
		if err := p.index.IndexSession(rec); err != nil {
			p.logger.Printf("session %s: trace indexing failed: %v", rec.SessionID, err)
		}
	}
	if p.store == nil {
		return nil
	}
	return p.store.SaveSession(ctx, rec)
}

var _ orchestration.SessionSink = (*persistSink)(nil)
