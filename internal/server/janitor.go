package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/ensemblehq/ensemble/internal/orchestration"
	"github.com/ensemblehq/ensemble/internal/store"
	"github.com/ensemblehq/ensemble/internal/traceindex"
)

// Janitor periodically evicts finished sessions from the engine, the durable
// store, and the trace index, keeping recent history within KeepFor.
type Janitor struct {
	Engine   *orchestration.Engine
	Store    *store.Store
	Index    *traceindex.Index
	CronSpec string
	KeepFor  time.Duration
	Stop     chan struct{}

	logger *log.Logger
}

// Start runs the cleanup loop until Stop is closed. An unparseable cron spec
// falls back to hourly.
func (j *Janitor) Start() {
	if j.logger == nil {
		j.logger = log.New(log.Writer(), "[JANITOR] ", log.LstdFlags)
	}
	expr, err := cronexpr.Parse(j.CronSpec)
	if err != nil {
		j.logger.Printf("invalid cron spec %q, falling back to hourly: %v", j.CronSpec, err)
		expr = cronexpr.MustParse("0 * * * *")
	}
	go func() {
		for {
			next := expr.Next(time.Now())
			select {
			case <-time.After(time.Until(next)):
				j.sweep()
			case <-j.Stop:
				return
			}
		}
	}()
}

func (j *Janitor) sweep() {
	cutoff := time.Now().Add(-j.KeepFor)

	evicted := j.Engine.Prune(cutoff)
	if evicted > 0 {
		j.logger.Printf("evicted %d finished sessions from memory", evicted)
	}

	if j.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ids, err := j.Store.PruneSessionsBefore(ctx, cutoff)
	if err != nil {
		j.logger.Printf("store prune failed: %v", err)
		return
	}
	if len(ids) > 0 {
		j.logger.Printf("pruned %d stored sessions", len(ids))
	}
	if j.Index == nil {
		return
	}
	for _, id := range ids {
		if err := j.Index.RemoveSession(id); err != nil {
			j.logger.Printf("index eviction failed for %s: %v", id, err)
		}
	}
}
