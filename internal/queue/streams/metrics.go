package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	eventsPublished   otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("ensemble/queue/streams")
	var err error
	eventsPublished, err = meter.Int64Counter(
		"session_events_published_total",
		otelmetric.WithDescription("Session events published to streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: session_events_published_total: %v", err)
	}
}

func recordStreamMetrics(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsPublished == nil {
		return
	}
	eventsPublished.Add(contextOrBackground(ctx), 1,
		otelmetric.WithAttributes(attribute.String("event_type", eventType)))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
