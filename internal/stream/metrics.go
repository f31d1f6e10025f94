package stream

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
	eventsDelivered   otelmetric.Int64Counter
	eventsReplayed    otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("breakhunt/stream")
	var err error
	eventsDelivered, err = meter.Int64Counter(
		"hunt_stream_events_total",
		otelmetric.WithDescription("Events dispatched to the hunt event handler"),
	)
	if err != nil {
		log.Printf("stream metrics init: hunt_stream_events_total: %v", err)
	}
	eventsReplayed, err = meter.Int64Counter(
		"hunt_stream_replays_dropped_total",
		otelmetric.WithDescription("Replayed deliveries dropped by the dedup filter"),
	)
	if err != nil {
		log.Printf("stream metrics init: hunt_stream_replays_dropped_total: %v", err)
	}
}

func recordDelivery(t Type) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsDelivered != nil {
		eventsDelivered.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("type", string(t))))
	}
}

func recordReplayDrop(t Type) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsReplayed != nil {
		eventsReplayed.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("type", string(t))))
	}
}
