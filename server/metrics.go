package main

import (
	"context"

	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"multichess"
)

var (
	gamesCreated  metric.Int64Counter
	movesAccepted metric.Int64Counter
	movesRejected metric.Int64Counter
)

// initMetrics wires an otel meter provider into the prometheus default
// registry, which promhttp serves at /metrics.
func initMetrics() error {
	exporter, err := otelprom.New()
	if err != nil {
		return err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(multichess.Service)
	if gamesCreated, err = meter.Int64Counter("games_created_total",
		metric.WithDescription("Games created")); err != nil {
		return err
	}
	if movesAccepted, err = meter.Int64Counter("moves_accepted_total",
		metric.WithDescription("Moves accepted and committed")); err != nil {
		return err
	}
	if movesRejected, err = meter.Int64Counter("moves_rejected_total",
		metric.WithDescription("Moves rejected before commit")); err != nil {
		return err
	}

	return nil
}

// countOne tolerates a nil counter so handlers work before initMetrics runs
// (tests exercise handlers directly).
func countOne(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}
