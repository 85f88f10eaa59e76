// Package prometheus wires kachery's cache-hit/miss, remote check, and
// remote download counters (store/localcache, remote) to a host-embeddable
// Prometheus registry, with no HTTP /metrics endpoint of its own — the
// registry is handed back for the embedding process to serve however it
// likes.
package prometheus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"

	promclient "github.com/prometheus/client_golang/prometheus"
	prometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Setup installs a Prometheus-backed meter provider as the OTel global and
// returns the registry it feeds (a promclient.Gatherer) along with a
// shutdown function.
func Setup(ctx context.Context, res *resource.Resource) (promclient.Gatherer, func(context.Context) error, error) {
	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	return registry, meterProvider.Shutdown, nil
}
