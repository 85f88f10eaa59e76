package kachery

import (
	"context"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/scratchrealm/kachery/pkg/prometheus"
)

// Version is the facade's reported service version, overridable with
// -ldflags by whatever binary embeds the package (cmd/kachery does).
//
//nolint:gochecknoglobals
var Version = "dev"

// metricsResource builds the OTel resource identifying this process's
// metrics. Unlike a long-lived server, kachery runs embedded inside
// whatever process imports it, so host/container/OS discovery would mostly
// describe the embedder rather than kachery itself. The resource carries
// the service name and version, attributes from OTEL_RESOURCE_ATTRIBUTES,
// the process PID, and the Go runtime version, the discriminator that
// explains cache behavior differences (e.g. a GOMAXPROCS change shifting
// dirmanifest's walk concurrency) across otherwise-identical deployments.
func metricsResource(ctx context.Context) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("kachery"),
			semconv.ServiceVersionKey.String(Version),
		),
		resource.WithFromEnv(),
		resource.WithProcessPID(),
		resource.WithProcessRuntimeVersion(),
	)
}

// SetupMetrics installs a Prometheus-backed OTel meter provider as the
// process global and returns the registry feeding it (a
// promclient.Gatherer), so a host process can scrape kachery's
// cache-hit/miss, remote check, and remote download counters without kachery running
// an HTTP server of its own. Call once per process; the returned shutdown
// function flushes and detaches the meter provider.
func SetupMetrics(ctx context.Context) (promclient.Gatherer, func(context.Context) error, error) {
	res, err := metricsResource(ctx)
	if err != nil {
		return nil, nil, err
	}

	return prometheus.Setup(ctx, res)
}
