package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/parleyhq/parley"

// Tracer returns the tracer used for turn, model and tool spans. It is a
// no-op until the host process installs a tracer provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
