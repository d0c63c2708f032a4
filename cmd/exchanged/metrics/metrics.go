package metrics

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
)

// Prefix namespaces every exchanged metric.
const Prefix = "exchanged"

// Meter is the root meter for the exchanged daemon's instruments.
var Meter = metric.Must(global.Meter(Prefix))
