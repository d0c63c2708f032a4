package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// AttrOK is a metric tag indicating a successful operation.
	AttrOK = attribute.Key("status").String("ok")
	// AttrError is a metric tag indicating a failed operation.
	AttrError = attribute.Key("status").String("error")
)

// MetricIncrCounter increments m by 1, tagged AttrOK or AttrError depending
// on err. Meant to be deferred at the top of engine operations with a named
// error return.
func MetricIncrCounter(ctx context.Context, err error, m metric.Int64Counter, labels ...attribute.KeyValue) {
	attr := AttrOK
	if err != nil {
		attr = AttrError
	}
	m.Add(ctx, 1, append(labels, attr)...)
}
