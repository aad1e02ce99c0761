package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func metricAttrs(status string) metric.AddOption {
	return metric.WithAttributes(attribute.String("status", status))
}
