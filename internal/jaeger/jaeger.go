package jaeger

import (
	"fmt"

	"go.opentelemetry.io/otel/exporters/jaeger"
)

// NewJaeger creates an exporter sending spans to the collector endpoint.
func NewJaeger(endpoint string) (*jaeger.Exporter, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(
		jaeger.WithEndpoint(endpoint),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	return exp, nil
}

func MustNewJaeger(endpoint string) *jaeger.Exporter {
	exp, err := NewJaeger(endpoint)
	if err != nil {
		panic(err)
	}

	return exp
}
