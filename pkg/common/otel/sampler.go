package otel

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// endpointExcluder samples based on a probability but never samples spans for
// endpoints in its exclusion set, like health checks.
type endpointExcluder struct {
	endpoints map[string]struct{}
	sampler   sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints: endpoints,
		sampler:   sdktrace.TraceIDRatioBased(probability),
	}
}

// ShouldSample implements the sampler interface.
func (ee endpointExcluder) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		if attr.Key == "http.target" {
			if _, exists := ee.endpoints[attr.Value.AsString()]; exists {
				return sdktrace.SamplingResult{Decision: sdktrace.Drop}
			}
		}
	}

	return ee.sampler.ShouldSample(params)
}

// Description implements the sampler interface.
func (ee endpointExcluder) Description() string {
	return "endpointExcluder"
}
