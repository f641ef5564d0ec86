// Package telemetry wires OpenTelemetry tracing and metrics and the Prometheus
// collector of the gateway.
//
// Pipeline and module executions are recorded through package-level
// instruments created lazily from the global MeterProvider. Span attributes
// that could carry credentials are passed through RedactAttributes before they
// are attached.
package telemetry
