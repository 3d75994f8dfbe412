// Package telemetry wires OpenTelemetry tracing and metrics for estimatord.
//
// New installs global tracer and meter providers exporting over OTLP (gRPC or
// HTTP). Telemetry is off by default. When an exporter cannot be created the
// service keeps running with no-op providers and Degraded reports why.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
