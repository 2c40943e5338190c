// Package telemetry sets up OpenTelemetry tracing and metrics for the
// code agent services.
//
// Spans and metrics are exported over OTLP, grpc by default or
// http/protobuf, to a collector. Telemetry is off unless enabled:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sample_rate: 1.0
//
// Failures never stop the service. A provider that cannot start leaves the
// instance degraded and the global no-op provider in place.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
