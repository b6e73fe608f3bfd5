// Package observability turns the structured records emitted by the publisher,
// dispatcher and saga coordinator into logs, OpenTelemetry metrics and Prometheus
// metrics, and propagates trace context through message headers.
package observability
