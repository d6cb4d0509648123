// Package observability provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the agent host. All components accept these
// primitives explicitly; there are no package-level singletons.
package observability
