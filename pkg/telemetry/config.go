// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the orchestrator. Everything is off by default
// except console logging; long-running agent modes turn the rest on.
package telemetry

import "time"

// Config is the full telemetry configuration.
type Config struct {
	Logging LoggingConfig
	Metrics MetricsConfig
	Tracing TracingConfig
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string

	// Format is "console" for human output or "json" for machine output.
	Format string

	// Output is "stderr", "stdout", or a file path.
	Output string
}

// MetricsConfig controls the Prometheus registry and exposition endpoint.
type MetricsConfig struct {
	Enabled bool

	// Namespace prefixes every metric name.
	Namespace string

	// Listen is the exposition address, e.g. ":9090".
	Listen string
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is "otlp", "stdout", or "none".
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string

	// Insecure disables TLS toward the collector.
	Insecure bool

	// SamplingRate is the parent-based trace ID ratio, 0..1.
	SamplingRate float64

	// ExportTimeout bounds each batch export.
	ExportTimeout time.Duration
}

// DefaultConfig returns console logging at info level with metrics and
// tracing disabled.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Namespace: "convoy",
			Listen:    ":9464",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
		},
	}
}
