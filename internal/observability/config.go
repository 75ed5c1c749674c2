// Package observability wires OpenTelemetry traces and metrics for livefeed.
// Metrics cover the connection manager and the debug HTTP server; traces cover
// the debug HTTP server.
package observability

import "fmt"

// Exporter names.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ServiceVersion is reported on every exported resource.
var ServiceVersion = "dev"

// Config holds OpenTelemetry configuration.
type Config struct {
	// Exporter is none, stdout, or otlp.
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string

	ServiceName string

	// SampleRate is the trace sampling ratio, 0.0 to 1.0.
	SampleRate float64

	MetricsEnabled bool
	TracesEnabled  bool
}

// NewConfig returns default configuration.
func NewConfig() *Config {
	return &Config{
		Exporter:    ExporterNone,
		Endpoint:    "localhost:4317",
		ServiceName: "livefeed",
		SampleRate:  0.1,
	}
}

// ShouldEnable reports whether an exporter is configured.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != "" && c.Exporter != ExporterNone
}

// Validate rejects unknown exporters and out of range sample rates.
func (c *Config) Validate() error {
	switch c.Exporter {
	case "", ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("unknown exporter: %s", c.Exporter)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate %v out of range [0,1]", c.SampleRate)
	}
	return nil
}
