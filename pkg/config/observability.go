package config

// ObservabilityConfig holds OpenTelemetry export settings. An empty
// OTLPEndpoint leaves the no-op providers installed.
type ObservabilityConfig struct {
	// OTLPEndpoint is the OTLP/HTTP collector endpoint (host:port).
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// Insecure disables TLS to the collector (local collectors).
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRatio is the trace sampling ratio in [0, 1]. Zero means 1.0.
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`

	// ServiceName overrides the reported service.name resource attribute.
	ServiceName string `yaml:"service_name,omitempty"`
}

// Enabled reports whether an OTLP collector is configured.
func (c *ObservabilityConfig) Enabled() bool {
	return c != nil && c.OTLPEndpoint != ""
}
