package config

import "strings"

// ObservabilityConfig groups metrics configuration.
type ObservabilityConfig struct {
	Metrics ObservabilityMetricsConfig
}

// ObservabilityMetricsConfig contains StatsD metrics configuration.
type ObservabilityMetricsConfig struct {
	// Enabled toggles metric emission.
	Enabled bool `env:"METRICS_ENABLED" envDefault:"false"`

	// StatsdAddress is the UDP host:port of a StatsD-compatible sink.
	StatsdAddress string `env:"METRICS_STATSD_ADDRESS" envDefault:""`

	// Prefix is prepended to every metric name.
	Prefix string `env:"METRICS_PREFIX" envDefault:"graphrelay"`
}

// IsEnabled reports whether metrics should be emitted.
func (m ObservabilityMetricsConfig) IsEnabled() bool {
	return m.Enabled && strings.TrimSpace(m.StatsdAddress) != ""
}

// Sanitize applies guardrails to observability configuration values.
func (o *ObservabilityConfig) Sanitize() {
	o.Metrics.Prefix = strings.Trim(strings.TrimSpace(o.Metrics.Prefix), ".")
}
