package backend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus counters for the dispatcher. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	framesTotal   *prometheus.CounterVec
	commandsTotal *prometheus.CounterVec
}

// MetricsConfig provides configuration options for the metrics collector.
type MetricsConfig struct {
	// Registry is the Prometheus registry to use. If nil, uses
	// prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// Namespace for metrics (default: "imaged").
	Namespace string
}

// NewMetrics creates a collector on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(MetricsConfig{})
}

// NewMetricsWithConfig creates a collector with custom configuration.
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}
	if config.Namespace == "" {
		config.Namespace = "imaged"
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		framesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "frames_total",
				Help:      "Inbound frames by outcome",
			},
			[]string{"outcome"},
		),
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "commands_total",
				Help:      "Dispatched commands by name and outcome",
			},
			[]string{"command", "outcome"},
		),
	}
}

func (m *Metrics) frameReceived() {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues("ok").Inc()
}

func (m *Metrics) frameSkipped() {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues("skipped").Inc()
}

func (m *Metrics) commandHandled(command string, result Result) {
	if m == nil {
		return
	}
	if command == "" {
		command = "malformed"
	}

	outcome := "error"
	switch {
	case result.Stream != nil:
		outcome = "streamed"
	case result.Response.Success:
		outcome = "ok"
	}
	m.commandsTotal.WithLabelValues(command, outcome).Inc()
}
