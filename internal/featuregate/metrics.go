package featuregate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ToggleAttempts counts runtime toggle attempts by outcome.
	ToggleAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "manualrag",
			Subsystem: "featuregate",
			Name:      "toggle_attempts_total",
			Help:      "Runtime feature toggle attempts by flag and outcome",
		},
		[]string{"flag", "outcome"},
	)

	// FlagState exposes the process-wide value of each flag.
	FlagState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "manualrag",
			Subsystem: "featuregate",
			Name:      "flag_enabled",
			Help:      "Process-wide flag value (1 enabled, 0 disabled); tenant overrides excluded",
		},
		[]string{"flag"},
	)
)
