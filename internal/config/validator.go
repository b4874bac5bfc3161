package config

import (
	"github.com/FerroO2000/uniring/internal"
)

// Validator is an utility struct for validating a configuration.
type Validator struct {
	tel *internal.Telemetry

	anomalyCollector *AnomalyCollector
}

// NewValidator returns a new validator.
func NewValidator(tel *internal.Telemetry) *Validator {
	return &Validator{
		tel: tel,

		anomalyCollector: newAnomalyCollector(),
	}
}

// Validate validates the given configuration.
// It returns the number of fields that fell back to their default.
func (m *Validator) Validate(config Config) int {
	config.Validate(m.anomalyCollector)

	count := 0
	for anomaly := range m.anomalyCollector.iter() {
		m.handleAnomaly(anomaly)
		count++
	}

	m.anomalyCollector.reset()

	return count
}

func (m *Validator) handleAnomaly(an *anomaly) {
	m.tel.LogWarn("config anomaly",
		"field", an.field, "reason", an.reason,
		"actual", an.actual, "fallback", an.fallback)
}
