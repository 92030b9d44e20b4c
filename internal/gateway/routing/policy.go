package routing

import (
	"github.com/mrmushfiq/llm0-router/internal/shared/config"
	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

// Policies holds the hard ceilings of each power level
type Policies map[models.PowerLevel]config.PowerLimits

// PoliciesFromConfig reads the power level ceilings from cfg
func PoliciesFromConfig(cfg *config.Config) Policies {
	return Policies{
		models.PowerEco:       cfg.Eco,
		models.PowerBalanced:  cfg.Balanced,
		models.PowerPrecision: cfg.Precision,
	}
}

// For returns the limits of level. Unknown levels get the strictest treatment: no fallback.
func (p Policies) For(level models.PowerLevel) config.PowerLimits {
	if l, ok := p[level]; ok {
		return l
	}
	return config.PowerLimits{}
}

func withinCost(l config.PowerLimits, m models.Model) bool {
	return l.MaxCostPerM.IsZero() || !m.PeakCostPerM().GreaterThan(l.MaxCostPerM)
}

func withinLatency(l config.PowerLimits, m models.Model) bool {
	return l.MaxLatencyMs <= 0 || m.AvgLatencyMs <= 0 || m.AvgLatencyMs <= l.MaxLatencyMs
}
