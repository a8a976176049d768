// Package reward scores routing, adaptation, and module-selection outcomes.
//
// All calculators are pure functions over a metrics record. The same metrics
// always produce the same scalar, which keeps the selector's policy updates
// reproducible and lets offline replay recompute rewards from logged outcomes.
package reward

// RouteMetrics describes the outcome of routing a task through a module chain.
type RouteMetrics struct {
	SuccessRate         float64 `json:"success_rate"`         // 0.0-1.0
	LatencyMS           float64 `json:"latency_ms"`           // end-to-end latency
	SchemaCompatibility float64 `json:"schema_compatibility"` // 0.0-1.0
	Hops                int     `json:"hops"`                 // modules traversed
	DataLoss            float64 `json:"data_loss"`            // 0.0-1.0 fraction lost
}

// AdaptationMetrics describes the outcome of a schema adaptation step.
type AdaptationMetrics struct {
	Success              bool    `json:"success"`
	DataPreservationRate float64 `json:"data_preservation_rate"` // 0.0-1.0
	AdaptationTimeMS     float64 `json:"adaptation_time_ms"`
	Complexity           float64 `json:"complexity"` // transform depth estimate
}

// SelectionMetrics describes the outcome of a module-selection decision.
type SelectionMetrics struct {
	TaskCompletion  bool    `json:"task_completion"`
	EfficiencyScore float64 `json:"efficiency_score"` // 0.0-1.0
	ModulesUsed     int     `json:"modules_used"`
	TotalLatencyMS  float64 `json:"total_latency_ms"`
}

// Route scores a routing outcome. The base reward is tiered on success rate;
// bonuses reward low latency and schema compatibility, penalties punish extra
// hops and data loss.
func Route(m RouteMetrics) float64 {
	var tier float64
	switch {
	case m.SuccessRate >= 0.95:
		tier = 5.0
	case m.SuccessRate >= 0.8:
		tier = 4.0
	case m.SuccessRate >= 0.6:
		tier = 3.0
	case m.SuccessRate >= 0.4:
		tier = 1.0
	case m.SuccessRate >= 0.2:
		tier = 0.5
	default:
		tier = -3.5
	}

	latencyBonus := maxf(0, 1-m.LatencyMS/1000)
	schemaBonus := m.SchemaCompatibility * 2.0
	hopPenalty := 0.1 * maxf(0, float64(m.Hops-1))
	dataLossPenalty := 2.0 * m.DataLoss

	return tier + latencyBonus + schemaBonus - hopPenalty - dataLossPenalty
}

// Adaptation scores a schema-adaptation outcome. A failed adaptation is
// always -2.0 regardless of the remaining metrics.
func Adaptation(m AdaptationMetrics) float64 {
	if !m.Success {
		return -2.0
	}

	var tier float64
	switch {
	case m.DataPreservationRate >= 0.95:
		tier = 5.0
	case m.DataPreservationRate >= 0.8:
		tier = 3.0
	case m.DataPreservationRate >= 0.6:
		tier = 1.0
	default:
		tier = 0.5
	}

	timeBonus := maxf(0, 1-m.AdaptationTimeMS/100)
	complexityPenalty := 0.1 * maxf(0, m.Complexity-5)

	return tier + timeBonus - complexityPenalty
}

// Selection scores a module-selection outcome. An incomplete task is always
// -3.0 regardless of the remaining metrics.
func Selection(m SelectionMetrics) float64 {
	if !m.TaskCompletion {
		return -3.0
	}

	base := 3.0
	efficiencyBonus := m.EfficiencyScore * 2.0
	moduleBonus := maxf(0, 1-float64(m.ModulesUsed)/10)
	latencyPenalty := minf(2.0, m.TotalLatencyMS/5000)

	return base + efficiencyBonus + moduleBonus - latencyPenalty
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
