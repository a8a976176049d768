package reward

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name    string
		metrics RouteMetrics
		want    float64
	}{
		{
			name: "perfect route with moderate latency",
			metrics: RouteMetrics{
				SuccessRate:         0.95,
				LatencyMS:           500,
				SchemaCompatibility: 1.0,
				Hops:                0,
				DataLoss:            0,
			},
			want: 7.5, // 5.0 tier + 0.5 latency + 2.0 schema
		},
		{
			name: "good route with hop penalty",
			metrics: RouteMetrics{
				SuccessRate:         0.85,
				LatencyMS:           1000,
				SchemaCompatibility: 0.5,
				Hops:                3,
				DataLoss:            0,
			},
			want: 4.0 + 0 + 1.0 - 0.2,
		},
		{
			name: "failing route goes negative",
			metrics: RouteMetrics{
				SuccessRate: 0.1,
				LatencyMS:   2000,
			},
			want: -3.5,
		},
		{
			name: "data loss dominates",
			metrics: RouteMetrics{
				SuccessRate: 0.7,
				LatencyMS:   1500,
				DataLoss:    1.0,
			},
			want: 3.0 - 2.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Route(tt.metrics), 1e-9)
		})
	}
}

func TestRoute_TierBoundaries(t *testing.T) {
	// Latency high enough to zero the bonus, no other modifiers.
	at := func(rate float64) float64 {
		return Route(RouteMetrics{SuccessRate: rate, LatencyMS: 1000})
	}

	assert.Equal(t, 5.0, at(1.0))
	assert.Equal(t, 5.0, at(0.95))
	assert.Equal(t, 4.0, at(0.94))
	assert.Equal(t, 4.0, at(0.8))
	assert.Equal(t, 3.0, at(0.6))
	assert.Equal(t, 1.0, at(0.4))
	assert.Equal(t, 0.5, at(0.2))
	assert.Equal(t, -3.5, at(0.19))
}

func TestAdaptation(t *testing.T) {
	t.Run("failure short-circuits", func(t *testing.T) {
		m := AdaptationMetrics{
			Success:              false,
			DataPreservationRate: 1.0,
			AdaptationTimeMS:     0,
		}
		assert.Equal(t, -2.0, Adaptation(m))
	})

	t.Run("lossless and fast", func(t *testing.T) {
		m := AdaptationMetrics{
			Success:              true,
			DataPreservationRate: 1.0,
			AdaptationTimeMS:     50,
			Complexity:           3,
		}
		// 5.0 tier + 0.5 time bonus, no complexity penalty below 5
		assert.InDelta(t, 5.5, Adaptation(m), 1e-9)
	})

	t.Run("complexity penalty", func(t *testing.T) {
		m := AdaptationMetrics{
			Success:              true,
			DataPreservationRate: 0.9,
			AdaptationTimeMS:     200,
			Complexity:           8,
		}
		// 3.0 tier + 0 time bonus - 0.3 penalty
		assert.InDelta(t, 2.7, Adaptation(m), 1e-9)
	})

	t.Run("lossy adaptation bottoms out at 0.5 tier", func(t *testing.T) {
		m := AdaptationMetrics{
			Success:              true,
			DataPreservationRate: 0.1,
			AdaptationTimeMS:     1000,
		}
		assert.InDelta(t, 0.5, Adaptation(m), 1e-9)
	})
}

func TestSelection(t *testing.T) {
	t.Run("incomplete task is always -3", func(t *testing.T) {
		m := SelectionMetrics{
			TaskCompletion: false,
			EfficiencyScore: 1.0,
			ModulesUsed:    1,
		}
		assert.Equal(t, -3.0, Selection(m))
	})

	t.Run("efficient single-module completion", func(t *testing.T) {
		m := SelectionMetrics{
			TaskCompletion: true,
			EfficiencyScore: 0.9,
			ModulesUsed:    1,
			TotalLatencyMS: 2500,
		}
		// 3.0 + 1.8 + 0.9 - 0.5
		assert.InDelta(t, 5.2, Selection(m), 1e-9)
	})

	t.Run("latency penalty caps at 2.0", func(t *testing.T) {
		m := SelectionMetrics{
			TaskCompletion: true,
			TotalLatencyMS: 60000,
			ModulesUsed:    10,
		}
		// 3.0 + 0 + 0 - 2.0
		assert.InDelta(t, 1.0, Selection(m), 1e-9)
	})
}

func TestDeterminism(t *testing.T) {
	m := RouteMetrics{SuccessRate: 0.77, LatencyMS: 333, SchemaCompatibility: 0.4, Hops: 2, DataLoss: 0.05}
	first := Route(m)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Route(m))
	}
}
