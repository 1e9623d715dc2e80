/*

This file contains the normalization of market snapshots into digests
and the similarity measure used to match them against history.

*/

package knowledge

import (
	"math"

	"github.com/elys-network/supervault/internal/types"
)

// Digest normalizes a validated snapshot into the feature vector stored with a pattern.
// Every component is clamped to [0, 1].
func Digest(s types.MarketSnapshot, params types.StrategyParameters) types.SnapshotDigest {
	apy := s.EffectiveNetAPY(0)
	return types.SnapshotDigest{
		clamp01(apy / params.MaxPlausibleAPY),
		clamp01(s.HealthFactor / params.HealthFactorScale),
		clamp01(s.Utilization),
		clamp01(s.ValidatorPerformance),
	}
}

// DigestSimilarity returns 1 minus the euclidean distance scaled by the largest possible
// distance between two digests, so identical digests score 1 and opposite corners score 0.
func DigestSimilarity(a, b types.SnapshotDigest) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return clamp01(1 - math.Sqrt(sum)/math.Sqrt(types.DigestDims))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
