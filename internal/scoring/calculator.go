// Package scoring implements composite credit score calculation,
// grade/risk classification, and credit limit recommendation.
package scoring

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Weights holds the component weights for composite scoring.
// They must sum to 1.0.
type Weights struct {
	Financial  float64
	Payment    float64
	Stability  float64
	Compliance float64
}

// DefaultWeights returns the default component weighting.
func DefaultWeights() Weights {
	return Weights{
		Financial:  0.35,
		Payment:    0.35,
		Stability:  0.20,
		Compliance: 0.10,
	}
}

const weightTolerance = 1e-9

// Calculator combines weighted component sub-scores into one composite
// score. Pure; safe for concurrent use.
type Calculator struct {
	weights Weights
}

// NewCalculator validates the weights and returns a calculator.
func NewCalculator(w Weights) (*Calculator, error) {
	if w.Financial < 0 || w.Payment < 0 || w.Stability < 0 || w.Compliance < 0 {
		return nil, fmt.Errorf("%w: component weights must be non-negative", domain.ErrConfiguration)
	}
	sum := w.Financial + w.Payment + w.Stability + w.Compliance
	if math.Abs(sum-1.0) > weightTolerance {
		return nil, fmt.Errorf("%w: component weights sum to %v, want 1.0", domain.ErrConfiguration, sum)
	}
	return &Calculator{weights: w}, nil
}

// Composite computes the weighted composite score from the present
// components. Missing components are excluded and the remaining weights
// renormalized to sum to 1.0, so a business is not punished for lacking
// one data source. Returns ErrIncompleteInput when every component is
// absent. The result is rounded and clamped to [0, 1000].
func (c *Calculator) Composite(components domain.ComponentScores) (int, error) {
	type part struct {
		value  float64
		weight float64
	}

	var parts []part
	if components.Financial != nil {
		parts = append(parts, part{*components.Financial, c.weights.Financial})
	}
	if components.Payment != nil {
		parts = append(parts, part{*components.Payment, c.weights.Payment})
	}
	if components.Stability != nil {
		parts = append(parts, part{*components.Stability, c.weights.Stability})
	}
	if components.Compliance != nil {
		parts = append(parts, part{*components.Compliance, c.weights.Compliance})
	}

	if len(parts) == 0 {
		return 0, domain.ErrIncompleteInput
	}

	var weightSum float64
	for _, p := range parts {
		weightSum += p.weight
	}
	if weightSum <= 0 {
		return 0, fmt.Errorf("%w: present components carry zero total weight", domain.ErrConfiguration)
	}

	var composite float64
	for _, p := range parts {
		composite += p.value * (p.weight / weightSum)
	}

	return clamp(int(math.Round(composite))), nil
}

func clamp(score int) int {
	if score < domain.ScoreMin {
		return domain.ScoreMin
	}
	if score > domain.ScoreMax {
		return domain.ScoreMax
	}
	return score
}
