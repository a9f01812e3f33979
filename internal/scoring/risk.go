package scoring

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RiskThreshold maps a score floor to a risk category: a score at or
// above Floor (and below the previous threshold's floor) lands in Category.
type RiskThreshold struct {
	Floor    int                 `json:"floor"`
	Category domain.RiskCategory `json:"category"`
}

// RiskTable classifies composite scores into one of the four ordinal
// risk tiers. Independent of the grade table but required to stay
// monotonically consistent with it.
type RiskTable struct {
	thresholds []RiskThreshold
}

// DefaultRiskThresholds returns the default risk tier floors.
func DefaultRiskThresholds() []RiskThreshold {
	return []RiskThreshold{
		{Floor: 750, Category: domain.RiskLow},
		{Floor: 600, Category: domain.RiskMedium},
		{Floor: 450, Category: domain.RiskHigh},
		{Floor: 0, Category: domain.RiskVeryHigh},
	}
}

// NewRiskTable validates that the thresholds are strictly descending,
// end at the score floor, and carry distinct categories.
func NewRiskTable(thresholds []RiskThreshold) (*RiskTable, error) {
	if len(thresholds) == 0 {
		return nil, fmt.Errorf("%w: risk table is empty", domain.ErrConfiguration)
	}
	seen := make(map[domain.RiskCategory]bool, len(thresholds))
	for i, th := range thresholds {
		if i > 0 && th.Floor >= thresholds[i-1].Floor {
			return nil, fmt.Errorf("%w: risk floors must be strictly descending", domain.ErrConfiguration)
		}
		if seen[th.Category] {
			return nil, fmt.Errorf("%w: duplicate risk category %s", domain.ErrConfiguration, th.Category)
		}
		seen[th.Category] = true
	}
	if thresholds[len(thresholds)-1].Floor != domain.ScoreMin {
		return nil, fmt.Errorf("%w: last risk floor must be %d", domain.ErrConfiguration, domain.ScoreMin)
	}

	table := make([]RiskThreshold, len(thresholds))
	copy(table, thresholds)
	return &RiskTable{thresholds: table}, nil
}

// Categorize returns the risk tier for a score. Higher scores never map
// to a worse tier than lower scores.
func (t *RiskTable) Categorize(score int) domain.RiskCategory {
	score = clamp(score)
	for _, th := range t.thresholds {
		if score >= th.Floor {
			return th.Category
		}
	}
	return t.thresholds[len(t.thresholds)-1].Category
}
