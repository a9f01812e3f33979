package domain

import (
	"time"
)

// Composite score bounds. Every score produced by the engine lands in
// [ScoreMin, ScoreMax].
const (
	ScoreMin = 0
	ScoreMax = 1000
)

// RiskCategory is the ordinal risk tier derived from the composite score.
type RiskCategory string

const (
	RiskLow      RiskCategory = "LOW"
	RiskMedium   RiskCategory = "MEDIUM"
	RiskHigh     RiskCategory = "HIGH"
	RiskVeryHigh RiskCategory = "VERY_HIGH"
)

// ComponentScores holds the four weighted sub-scores for a business.
// A nil component means the data source is unavailable; the calculator
// renormalizes the remaining weights rather than scoring it as zero.
type ComponentScores struct {
	Financial  *float64 `json:"financial,omitempty"`
	Payment    *float64 `json:"payment,omitempty"`
	Stability  *float64 `json:"stability,omitempty"`
	Compliance *float64 `json:"compliance,omitempty"`
}

// ScoreResult is the immutable output of one scoring run. A new request
// always produces a new record; prior results are retained for trend and
// delta computation, never mutated.
type ScoreResult struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	BusinessID string `json:"businessId"`

	CompositeScore int             `json:"compositeScore"`
	Components     ComponentScores `json:"components"`

	Grade            string       `json:"grade"`
	RiskCategory     RiskCategory `json:"riskCategory"`
	RecommendedLimit float64      `json:"recommendedLimit"`

	// Validity window
	ComputedAt time.Time `json:"computedAt"`
	ValidUntil time.Time `json:"validUntil"`
}

// Valid reports whether the result is still inside its validity window.
func (s *ScoreResult) Valid(now time.Time) bool {
	return !now.After(s.ValidUntil)
}

// ScoreRequest is the API request payload for score computation.
type ScoreRequest struct {
	BusinessID      string          `json:"businessId"`
	Components      ComponentScores `json:"components"`
	MonthlyTurnover float64         `json:"monthlyTurnover"`
}

// ScoreSnapshot is the lean cached view of a business's latest score,
// kept hot for monitoring evaluation.
type ScoreSnapshot struct {
	BusinessID string       `json:"businessId"`
	Score      int          `json:"score"`
	Grade      string       `json:"grade"`
	Risk       RiskCategory `json:"risk"`
	ComputedAt string       `json:"computedAt"`
}
