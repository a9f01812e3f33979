package scoring

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scorer runs the full scoring pipeline: composite aggregation, grade
// and risk classification, and credit limit recommendation. All steps
// are pure; the Scorer performs no I/O.
type Scorer struct {
	calculator *Calculator
	grades     *GradeTable
	risk       *RiskTable
	validity   time.Duration
	now        func() time.Time
}

// NewScorer builds a scorer from validated parts. Validity is the score
// result's trust window.
func NewScorer(cfg domain.ScoringConfig) (*Scorer, error) {
	calc, err := NewCalculator(Weights{
		Financial:  cfg.WeightFinancial,
		Payment:    cfg.WeightPayment,
		Stability:  cfg.WeightStability,
		Compliance: cfg.WeightCompliance,
	})
	if err != nil {
		return nil, err
	}

	grades, err := NewGradeTable(DefaultGradeBands())
	if err != nil {
		return nil, err
	}

	risk, err := NewRiskTable(DefaultRiskThresholds())
	if err != nil {
		return nil, err
	}

	validityDays := cfg.ValidityDays
	if validityDays <= 0 {
		validityDays = 90
	}

	return &Scorer{
		calculator: calc,
		grades:     grades,
		risk:       risk,
		validity:   time.Duration(validityDays) * 24 * time.Hour,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Score produces a new immutable ScoreResult for a business.
func (s *Scorer) Score(tenantID string, req *domain.ScoreRequest) (*domain.ScoreResult, error) {
	if req.BusinessID == "" {
		return nil, fmt.Errorf("businessId is required")
	}

	composite, err := s.calculator.Composite(req.Components)
	if err != nil {
		return nil, err
	}

	now := s.now()
	return &domain.ScoreResult{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		BusinessID:       req.BusinessID,
		CompositeScore:   composite,
		Components:       req.Components,
		Grade:            s.grades.Grade(composite),
		RiskCategory:     s.risk.Categorize(composite),
		RecommendedLimit: RecommendLimit(composite, req.MonthlyTurnover),
		ComputedAt:       now,
		ValidUntil:       now.Add(s.validity),
	}, nil
}

// GradeTable exposes the configured grade bands for classification checks.
func (s *Scorer) GradeTable() *GradeTable { return s.grades }

// RiskTable exposes the configured risk thresholds.
func (s *Scorer) RiskTable() *RiskTable { return s.risk }
