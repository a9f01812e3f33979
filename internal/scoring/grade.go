package scoring

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// GradeBand maps a half-open score range [Min, Max) to a grade. The
// final band's Max is exclusive, so covering the full range requires a
// Max of domain.ScoreMax+1.
type GradeBand struct {
	Min   int    `json:"min"`
	Max   int    `json:"max"`
	Grade string `json:"grade"`
}

// GradeTable classifies composite scores into ordered discrete grades.
// The band set is validated once at construction, never per call.
type GradeTable struct {
	bands []GradeBand
}

// DefaultGradeBands returns the default eight-grade band table.
func DefaultGradeBands() []GradeBand {
	return []GradeBand{
		{Min: 0, Max: 300, Grade: "D"},
		{Min: 300, Max: 400, Grade: "C"},
		{Min: 400, Max: 500, Grade: "B"},
		{Min: 500, Max: 600, Grade: "BB"},
		{Min: 600, Max: 700, Grade: "BBB"},
		{Min: 700, Max: 800, Grade: "A"},
		{Min: 800, Max: 900, Grade: "AA"},
		{Min: 900, Max: 1001, Grade: "AAA"},
	}
}

// NewGradeTable validates that the bands are ordered, gap-free, and
// cover [ScoreMin, ScoreMax] exactly. Misconfiguration fails with
// ErrConfiguration and is fatal to startup.
func NewGradeTable(bands []GradeBand) (*GradeTable, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("%w: grade table is empty", domain.ErrConfiguration)
	}
	if bands[0].Min != domain.ScoreMin {
		return nil, fmt.Errorf("%w: first grade band starts at %d, want %d", domain.ErrConfiguration, bands[0].Min, domain.ScoreMin)
	}
	for i, b := range bands {
		if b.Grade == "" {
			return nil, fmt.Errorf("%w: band %d has no grade", domain.ErrConfiguration, i)
		}
		if b.Max <= b.Min {
			return nil, fmt.Errorf("%w: band %q has empty range [%d,%d)", domain.ErrConfiguration, b.Grade, b.Min, b.Max)
		}
		if i > 0 && b.Min != bands[i-1].Max {
			return nil, fmt.Errorf("%w: gap or overlap between bands %q and %q", domain.ErrConfiguration, bands[i-1].Grade, b.Grade)
		}
	}
	last := bands[len(bands)-1]
	if last.Max != domain.ScoreMax+1 {
		return nil, fmt.Errorf("%w: last grade band ends at %d, want %d", domain.ErrConfiguration, last.Max, domain.ScoreMax+1)
	}

	table := make([]GradeBand, len(bands))
	copy(table, bands)
	return &GradeTable{bands: table}, nil
}

// Grade returns the grade whose band contains the score. Total over
// [ScoreMin, ScoreMax]; out-of-range scores are clamped first.
func (t *GradeTable) Grade(score int) string {
	score = clamp(score)
	for _, b := range t.bands {
		if score >= b.Min && score < b.Max {
			return b.Grade
		}
	}
	// Unreachable after validation.
	return t.bands[len(t.bands)-1].Grade
}

// Bands returns a copy of the configured bands.
func (t *GradeTable) Bands() []GradeBand {
	out := make([]GradeBand, len(t.bands))
	copy(out, t.bands)
	return out
}
