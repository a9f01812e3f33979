package monitor

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Trigger is one surviving breach condition handed to the generator.
type Trigger struct {
	Category        domain.AlertCategory
	Previous        *float64
	Current         float64
	Threshold       float64
	Message         string
	RelatedEntityID string
}

// Severity cut-points on the breach magnitude ratio
// |current - threshold| / threshold.
const (
	ratioCritical = 0.50
	ratioHigh     = 0.25
	ratioMedium   = 0.10
)

// Retention windows per severity. Higher severity alerts stay
// actionable longer.
var retention = map[domain.Severity]time.Duration{
	domain.SeverityCritical: 90 * 24 * time.Hour,
	domain.SeverityHigh:     60 * 24 * time.Hour,
	domain.SeverityMedium:   30 * 24 * time.Hour,
	domain.SeverityLow:      14 * 24 * time.Hour,
}

// Generator turns triggers into immutable alert records with derived
// severity and comparison values. Pure except for ID/time generation.
type Generator struct {
	now func() time.Time
}

// NewGenerator creates an alert generator.
func NewGenerator() *Generator {
	return &Generator{now: func() time.Time { return time.Now().UTC() }}
}

// Generate builds one alert for a trigger. Initial lifecycle state is
// unread, unacknowledged.
func (g *Generator) Generate(tenantID string, profile *domain.MonitoringProfile, trig Trigger) *domain.Alert {
	now := g.now()
	severity := deriveSeverity(trig.Current, trig.Threshold)

	alert := &domain.Alert{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		BusinessID:      profile.BusinessID,
		ProfileID:       profile.ID,
		Category:        trig.Category,
		Severity:        severity,
		PreviousValue:   trig.Previous,
		CurrentValue:    trig.Current,
		ThresholdValue:  trig.Threshold,
		Message:         trig.Message,
		RelatedEntityID: trig.RelatedEntityID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(retention[severity]),
	}

	if trig.Previous != nil {
		alert.ChangeAmount = trig.Current - *trig.Previous
		if *trig.Previous != 0 {
			pct := alert.ChangeAmount / *trig.Previous
			alert.ChangePercent = &pct
		}
	}

	return alert
}

// deriveSeverity maps breach magnitude relative to the threshold onto
// the ordered severity scale. Event-style triggers carry no threshold
// and rank LOW.
func deriveSeverity(current, threshold float64) domain.Severity {
	if threshold == 0 {
		return domain.SeverityLow
	}
	ratio := math.Abs(current-threshold) / math.Abs(threshold)
	switch {
	case ratio >= ratioCritical:
		return domain.SeverityCritical
	case ratio >= ratioHigh:
		return domain.SeverityHigh
	case ratio >= ratioMedium:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
