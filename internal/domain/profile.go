package domain

import (
	"fmt"
	"time"
)

// AlertCategory identifies the condition class that produced an alert.
// Each category has its own toggle on the monitoring profile and its own
// rate-limit window.
type AlertCategory string

const (
	CategoryScoreBand      AlertCategory = "score_band"
	CategoryScoreDrift     AlertCategory = "score_drift"
	CategoryPaymentDelay   AlertCategory = "payment_delay"
	CategoryOverdueBalance AlertCategory = "overdue_balance"
	CategoryNewReference   AlertCategory = "new_reference"
	CategoryNewPayment     AlertCategory = "new_payment"
	CategoryNewScore       AlertCategory = "new_score"
	CategoryProfileChange  AlertCategory = "profile_change"
	CategoryCustom         AlertCategory = "custom"
)

// AllCategories lists every known alert category, used for toggle validation.
var AllCategories = []AlertCategory{
	CategoryScoreBand,
	CategoryScoreDrift,
	CategoryPaymentDelay,
	CategoryOverdueBalance,
	CategoryNewReference,
	CategoryNewPayment,
	CategoryNewScore,
	CategoryProfileChange,
	CategoryCustom,
}

// NotificationFrequency governs whether alerts dispatch immediately or
// batch on a cadence.
type NotificationFrequency string

const (
	FrequencyImmediate NotificationFrequency = "immediate"
	FrequencyDaily     NotificationFrequency = "daily"
	FrequencyWeekly    NotificationFrequency = "weekly"
)

// Window returns the rate-limit/batch window for the frequency. Immediate
// frequency has no window.
func (f NotificationFrequency) Window() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Channels holds the delivery channel flags carried through to the
// notification layer. Kestrel never dispatches itself.
type Channels struct {
	Email bool `json:"email"`
	SMS   bool `json:"sms"`
	InApp bool `json:"inApp"`
}

// MonitoringProfile is the per-business subscription: thresholds,
// category toggles, channel flags, frequency, and rolling evaluation
// state. The rolling state commits atomically via the Version column.
type MonitoringProfile struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	BusinessID string `json:"businessId"`

	// Thresholds
	ScoreFloor       int     `json:"scoreFloor"`
	ScoreCeiling     int     `json:"scoreCeiling"`
	ScoreDrift       int     `json:"scoreDrift"`       // minimum |delta| to alert
	PaymentDelayDays int     `json:"paymentDelayDays"` // days overdue to alert
	OverdueAmount    float64 `json:"overdueAmount"`    // balance floor to alert

	// Enabled alert categories
	Categories []AlertCategory `json:"categories"`

	// Optional CEL expression evaluated against every observation,
	// e.g. "score < 500 && overdue_amount > 10000.0".
	CustomCondition string `json:"customCondition,omitempty"`

	Channels  Channels              `json:"channels"`
	Frequency NotificationFrequency `json:"frequency"`

	// Rolling state. LastCheckAt updates on every evaluation;
	// LastAlertAt, TotalAlertsSent and LastCreditScore only move
	// together, when an alert is actually emitted.
	LastCheckAt     time.Time  `json:"lastCheckAt"`
	LastAlertAt     *time.Time `json:"lastAlertAt,omitempty"`
	TotalAlertsSent int        `json:"totalAlertsSent"`
	LastCreditScore *int       `json:"lastCreditScore,omitempty"`

	// Version backs the compare-and-swap commit.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Enabled reports whether the category toggle is on.
func (p *MonitoringProfile) Enabled(cat AlertCategory) bool {
	for _, c := range p.Categories {
		if c == cat {
			return true
		}
	}
	return false
}

// Validate checks threshold consistency at profile creation. Malformed
// thresholds fail with ErrConfiguration and the profile is not persisted.
func (p *MonitoringProfile) Validate() error {
	if p.BusinessID == "" {
		return fmt.Errorf("%w: businessId is required", ErrConfiguration)
	}
	if p.ScoreFloor > p.ScoreCeiling {
		return fmt.Errorf("%w: score floor %d exceeds ceiling %d", ErrConfiguration, p.ScoreFloor, p.ScoreCeiling)
	}
	if p.ScoreFloor < ScoreMin || p.ScoreCeiling > ScoreMax {
		return fmt.Errorf("%w: score band [%d,%d] outside [%d,%d]", ErrConfiguration, p.ScoreFloor, p.ScoreCeiling, ScoreMin, ScoreMax)
	}
	if p.ScoreDrift < 0 || p.PaymentDelayDays < 0 || p.OverdueAmount < 0 {
		return fmt.Errorf("%w: thresholds must be non-negative", ErrConfiguration)
	}
	switch p.Frequency {
	case FrequencyImmediate, FrequencyDaily, FrequencyWeekly:
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrConfiguration, p.Frequency)
	}
	for _, c := range p.Categories {
		if !knownCategory(c) {
			return fmt.Errorf("%w: unknown alert category %q", ErrConfiguration, c)
		}
	}
	return nil
}

func knownCategory(cat AlertCategory) bool {
	for _, c := range AllCategories {
		if c == cat {
			return true
		}
	}
	return false
}
