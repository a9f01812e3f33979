package domain

import (
	"fmt"
	"time"
)

// Severity is the ordinal urgency of an alert, derived from breach
// magnitude relative to the threshold.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one emitted breach. Core fields are immutable once created;
// only the lifecycle fields (read/acknowledged) ever change.
type Alert struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	BusinessID string `json:"businessId"`
	ProfileID  string `json:"profileId"`

	Category AlertCategory `json:"category"`
	Severity Severity      `json:"severity"`

	// Comparison values. PreviousValue and ChangePercent are omitted
	// when there is no meaningful prior value.
	PreviousValue  *float64 `json:"previousValue,omitempty"`
	CurrentValue   float64  `json:"currentValue"`
	ThresholdValue float64  `json:"thresholdValue"`
	ChangeAmount   float64  `json:"changeAmount"`
	ChangePercent  *float64 `json:"changePercent,omitempty"`

	Message         string `json:"message,omitempty"`
	RelatedEntityID string `json:"relatedEntityId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// Lifecycle
	Read           bool       `json:"read"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	AckNotes       string     `json:"ackNotes,omitempty"`
}

// Expired reports whether the alert is past its retention window.
// Expiry is terminal: no lifecycle transition is permitted after it.
func (a *Alert) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// MarkRead transitions the alert to read. One-way; re-reading is a no-op.
func (a *Alert) MarkRead(now time.Time) error {
	if a.Expired(now) {
		return fmt.Errorf("%w: alert %s expired at %s", ErrAlertExpired, a.ID, a.ExpiresAt.Format(time.RFC3339))
	}
	if a.Read {
		return nil
	}
	a.Read = true
	t := now
	a.ReadAt = &t
	return nil
}

// Acknowledge records an explicit acknowledgment by actor. Acknowledging
// implies read; both flags commit together.
func (a *Alert) Acknowledge(now time.Time, actor, notes string) error {
	if a.Expired(now) {
		return fmt.Errorf("%w: alert %s expired at %s", ErrAlertExpired, a.ID, a.ExpiresAt.Format(time.RFC3339))
	}
	if actor == "" {
		return fmt.Errorf("acknowledging actor is required")
	}
	if a.Acknowledged {
		return nil
	}
	t := now
	if !a.Read {
		a.Read = true
		a.ReadAt = &t
	}
	a.Acknowledged = true
	a.AcknowledgedBy = actor
	a.AcknowledgedAt = &t
	a.AckNotes = notes
	return nil
}

// PendingNotification is one queued alert awaiting a periodic flush.
type PendingNotification struct {
	ID         string                `json:"id"`
	TenantID   string                `json:"tenantId"`
	AlertID    string                `json:"alertId"`
	BusinessID string                `json:"businessId"`
	ProfileID  string                `json:"profileId"`
	Severity   Severity              `json:"severity"`
	Channels   Channels              `json:"channels"`
	Cadence    NotificationFrequency `json:"cadence"`
	QueuedAt   time.Time             `json:"queuedAt"`
}

// ReadyNotification is the hand-off tuple for the external delivery
// layer. Kestrel's obligation ends here.
type ReadyNotification struct {
	AlertID    string   `json:"alertId"`
	BusinessID string   `json:"businessId"`
	Channels   Channels `json:"channels"`
	Severity   Severity `json:"severity"`
}
