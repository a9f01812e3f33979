package domain

import "time"

// ObservationKind tags the variant of a monitoring observation. The
// evaluator matches exhaustively on it.
type ObservationKind string

const (
	ObservationNewScore      ObservationKind = "new_score"
	ObservationNewPayment    ObservationKind = "new_payment"
	ObservationOverdue       ObservationKind = "overdue"
	ObservationNewReference  ObservationKind = "new_reference"
	ObservationProfileChange ObservationKind = "profile_change"
)

// Observation is one fresh fact about a business fed into the monitoring
// evaluator. Exactly one evaluation runs per observation.
type Observation struct {
	Kind       ObservationKind `json:"kind"`
	TenantID   string          `json:"tenantId"`
	BusinessID string          `json:"businessId"`

	// Populated for ObservationNewScore.
	Score *ScoreResult `json:"score,omitempty"`

	// Populated for ObservationNewPayment.
	PaymentDelayDays int `json:"paymentDelayDays,omitempty"`

	// Populated for ObservationOverdue.
	OverdueAmount float64 `json:"overdueAmount,omitempty"`

	// Reference to the triggering entity (payment id, trade reference
	// id, score result id).
	RelatedEntityID string `json:"relatedEntityId,omitempty"`

	ObservedAt time.Time `json:"observedAt"`
}

// KnownKind reports whether the observation kind is one the evaluator
// understands.
func (o *Observation) KnownKind() bool {
	switch o.Kind {
	case ObservationNewScore, ObservationNewPayment, ObservationOverdue,
		ObservationNewReference, ObservationProfileChange:
		return true
	}
	return false
}
