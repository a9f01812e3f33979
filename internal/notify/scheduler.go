// Package notify decides when alerts are handed to the delivery layer:
// immediately at creation, or batched on the profile's cadence.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scheduler partitions newly created alerts into immediate dispatch vs
// a per-profile pending queue, and drains the queue on flush. An alert
// passes through the scheduler exactly once.
type Scheduler struct {
	repo domain.Repository
	bus  domain.EventBus
	now  func() time.Time
}

// NewScheduler creates a notification scheduler.
func NewScheduler(repo domain.Repository, bus domain.EventBus) *Scheduler {
	return &Scheduler{
		repo: repo,
		bus:  bus,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Partition splits alerts by the profile's frequency preference.
// Immediate-frequency alerts come back as a ready-list; periodic ones
// become pending queue entries for the evaluator to commit alongside
// the alerts themselves.
func (s *Scheduler) Partition(profile *domain.MonitoringProfile, alerts []*domain.Alert) ([]*domain.ReadyNotification, []*domain.PendingNotification) {
	if len(alerts) == 0 {
		return nil, nil
	}

	if profile.Frequency == domain.FrequencyImmediate {
		ready := make([]*domain.ReadyNotification, 0, len(alerts))
		for _, a := range alerts {
			ready = append(ready, &domain.ReadyNotification{
				AlertID:    a.ID,
				BusinessID: a.BusinessID,
				Channels:   profile.Channels,
				Severity:   a.Severity,
			})
		}
		return ready, nil
	}

	now := s.now()
	pending := make([]*domain.PendingNotification, 0, len(alerts))
	for _, a := range alerts {
		pending = append(pending, &domain.PendingNotification{
			ID:         uuid.New().String(),
			TenantID:   a.TenantID,
			AlertID:    a.ID,
			BusinessID: a.BusinessID,
			ProfileID:  profile.ID,
			Severity:   a.Severity,
			Channels:   profile.Channels,
			Cadence:    profile.Frequency,
			QueuedAt:   now,
		})
	}
	return nil, pending
}

// Dispatch publishes a ready-list to the notification topic for the
// external delivery layer. Kestrel's obligation ends here; delivery
// retries belong to the consumer.
func (s *Scheduler) Dispatch(ctx context.Context, tenantID string, ready []*domain.ReadyNotification) error {
	for _, r := range ready {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}
		if err := s.bus.Publish(ctx, tenantID, domain.TopicNotificationReady, payload); err != nil {
			return fmt.Errorf("failed to publish notification for alert %s: %w", r.AlertID, err)
		}
	}
	return nil
}

// Flush drains every pending notification due at the cadence, publishes
// the ready-list, and returns it. The drain removes queue rows in the
// same transaction that reads them, so no alert is handed off twice.
func (s *Scheduler) Flush(ctx context.Context, tenantID string, cadence domain.NotificationFrequency) ([]*domain.ReadyNotification, error) {
	if cadence != domain.FrequencyDaily && cadence != domain.FrequencyWeekly {
		return nil, fmt.Errorf("flush cadence must be daily or weekly, got %q", cadence)
	}

	pending, err := s.repo.DrainPending(ctx, tenantID, cadence)
	if err != nil {
		return nil, fmt.Errorf("failed to drain pending notifications: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ready := make([]*domain.ReadyNotification, 0, len(pending))
	for _, p := range pending {
		ready = append(ready, &domain.ReadyNotification{
			AlertID:    p.AlertID,
			BusinessID: p.BusinessID,
			Channels:   p.Channels,
			Severity:   p.Severity,
		})
	}

	if err := s.Dispatch(ctx, tenantID, ready); err != nil {
		return nil, err
	}

	slog.Info("pending notifications flushed",
		"tenant_id", tenantID,
		"cadence", cadence,
		"count", len(ready),
	)

	return ready, nil
}
