package monitor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/repository"
)

const testTenant = "tenant-001"

func newTestEvaluator(t *testing.T) (*Evaluator, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cacheImpl := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	conditions, err := NewConditionEngine()
	if err != nil {
		t.Fatalf("failed to create condition engine: %v", err)
	}

	scheduler := notify.NewScheduler(repo, eventBus)
	return NewEvaluator(repo, cacheImpl, conditions, NewGenerator(), scheduler), repo
}

func createTestProfile(t *testing.T, repo domain.Repository, mutate func(*domain.MonitoringProfile)) *domain.MonitoringProfile {
	t.Helper()

	now := time.Now().UTC()
	profile := &domain.MonitoringProfile{
		ID:           uuid.New().String(),
		TenantID:     testTenant,
		BusinessID:   "biz-" + uuid.New().String()[:8],
		ScoreFloor:   400,
		ScoreCeiling: 950,
		ScoreDrift:   50,
		Categories:   []domain.AlertCategory{domain.CategoryScoreDrift},
		Frequency:    domain.FrequencyImmediate,
		Channels:     domain.Channels{InApp: true},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if mutate != nil {
		mutate(profile)
	}
	if err := repo.CreateProfile(context.Background(), testTenant, profile); err != nil {
		t.Fatalf("failed to create profile: %v", err)
	}
	return profile
}

func scoreObservation(businessID string, score int) *domain.Observation {
	return &domain.Observation{
		Kind:       domain.ObservationNewScore,
		TenantID:   testTenant,
		BusinessID: businessID,
		Score: &domain.ScoreResult{
			ID:             uuid.New().String(),
			TenantID:       testTenant,
			BusinessID:     businessID,
			CompositeScore: score,
			Grade:          "BBB",
			RiskCategory:   domain.RiskMedium,
			ComputedAt:     time.Now().UTC(),
			ValidUntil:     time.Now().UTC().Add(90 * 24 * time.Hour),
		},
		ObservedAt: time.Now().UTC(),
	}
}

func TestEvaluatorDriftBreach(t *testing.T) {
	evaluator, repo := newTestEvaluator(t)
	ctx := context.Background()

	prev := 750
	profile := createTestProfile(t, repo, func(p *domain.MonitoringProfile) {
		p.LastCreditScore = &prev
	})

	outcome, err := evaluator.Evaluate(ctx, testTenant, scoreObservation(profile.BusinessID, 690))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if len(outcome.Alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(outcome.Alerts))
	}

	alert := outcome.Alerts[0]
	if alert.Category != domain.CategoryScoreDrift {
		t.Errorf("expected score_drift, got %s", alert.Category)
	}
	if alert.PreviousValue == nil || *alert.PreviousValue != 750 {
		t.Errorf("expected previousValue 750, got %v", alert.PreviousValue)
	}
	if alert.CurrentValue != 690 {
		t.Errorf("expected currentValue 690, got %.0f", alert.CurrentValue)
	}
	if alert.ChangeAmount != -60 {
		t.Errorf("expected changeAmount -60, got %.0f", alert.ChangeAmount)
	}

	// Rolling state moved together.
	committed := outcome.Profile
	if committed.LastCreditScore == nil || *committed.LastCreditScore != 690 {
		t.Errorf("expected lastCreditScore 690, got %v", committed.LastCreditScore)
	}
	if committed.TotalAlertsSent != 1 {
		t.Errorf("expected totalAlertsSent 1, got %d", committed.TotalAlertsSent)
	}
	if committed.LastAlertAt == nil {
		t.Error("expected lastAlertAt set")
	}
	if committed.Version != profile.Version+1 {
		t.Errorf("expected version %d, got %d", profile.Version+1, committed.Version)
	}

	// Immediate frequency: ready-list carries the alert.
	if len(outcome.Immediate) != 1 {
		t.Errorf("expected 1 immediate notification, got %d", len(outcome.Immediate))
	}

	// Alert is persisted.
	stored, err := repo.GetAlert(ctx, testTenant, alert.ID)
	if err != nil {
		t.Fatalf("alert not persisted: %v", err)
	}
	if stored.Category != domain.CategoryScoreDrift {
		t.Errorf("persisted category mismatch: %s", stored.Category)
	}
}

func TestEvaluatorReplayIdempotence(t *testing.T) {
	evaluator, repo := newTestEvaluator(t)
	ctx := context.Background()

	prev := 750
	profile := createTestProfile(t, repo, func(p *domain.MonitoringProfile) {
		p.LastCreditScore = &prev
	})

	first, err := evaluator.Evaluate(ctx, testTenant, scoreObservation(profile.BusinessID, 690))
	if err != nil {
		t.Fatalf("first Evaluate failed: %v", err)
	}
	if len(first.Alerts) != 1 {
		t.Fatalf("expected 1 alert on first pass, got %d", len(first.Alerts))
	}

	// Same score again: delta is zero, no score condition may fire.
	second, err := evaluator.Evaluate(ctx, testTenant, scoreObservation(profile.BusinessID, 690))
	if err != nil {
		t.Fatalf("second Evaluate failed: %v", err)
	}
	if len(second.Alerts) != 0 {
		t.Fatalf("expected no alerts on replay, got %d", len(second.Alerts))
	}

	// lastCheck moved, alert state did not.
	if !second.Profile.LastCheckAt.After(first.Profile.LastCheckAt) && !second.Profile.LastCheckAt.Equal(first.Profile.LastCheckAt) {
		t.Error("expected lastCheckAt to advance")
	}
	if second.Profile.TotalAlertsSent != 1 {
		t.Errorf("expected totalAlertsSent to stay 1, got %d", second.Profile.TotalAlertsSent)
	}
	if second.Profile.LastAlertAt == nil {
		t.Error("expected lastAlertAt preserved on replay")
	} else if d := second.Profile.LastAlertAt.Sub(*first.Profile.LastAlertAt); d < -time.Second || d > time.Second {
		t.Errorf("expected lastAlertAt unchanged on replay, drifted by %v", d)
	}
}

func TestEvaluatorBandBreach(t *testing.T) {
	evaluator, repo := newTestEvaluator(t)
	ctx := context.Background()

	profile := createTestProfile(t, repo, func(p *domain.MonitoringProfile) {
		p.Categories = []domain.AlertCategory{domain.CategoryScoreBand}
		p.ScoreFloor = 500
	})

	outcome, err := evaluator.Evaluate(ctx, testTenant, scoreObservation(profile.BusinessID, 240))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if len(outcome.Alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(outcome.Alerts))
	}
	alert := outcome.Alerts[0]
	if alert.Category != domain.CategoryScoreBand {
		t.Errorf("expected score_band, got %s", alert.Category)
	}
	// |240-500|/500 = 0.52 -> CRITICAL
	if alert.Severity != domain.SeverityCritical {
		t.Errorf("expected CRITICAL severity, got %s", alert.Severity)
	}
}

func TestEvaluatorDisabledCategory(t *testing.T) {
	evaluator, repo := newTestEvaluator(t)
	ctx := context.Background()

	// Drift toggle off: even a large move stays silent.
	prev := 900
	profile := createTestProfile(t, repo, func(p *domain.MonitoringProfile) {
		p.Categories = []domain.AlertCategory{domain.CategoryOverdueBalance}
		p.LastCreditScore = &prev
	})

	outcome, err := evaluator.Evaluate(ctx, testTenant, scoreObservation(profile.BusinessID, 500))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(outcome.Alerts) != 0 {
		t.Errorf("expected no alerts with category disabled, got %d", len(outcome.Alerts))
	}
}

func TestEvaluatorSuppression(t *testing.T) {
	evaluator, repo := newTestEvaluator(t)
	ctx := context.Background()

	profile := createTestProfile(t, repo, func(p *domain.MonitoringProfile) {
		p.Categories = []domain.AlertCategory{domain.CategoryOverdueBalance}
		p.OverdueAmount = 10000
		p.Frequency = domain.FrequencyDaily
	})

	overdueObs := func() *domain.Observation {
		return &domain.Observation{
			Kind:          domain.ObservationOverdue,
			TenantID:      testTenant,
			BusinessID:    profile.BusinessID,
			OverdueAmount: 15000,
			ObservedAt:    time.Now().UTC(),
		}
	}

	// First breach emits and queues.
	first, err := evaluator.Evaluate(ctx, testTenant, overdueObs())
	if err != nil {
		t.Fatalf("first Evaluate failed: %v", err)
	}
	if len(first.Alerts) != 1 {
		t.Fatalf("expected 1 alert on first breach, got %d", len(first.Alerts))
	}
	if first.Suppressed != 0 {
		t.Errorf("expected 0 suppressed on first breach, got %d", first.Suppressed)
	}
	// Periodic frequency: queued, not immediate.
	if len(first.Immediate) != 0 {
		t.Errorf("expected no immediate dispatch for daily frequency, got %d", len(first.Immediate))
	}

	// Second breach in the same window is suppressed before any alert
	// object exists.
	second, err := evaluator.Evaluate(ctx, testTenant, overdueObs())
	if err != nil {
		t.Fatalf("second Evaluate failed: %v", err)
	}
	if len(second.Alerts) != 0 {
		t.Errorf("expected no alert on suppressed breach, got %d", len(second.Alerts))
	}
	if second.Suppressed != 1 {
		t.Errorf("expected 1 suppressed, got %d", second.Suppressed)
	}

	// Queue holds exactly one entry for the flush.
	pending, err := repo.DrainPending(ctx, testTenant, domain.FrequencyDaily)
	if err != nil {
		t.Fatalf("DrainPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 pending notification, got %d", len(pending))
	}
}

func TestEvaluatorCancelledPassLeavesWindowOpen(t *testing.T) {
	evaluator, repo := newTestEvaluator(t)

	profile := createTestProfile(t, repo, func(p *domain.MonitoringProfile) {
		p.Categories = []domain.AlertCategory{domain.CategoryOverdueBalance}
		p.OverdueAmount = 10000
		p.Frequency = domain.FrequencyDaily
	})

	overdueObs := func() *domain.Observation {
		return &domain.Observation{
			Kind:          domain.ObservationOverdue,
			TenantID:      testTenant,
			BusinessID:    profile.BusinessID,
			OverdueAmount: 15000,
			ObservedAt:    time.Now().UTC(),
		}
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := evaluator.Evaluate(cancelled, testTenant, overdueObs()); err == nil {
		t.Fatal("expected error for cancelled context")
	}

	// The aborted pass consumed no suppression slot: the first genuine
	// breach in the window still emits.
	outcome, err := evaluator.Evaluate(context.Background(), testTenant, overdueObs())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(outcome.Alerts) != 1 {
		t.Errorf("expected 1 alert after aborted pass, got %d", len(outcome.Alerts))
	}
	if outcome.Suppressed != 0 {
		t.Errorf("expected no suppression after aborted pass, got %d", outcome.Suppressed)
	}
}

// conflictOnceRepo makes the first evaluation commit lose the version
// race, exercising the no-op conflict path.
type conflictOnceRepo struct {
	domain.Repository
	conflicted bool
}

func (r *conflictOnceRepo) CommitEvaluation(ctx context.Context, tenantID string, profile *domain.MonitoringProfile, expectedVersion int64, alerts []*domain.Alert, pending []*domain.PendingNotification) error {
	if !r.conflicted {
		r.conflicted = true
		return domain.ErrVersionConflict
	}
	return r.Repository.CommitEvaluation(ctx, tenantID, profile, expectedVersion, alerts, pending)
}

func TestEvaluatorConflictReleasesWindow(t *testing.T) {
	ctx := context.Background()

	_, repo := newTestEvaluator(t)
	wrapped := &conflictOnceRepo{Repository: repo}

	conditions, err := NewConditionEngine()
	if err != nil {
		t.Fatalf("failed to create condition engine: %v", err)
	}
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	scheduler := notify.NewScheduler(wrapped, eventBus)
	evaluator := NewEvaluator(wrapped, cache.NewLRUCache(100), conditions, NewGenerator(), scheduler)

	profile := createTestProfile(t, repo, func(p *domain.MonitoringProfile) {
		p.Categories = []domain.AlertCategory{domain.CategoryOverdueBalance}
		p.OverdueAmount = 10000
		p.Frequency = domain.FrequencyDaily
	})

	overdueObs := func() *domain.Observation {
		return &domain.Observation{
			Kind:          domain.ObservationOverdue,
			TenantID:      testTenant,
			BusinessID:    profile.BusinessID,
			OverdueAmount: 15000,
			ObservedAt:    time.Now().UTC(),
		}
	}

	first, err := evaluator.Evaluate(ctx, testTenant, overdueObs())
	if err != nil {
		t.Fatalf("first Evaluate failed: %v", err)
	}
	if !first.Conflicted {
		t.Fatal("expected first pass to lose the version race")
	}
	if len(first.Alerts) != 0 {
		t.Errorf("expected no alerts from the losing pass, got %d", len(first.Alerts))
	}

	// The losing pass gave its window slot back: the next breach emits
	// instead of being suppressed.
	second, err := evaluator.Evaluate(ctx, testTenant, overdueObs())
	if err != nil {
		t.Fatalf("second Evaluate failed: %v", err)
	}
	if len(second.Alerts) != 1 {
		t.Errorf("expected 1 alert after conflict, got %d", len(second.Alerts))
	}
	if second.Suppressed != 0 {
		t.Errorf("expected no suppression after conflict, got %d", second.Suppressed)
	}
}

func TestEvaluatorPaymentDelay(t *testing.T) {
	evaluator, repo := newTestEvaluator(t)
	ctx := context.Background()

	profile := createTestProfile(t, repo, func(p *domain.MonitoringProfile) {
		p.Categories = []domain.AlertCategory{domain.CategoryPaymentDelay}
		p.PaymentDelayDays = 30
	})

	t.Run("BelowThreshold", func(t *testing.T) {
		outcome, err := evaluator.Evaluate(ctx, testTenant, &domain.Observation{
			Kind:             domain.ObservationNewPayment,
			TenantID:         testTenant,
			BusinessID:       profile.BusinessID,
			PaymentDelayDays: 10,
			ObservedAt:       time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if len(outcome.Alerts) != 0 {
			t.Errorf("expected no alerts below threshold, got %d", len(outcome.Alerts))
		}
	})

	t.Run("AtThreshold", func(t *testing.T) {
		outcome, err := evaluator.Evaluate(ctx, testTenant, &domain.Observation{
			Kind:             domain.ObservationNewPayment,
			TenantID:         testTenant,
			BusinessID:       profile.BusinessID,
			PaymentDelayDays: 45,
			RelatedEntityID:  "pay-001",
			ObservedAt:       time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if len(outcome.Alerts) != 1 {
			t.Fatalf("expected 1 alert, got %d", len(outcome.Alerts))
		}
		if outcome.Alerts[0].RelatedEntityID != "pay-001" {
			t.Errorf("expected related entity pay-001, got %s", outcome.Alerts[0].RelatedEntityID)
		}
	})
}

func TestEvaluatorCustomCondition(t *testing.T) {
	evaluator, repo := newTestEvaluator(t)
	ctx := context.Background()

	profile := createTestProfile(t, repo, func(p *domain.MonitoringProfile) {
		p.Categories = []domain.AlertCategory{domain.CategoryCustom}
		p.CustomCondition = `observation == "overdue" && overdue_amount > 5000.0`
	})

	outcome, err := evaluator.Evaluate(ctx, testTenant, &domain.Observation{
		Kind:          domain.ObservationOverdue,
		TenantID:      testTenant,
		BusinessID:    profile.BusinessID,
		OverdueAmount: 7500,
		ObservedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(outcome.Alerts) != 1 {
		t.Fatalf("expected 1 custom alert, got %d", len(outcome.Alerts))
	}
	if outcome.Alerts[0].Category != domain.CategoryCustom {
		t.Errorf("expected custom category, got %s", outcome.Alerts[0].Category)
	}
}

func TestEvaluatorRejectsUnknownKind(t *testing.T) {
	evaluator, _ := newTestEvaluator(t)

	_, err := evaluator.Evaluate(context.Background(), testTenant, &domain.Observation{
		Kind:       "solar_flare",
		BusinessID: "biz-001",
	})
	if err == nil {
		t.Error("expected error for unknown observation kind")
	}
}

func TestEvaluatorMissingProfile(t *testing.T) {
	evaluator, _ := newTestEvaluator(t)

	_, err := evaluator.Evaluate(context.Background(), testTenant, scoreObservation("biz-unknown", 500))
	if err == nil {
		t.Error("expected error for missing profile")
	}
}
