package worker

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/repository"
)

const testTenant = "tenant-001"

type testHarness struct {
	worker *Worker
	repo   domain.Repository
	bus    domain.EventBus
}

func newTestHarness(t *testing.T) *testHarness {
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

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	conditions, err := monitor.NewConditionEngine()
	if err != nil {
		t.Fatalf("failed to create condition engine: %v", err)
	}

	scheduler := notify.NewScheduler(repo, eventBus)
	evaluator := monitor.NewEvaluator(repo, cache.NewLRUCache(100), conditions, monitor.NewGenerator(), scheduler)

	return &testHarness{
		worker: NewWorker(eventBus, evaluator, scheduler),
		repo:   repo,
		bus:    eventBus,
	}
}

func seedProfile(t *testing.T, repo domain.Repository, businessID string) *domain.MonitoringProfile {
	t.Helper()

	now := time.Now().UTC()
	lastScore := 750
	profile := &domain.MonitoringProfile{
		ID:              "prof-" + businessID,
		TenantID:        testTenant,
		BusinessID:      businessID,
		ScoreFloor:      400,
		ScoreCeiling:    950,
		ScoreDrift:      50,
		Categories:      []domain.AlertCategory{domain.CategoryScoreDrift},
		Channels:        domain.Channels{InApp: true},
		Frequency:       domain.FrequencyImmediate,
		LastCreditScore: &lastScore,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := repo.CreateProfile(context.Background(), testTenant, profile); err != nil {
		t.Fatalf("CreateProfile failed: %v", err)
	}
	return profile
}

func scoreObservation(businessID string, score int) []byte {
	now := time.Now().UTC()
	payload, _ := json.Marshal(&domain.Observation{
		Kind:       domain.ObservationNewScore,
		TenantID:   testTenant,
		BusinessID: businessID,
		Score: &domain.ScoreResult{
			ID:             "score-obs",
			TenantID:       testTenant,
			BusinessID:     businessID,
			CompositeScore: score,
			ComputedAt:     now,
			ValidUntil:     now.Add(90 * 24 * time.Hour),
		},
		ObservedAt: now,
	})
	return payload
}

func TestWorkerStartAndStop(t *testing.T) {
	h := newTestHarness(t)

	if err := h.worker.Start(Config{TenantIDs: []string{testTenant}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := h.worker.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
	}
	if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicObservationReceived {
		t.Errorf("unexpected topics: %v", stats.Topics)
	}

	if err := h.worker.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.worker.GetStats().SubscriptionCount != 0 {
		t.Error("expected no subscriptions after stop")
	}
}

func TestWorkerMultiTenant(t *testing.T) {
	h := newTestHarness(t)

	if err := h.worker.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002", "tenant-003"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.worker.Stop()

	if got := h.worker.GetStats().SubscriptionCount; got != 3 {
		t.Errorf("expected 3 subscriptions, got %d", got)
	}
}

func TestWorkerProcessObservation(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	profile := seedProfile(t, h.repo, "biz-001")

	var alertsPublished, notificationsReady int64
	if _, err := h.bus.Subscribe(ctx, testTenant, domain.TopicAlertCreated, func(ctx context.Context, msg *domain.Message) error {
		atomic.AddInt64(&alertsPublished, 1)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := h.bus.Subscribe(ctx, testTenant, domain.TopicNotificationReady, func(ctx context.Context, msg *domain.Message) error {
		atomic.AddInt64(&notificationsReady, 1)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := h.worker.Start(Config{TenantIDs: []string{testTenant}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.worker.Stop()

	// 750 -> 690 crosses the drift threshold of 50.
	if err := h.bus.Publish(ctx, testTenant, domain.TopicObservationReceived, scoreObservation("biz-001", 690)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt64(&alertsPublished); got != 1 {
		t.Errorf("expected 1 alert published, got %d", got)
	}
	if got := atomic.LoadInt64(&notificationsReady); got != 1 {
		t.Errorf("expected 1 immediate notification, got %d", got)
	}

	alerts, err := h.repo.ListAlerts(ctx, testTenant, "biz-001", false, 10)
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 persisted alert, got %d", len(alerts))
	}
	if alerts[0].Category != domain.CategoryScoreDrift {
		t.Errorf("expected score_drift alert, got %s", alerts[0].Category)
	}

	stored, err := h.repo.GetProfile(ctx, testTenant, "biz-001")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if stored.Version != profile.Version+1 {
		t.Errorf("expected profile version bumped to %d, got %d", profile.Version+1, stored.Version)
	}
	if stored.LastCreditScore == nil || *stored.LastCreditScore != 690 {
		t.Errorf("expected rolling score 690, got %v", stored.LastCreditScore)
	}
}

func TestWorkerIgnoresUnknownBusiness(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	var alertsPublished int64
	if _, err := h.bus.Subscribe(ctx, testTenant, domain.TopicAlertCreated, func(ctx context.Context, msg *domain.Message) error {
		atomic.AddInt64(&alertsPublished, 1)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := h.worker.Start(Config{TenantIDs: []string{testTenant}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.worker.Stop()

	// No profile exists for this business; the observation is dropped.
	if err := h.bus.Publish(ctx, testTenant, domain.TopicObservationReceived, scoreObservation("biz-unmonitored", 300)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt64(&alertsPublished); got != 0 {
		t.Errorf("expected no alerts, got %d", got)
	}
}
