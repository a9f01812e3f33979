// Package worker provides async observation processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Worker consumes observations from the EventBus and drives the
// monitoring evaluator. Profiles are evaluated concurrently across
// businesses but strictly single-writer within one business.
type Worker struct {
	bus       domain.EventBus
	evaluator *monitor.Evaluator
	scheduler *notify.Scheduler

	// locks serializes evaluations per business id.
	locks sync.Map // businessID -> *sync.Mutex

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, evaluator *monitor.Evaluator, scheduler *notify.Scheduler) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: evaluator,
		scheduler: scheduler,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing observations for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startTenantWorker("_global")
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicObservationReceived, func(ctx context.Context, msg *domain.Message) error {
		return w.processObservation(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicObservationReceived,
	)

	return nil
}

// processObservation evaluates one observation against the owning
// business's profile.
func (w *Worker) processObservation(ctx context.Context, tenantID string, msg *domain.Message) error {
	var obs domain.Observation
	if err := json.Unmarshal(msg.Payload, &obs); err != nil {
		slog.Error("failed to parse observation message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if obs.TenantID != "" {
		tenantID = obs.TenantID
	}

	w.wg.Add(1)
	defer w.wg.Done()

	// Single writer per business: concurrent observations for the same
	// profile never interleave.
	mu := w.lockFor(obs.BusinessID)
	mu.Lock()
	defer mu.Unlock()

	outcome, err := w.evaluator.Evaluate(ctx, tenantID, &obs)
	if errors.Is(err, repository.ErrNotFound) {
		// Business has no monitoring subscription.
		slog.Debug("no monitoring profile for observation",
			"business_id", obs.BusinessID,
			"kind", obs.Kind,
		)
		return nil
	}
	if err != nil {
		slog.Error("evaluation failed",
			"business_id", obs.BusinessID,
			"kind", obs.Kind,
			"error", err,
		)
		return err
	}

	if outcome.Conflicted {
		// The concurrent winner already committed; nothing to publish.
		return nil
	}

	for _, alert := range outcome.Alerts {
		payload, _ := json.Marshal(alert)
		if err := w.bus.Publish(ctx, tenantID, domain.TopicAlertCreated, payload); err != nil {
			slog.Error("failed to publish alert",
				"alert_id", alert.ID,
				"error", err,
			)
		}
	}

	if len(outcome.Immediate) > 0 {
		if err := w.scheduler.Dispatch(ctx, tenantID, outcome.Immediate); err != nil {
			slog.Error("failed to dispatch immediate notifications",
				"business_id", obs.BusinessID,
				"error", err,
			)
		}
	}

	slog.Info("observation processed",
		"business_id", obs.BusinessID,
		"tenant_id", tenantID,
		"kind", obs.Kind,
		"alerts", len(outcome.Alerts),
		"suppressed", outcome.Suppressed,
	)

	return nil
}

func (w *Worker) lockFor(businessID string) *sync.Mutex {
	v, _ := w.locks.LoadOrStore(businessID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Stop gracefully stops all workers. In-flight evaluations finish their
// atomic commit; queued messages are dropped and redelivered upstream.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
