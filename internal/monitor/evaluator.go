package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/notify"
)

// Evaluator runs the monitoring state machine: one pass per
// (profile, observation) pair. Threshold checks are gated on the
// profile's category toggles; surviving breaches become alerts; the
// profile's rolling state commits in a single versioned transaction.
type Evaluator struct {
	repo       domain.Repository
	cache      domain.Cache
	conditions *ConditionEngine
	generator  *Generator
	scheduler  *notify.Scheduler
	now        func() time.Time
}

// NewEvaluator wires the evaluator's collaborators.
func NewEvaluator(repo domain.Repository, cache domain.Cache, conditions *ConditionEngine, generator *Generator, scheduler *notify.Scheduler) *Evaluator {
	return &Evaluator{
		repo:       repo,
		cache:      cache,
		conditions: conditions,
		generator:  generator,
		scheduler:  scheduler,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Outcome is the result of one evaluation pass.
type Outcome struct {
	// Profile is the committed post-evaluation state. On a lost
	// version race it is the winner's state instead.
	Profile *domain.MonitoringProfile

	// Alerts emitted this pass, one per surviving condition.
	Alerts []*domain.Alert

	// Immediate is the ready-list for immediate-frequency profiles.
	Immediate []*domain.ReadyNotification

	// Suppressed counts breaches swallowed by the rate-limit window.
	Suppressed int

	// Conflicted is true when this evaluation lost the version race
	// and committed nothing. Safe to treat as the winner's result.
	Conflicted bool
}

// Evaluate runs one observation against the business's monitoring
// profile. The commit is all-or-nothing: a cancelled or conflicted pass
// leaves the profile in its pre-evaluation state.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID string, obs *domain.Observation) (*Outcome, error) {
	if !obs.KnownKind() {
		return nil, fmt.Errorf("unknown observation kind %q", obs.Kind)
	}
	if obs.Kind == domain.ObservationNewScore && obs.Score == nil {
		return nil, fmt.Errorf("new_score observation carries no score result")
	}

	profile, err := e.repo.GetProfile(ctx, tenantID, obs.BusinessID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	triggers := e.collectTriggers(profile, obs)

	// A cancelled pass must leave every piece of state untouched,
	// suppression counters included.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Rate limiting: outside immediate frequency, only the first breach
	// per category per window emits. Later breaches in the window are
	// counted and dropped before any alert object exists. Slots claimed
	// here are released if the commit below fails.
	var (
		alerts     []*domain.Alert
		suppressed int
		claimed    []string
	)
	window := profile.Frequency.Window()
	for _, trig := range triggers {
		if window > 0 {
			key := fmt.Sprintf("alertwin:%s:%s", profile.ID, trig.Category)
			n, err := e.cache.IncrementCounter(ctx, tenantID, key, window)
			if err != nil {
				// Counter failure must not silence alerts.
				slog.Warn("suppression counter unavailable",
					"profile_id", profile.ID,
					"category", trig.Category,
					"error", err,
				)
			} else if n > 1 {
				suppressed++
				continue
			} else {
				claimed = append(claimed, key)
			}
		}
		alerts = append(alerts, e.generator.Generate(tenantID, profile, trig))
	}

	ready, pending := e.scheduler.Partition(profile, alerts)

	// Commit: lastCheck moves unconditionally; lastAlert, the counter
	// and lastCreditScore move together only when alerts were emitted.
	next := *profile
	next.LastCheckAt = now
	if len(alerts) > 0 {
		t := now
		next.LastAlertAt = &t
		next.TotalAlertsSent += len(alerts)
		if obs.Kind == domain.ObservationNewScore {
			score := obs.Score.CompositeScore
			next.LastCreditScore = &score
		}
	}
	next.UpdatedAt = now
	next.Version = profile.Version + 1

	err = e.repo.CommitEvaluation(ctx, tenantID, &next, profile.Version, alerts, pending)
	if errors.Is(err, domain.ErrVersionConflict) {
		// A concurrent evaluation won. This attempt is a no-op
		// returning the winner's state.
		e.releaseCounters(ctx, tenantID, claimed)
		winner, loadErr := e.repo.GetProfile(ctx, tenantID, obs.BusinessID)
		if loadErr != nil {
			return nil, loadErr
		}
		return &Outcome{Profile: winner, Conflicted: true}, nil
	}
	if err != nil {
		e.releaseCounters(ctx, tenantID, claimed)
		return nil, fmt.Errorf("failed to commit evaluation: %w", err)
	}

	slog.Debug("observation evaluated",
		"business_id", obs.BusinessID,
		"kind", obs.Kind,
		"alerts", len(alerts),
		"suppressed", suppressed,
	)

	return &Outcome{
		Profile:    &next,
		Alerts:     alerts,
		Immediate:  ready,
		Suppressed: suppressed,
	}, nil
}

// releaseCounters gives back window slots claimed by a pass that
// committed nothing, so the next genuine breach in the window still
// emits. Runs even when the pass failed on a cancelled context.
func (e *Evaluator) releaseCounters(ctx context.Context, tenantID string, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := e.cache.DecrementCounter(ctx, tenantID, key); err != nil {
			slog.Warn("failed to release suppression counter",
				"key", key,
				"error", err,
			)
		}
	}
}

// collectTriggers evaluates every toggle-enabled condition for the
// observation and returns the breached ones.
func (e *Evaluator) collectTriggers(profile *domain.MonitoringProfile, obs *domain.Observation) []Trigger {
	var triggers []Trigger

	vars := ConditionVars{
		Observation: obs.Kind,
		BusinessID:  obs.BusinessID,
	}
	if profile.LastCreditScore != nil {
		vars.Score = *profile.LastCreditScore
	}

	switch obs.Kind {
	case domain.ObservationNewScore:
		score := obs.Score.CompositeScore
		vars.Score = score

		var delta int
		hasPrev := profile.LastCreditScore != nil
		if hasPrev {
			delta = score - *profile.LastCreditScore
		}
		vars.ScoreChange = delta

		// Replaying the same score against unchanged state is a
		// no-op: every score condition requires a change.
		changed := !hasPrev || delta != 0
		if !changed {
			break
		}

		var prev *float64
		if hasPrev {
			p := float64(*profile.LastCreditScore)
			prev = &p
		}

		if profile.Enabled(domain.CategoryScoreBand) {
			if score < profile.ScoreFloor {
				triggers = append(triggers, Trigger{
					Category:        domain.CategoryScoreBand,
					Previous:        prev,
					Current:         float64(score),
					Threshold:       float64(profile.ScoreFloor),
					Message:         fmt.Sprintf("credit score %d fell below floor %d", score, profile.ScoreFloor),
					RelatedEntityID: obs.Score.ID,
				})
			} else if score > profile.ScoreCeiling {
				triggers = append(triggers, Trigger{
					Category:        domain.CategoryScoreBand,
					Previous:        prev,
					Current:         float64(score),
					Threshold:       float64(profile.ScoreCeiling),
					Message:         fmt.Sprintf("credit score %d rose above ceiling %d", score, profile.ScoreCeiling),
					RelatedEntityID: obs.Score.ID,
				})
			}
		}

		if profile.Enabled(domain.CategoryScoreDrift) && hasPrev && profile.ScoreDrift > 0 && abs(delta) >= profile.ScoreDrift {
			triggers = append(triggers, Trigger{
				Category:        domain.CategoryScoreDrift,
				Previous:        prev,
				Current:         float64(score),
				Threshold:       float64(profile.ScoreDrift),
				Message:         fmt.Sprintf("credit score moved %+d, beyond drift threshold %d", delta, profile.ScoreDrift),
				RelatedEntityID: obs.Score.ID,
			})
		}

		if profile.Enabled(domain.CategoryNewScore) {
			triggers = append(triggers, Trigger{
				Category:        domain.CategoryNewScore,
				Previous:        prev,
				Current:         float64(score),
				Message:         fmt.Sprintf("new credit score generated: %d (%s)", score, obs.Score.Grade),
				RelatedEntityID: obs.Score.ID,
			})
		}

	case domain.ObservationNewPayment:
		vars.PaymentDelayDays = obs.PaymentDelayDays

		if profile.Enabled(domain.CategoryPaymentDelay) && profile.PaymentDelayDays > 0 && obs.PaymentDelayDays >= profile.PaymentDelayDays {
			triggers = append(triggers, Trigger{
				Category:        domain.CategoryPaymentDelay,
				Current:         float64(obs.PaymentDelayDays),
				Threshold:       float64(profile.PaymentDelayDays),
				Message:         fmt.Sprintf("payment delayed %d days, threshold %d", obs.PaymentDelayDays, profile.PaymentDelayDays),
				RelatedEntityID: obs.RelatedEntityID,
			})
		}

		if profile.Enabled(domain.CategoryNewPayment) {
			triggers = append(triggers, Trigger{
				Category:        domain.CategoryNewPayment,
				Current:         float64(obs.PaymentDelayDays),
				Message:         "new payment recorded",
				RelatedEntityID: obs.RelatedEntityID,
			})
		}

	case domain.ObservationOverdue:
		vars.OverdueAmount = obs.OverdueAmount

		if profile.Enabled(domain.CategoryOverdueBalance) && profile.OverdueAmount > 0 && obs.OverdueAmount >= profile.OverdueAmount {
			triggers = append(triggers, Trigger{
				Category:        domain.CategoryOverdueBalance,
				Current:         obs.OverdueAmount,
				Threshold:       profile.OverdueAmount,
				Message:         fmt.Sprintf("overdue balance %.2f at or above threshold %.2f", obs.OverdueAmount, profile.OverdueAmount),
				RelatedEntityID: obs.RelatedEntityID,
			})
		}

	case domain.ObservationNewReference:
		if profile.Enabled(domain.CategoryNewReference) {
			triggers = append(triggers, Trigger{
				Category:        domain.CategoryNewReference,
				Message:         "new trade reference added",
				RelatedEntityID: obs.RelatedEntityID,
			})
		}

	case domain.ObservationProfileChange:
		if profile.Enabled(domain.CategoryProfileChange) {
			triggers = append(triggers, Trigger{
				Category:        domain.CategoryProfileChange,
				Message:         "business profile changed",
				RelatedEntityID: obs.RelatedEntityID,
			})
		}
	}

	if profile.Enabled(domain.CategoryCustom) && profile.CustomCondition != "" {
		breached, err := e.conditions.Evaluate(profile.ID, profile.CustomCondition, vars)
		if err != nil {
			slog.Error("custom condition failed",
				"profile_id", profile.ID,
				"error", err,
			)
		} else if breached {
			triggers = append(triggers, Trigger{
				Category:        domain.CategoryCustom,
				Current:         float64(vars.Score),
				Message:         fmt.Sprintf("custom condition matched: %s", profile.CustomCondition),
				RelatedEntityID: obs.RelatedEntityID,
			})
		}
	}

	return triggers
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
