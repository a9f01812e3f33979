package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	scorer     *scoring.Scorer
	scheduler  *notify.Scheduler
	conditions *monitor.ConditionEngine
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, scorer *scoring.Scorer, scheduler *notify.Scheduler, conditions *monitor.ConditionEngine, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		scorer:     scorer,
		scheduler:  scheduler,
		conditions: conditions,
		version:    version,
	}
}

// snapshotTTL bounds how long a cached latest-score entry stays hot.
const snapshotTTL = 24 * time.Hour

// ComputeScore handles POST /scores: runs the scoring pipeline, persists
// the immutable result, refreshes the latest-score cache, and feeds a
// new_score observation into the monitoring pipeline.
func (h *Handler) ComputeScore(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.BusinessID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "businessId is required",
		})
		return
	}

	result, err := h.scorer.Score(tenantID, &req)
	if errors.Is(err, domain.ErrIncompleteInput) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "at least one component score is required",
		})
		return
	}
	if err != nil {
		slog.Error("score computation failed", "business_id", req.BusinessID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "score computation failed",
		})
		return
	}

	if err := h.repo.SaveScoreResult(ctx, tenantID, result); err != nil {
		slog.Error("failed to save score result", "id", result.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save score result",
		})
		return
	}

	// Refresh the hot snapshot; a cache miss later falls back to history.
	snap := &domain.ScoreSnapshot{
		BusinessID: result.BusinessID,
		Score:      result.CompositeScore,
		Grade:      result.Grade,
		Risk:       result.RiskCategory,
		ComputedAt: result.ComputedAt.Format(time.RFC3339),
	}
	if err := h.cache.SetLatestScore(ctx, tenantID, result.BusinessID, snap, snapshotTTL); err != nil {
		slog.Warn("failed to cache score snapshot", "business_id", result.BusinessID, "error", err)
	}

	// Feed the monitoring pipeline.
	obs := &domain.Observation{
		Kind:            domain.ObservationNewScore,
		TenantID:        tenantID,
		BusinessID:      result.BusinessID,
		Score:           result,
		RelatedEntityID: result.ID,
		ObservedAt:      result.ComputedAt,
	}
	payload, _ := json.Marshal(obs)
	if err := h.bus.Publish(ctx, tenantID, domain.TopicObservationReceived, payload); err != nil {
		slog.Error("failed to publish score observation", "business_id", result.BusinessID, "error", err)
	}
	if err := h.bus.Publish(ctx, tenantID, domain.TopicScoreComputed, payload); err != nil {
		slog.Error("failed to publish score event", "business_id", result.BusinessID, "error", err)
	}

	slog.Info("score computed",
		"business_id", result.BusinessID,
		"score", result.CompositeScore,
		"grade", result.Grade,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	writeJSON(w, http.StatusCreated, result)
}

// GetScore retrieves a score result by ID.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	scoreID := chi.URLParam(r, "id")

	result, err := h.repo.GetScoreResult(ctx, tenantID, scoreID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "score result not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get score result", "id", scoreID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get score result",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetLatestScore returns the most recent score for a business, served
// from the snapshot cache when hot and rebuilt from history on a miss.
func (h *Handler) GetLatestScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	businessID := chi.URLParam(r, "businessId")

	snap, err := h.cache.GetLatestScore(ctx, tenantID, businessID)
	if err != nil {
		slog.Warn("snapshot lookup failed", "business_id", businessID, "error", err)
	}
	if snap != nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	results, err := h.repo.ListScoreResults(ctx, tenantID, businessID, 1)
	if err != nil {
		slog.Error("failed to load latest score", "business_id", businessID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load latest score",
		})
		return
	}
	if len(results) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no score on record for business",
		})
		return
	}

	latest := results[0]
	snap = &domain.ScoreSnapshot{
		BusinessID: latest.BusinessID,
		Score:      latest.CompositeScore,
		Grade:      latest.Grade,
		Risk:       latest.RiskCategory,
		ComputedAt: latest.ComputedAt.Format(time.RFC3339),
	}
	if err := h.cache.SetLatestScore(ctx, tenantID, businessID, snap, snapshotTTL); err != nil {
		slog.Warn("failed to cache score snapshot", "business_id", businessID, "error", err)
	}

	writeJSON(w, http.StatusOK, snap)
}

// ListScores returns score history for a business, newest first.
func (h *Handler) ListScores(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	businessID := chi.URLParam(r, "businessId")
	limit := queryInt(r, "limit", 50)

	results, err := h.repo.ListScoreResults(ctx, tenantID, businessID, limit)
	if err != nil {
		slog.Error("failed to list score results", "business_id", businessID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list score results",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// CreateProfile handles POST /profiles.
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var profile domain.MonitoringProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	profile.ID = uuid.New().String()
	profile.TenantID = tenantID
	if profile.Frequency == "" {
		profile.Frequency = domain.FrequencyImmediate
	}
	if len(profile.Categories) == 0 {
		profile.Categories = domain.AllCategories
	}

	// Malformed thresholds and conditions never reach the database.
	if err := profile.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}
	if err := h.conditions.Validate(profile.CustomCondition); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	now := time.Now().UTC()
	profile.CreatedAt = now
	profile.UpdatedAt = now
	profile.Version = 1

	if err := h.repo.CreateProfile(ctx, tenantID, &profile); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "monitoring profile already exists for business",
			})
			return
		}
		slog.Error("failed to create profile", "business_id", profile.BusinessID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to create profile",
		})
		return
	}

	slog.Info("monitoring profile created",
		"profile_id", profile.ID,
		"business_id", profile.BusinessID,
		"frequency", profile.Frequency,
	)

	writeJSON(w, http.StatusCreated, profile)
}

// GetProfile retrieves the monitoring profile for a business.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	businessID := chi.URLParam(r, "businessId")

	profile, err := h.repo.GetProfile(ctx, tenantID, businessID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "monitoring profile not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get profile", "business_id", businessID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get profile",
		})
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// UpdateProfile replaces thresholds, toggles, channels and frequency on
// an existing profile. Rolling evaluation state is preserved.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	businessID := chi.URLParam(r, "businessId")

	current, err := h.repo.GetProfile(ctx, tenantID, businessID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "monitoring profile not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get profile", "business_id", businessID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get profile",
		})
		return
	}

	var req domain.MonitoringProfile
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	next := *current
	next.ScoreFloor = req.ScoreFloor
	next.ScoreCeiling = req.ScoreCeiling
	next.ScoreDrift = req.ScoreDrift
	next.PaymentDelayDays = req.PaymentDelayDays
	next.OverdueAmount = req.OverdueAmount
	next.Categories = req.Categories
	next.CustomCondition = req.CustomCondition
	next.Channels = req.Channels
	if req.Frequency != "" {
		next.Frequency = req.Frequency
	}

	if err := next.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}
	if err := h.conditions.Validate(next.CustomCondition); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	next.UpdatedAt = time.Now().UTC()
	next.Version = current.Version + 1

	if err := h.repo.UpdateProfile(ctx, tenantID, &next, current.Version); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "profile was modified concurrently, retry",
			})
			return
		}
		slog.Error("failed to update profile", "business_id", businessID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update profile",
		})
		return
	}

	// Forget the cached condition program so the evaluator recompiles
	// against the updated (or cleared) expression.
	h.conditions.Drop(next.ID)

	writeJSON(w, http.StatusOK, next)
}

// ListProfiles returns all monitoring profiles for the tenant.
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	profiles, err := h.repo.ListProfiles(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list profiles", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list profiles",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": profiles,
		"count":    len(profiles),
	})
}

// SubmitObservation handles POST /observations: validates the payload
// and hands it to the async pipeline. Evaluation happens off-request.
func (h *Handler) SubmitObservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var obs domain.Observation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if !obs.KnownKind() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown observation kind",
		})
		return
	}
	if obs.BusinessID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "businessId is required",
		})
		return
	}
	if obs.Kind == domain.ObservationNewScore && obs.Score == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "new_score observation requires a score payload",
		})
		return
	}

	obs.TenantID = tenantID
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(&obs)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode observation",
		})
		return
	}

	if err := h.bus.Publish(ctx, tenantID, domain.TopicObservationReceived, payload); err != nil {
		slog.Error("failed to publish observation", "business_id", obs.BusinessID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to enqueue observation",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
	})
}

// ListAlerts returns alerts for the tenant, optionally filtered by
// business and unread status.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	businessID := r.URL.Query().Get("businessId")
	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit := queryInt(r, "limit", 100)

	alerts, err := h.repo.ListAlerts(ctx, tenantID, businessID, unreadOnly, limit)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list alerts",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert retrieves an alert by ID.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	alert, err := h.repo.GetAlert(ctx, tenantID, alertID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "alert not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get alert", "id", alertID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get alert",
		})
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// MarkAlertRead handles POST /alerts/{id}/read.
func (h *Handler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	alert, err := h.repo.GetAlert(ctx, tenantID, alertID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "alert not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get alert", "id", alertID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get alert",
		})
		return
	}

	if err := alert.MarkRead(time.Now().UTC()); err != nil {
		if errors.Is(err, domain.ErrAlertExpired) {
			writeJSON(w, http.StatusGone, map[string]string{
				"error": "alert has expired",
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.UpdateAlertLifecycle(ctx, tenantID, alert); err != nil {
		slog.Error("failed to update alert", "id", alertID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update alert",
		})
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// AcknowledgeRequest is the request body for POST /alerts/{id}/acknowledge.
type AcknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledgedBy"`
	Notes          string `json:"notes,omitempty"`
}

// AcknowledgeAlert handles POST /alerts/{id}/acknowledge. Acknowledging
// implies read.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	var req AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.AcknowledgedBy == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "acknowledgedBy is required",
		})
		return
	}

	alert, err := h.repo.GetAlert(ctx, tenantID, alertID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "alert not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get alert", "id", alertID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get alert",
		})
		return
	}

	if err := alert.Acknowledge(time.Now().UTC(), req.AcknowledgedBy, req.Notes); err != nil {
		if errors.Is(err, domain.ErrAlertExpired) {
			writeJSON(w, http.StatusGone, map[string]string{
				"error": "alert has expired",
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	if err := h.repo.UpdateAlertLifecycle(ctx, tenantID, alert); err != nil {
		slog.Error("failed to update alert", "id", alertID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update alert",
		})
		return
	}

	slog.Info("alert acknowledged",
		"alert_id", alertID,
		"acknowledged_by", req.AcknowledgedBy,
	)

	writeJSON(w, http.StatusOK, alert)
}

// FlushRequest is the request body for POST /notifications/flush.
type FlushRequest struct {
	Cadence domain.NotificationFrequency `json:"cadence"`
}

// FlushNotifications drains the pending queue for one cadence and hands
// the batch to the delivery layer. Normally driven by the cron flusher;
// exposed for manual and test use.
func (h *Handler) FlushNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req FlushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	ready, err := h.scheduler.Flush(ctx, tenantID, req.Cadence)
	if err != nil {
		slog.Error("notification flush failed", "cadence", req.Cadence, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dispatched": ready,
		"count":      len(ready),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
