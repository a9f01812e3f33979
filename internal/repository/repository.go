// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDuplicate    = errors.New("record already exists")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveScoreResult stores an immutable score result with tenant isolation.
func (r *SQLRepository) SaveScoreResult(ctx context.Context, tenantID string, result *domain.ScoreResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	components, _ := json.Marshal(result.Components)

	query := `
		INSERT INTO score_results (
			id, tenant_id, business_id, composite_score, components,
			grade, risk_category, recommended_limit, computed_at, valid_until
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		result.ID, tenantID, result.BusinessID,
		result.CompositeScore, string(components),
		result.Grade, string(result.RiskCategory), result.RecommendedLimit,
		result.ComputedAt, result.ValidUntil,
	)
	return err
}

// GetScoreResult retrieves a score result by ID with tenant isolation.
func (r *SQLRepository) GetScoreResult(ctx context.Context, tenantID string, resultID string) (*domain.ScoreResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, business_id, composite_score, components,
			   grade, risk_category, recommended_limit, computed_at, valid_until
		FROM score_results
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, resultID)
	result, err := scanScoreResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return result, err
}

// ListScoreResults returns a business's score history, newest first.
func (r *SQLRepository) ListScoreResults(ctx context.Context, tenantID string, businessID string, limit int) ([]*domain.ScoreResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, business_id, composite_score, components,
			   grade, risk_category, recommended_limit, computed_at, valid_until
		FROM score_results
		WHERE tenant_id = ? AND business_id = ?
		ORDER BY computed_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, businessID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.ScoreResult
	for rows.Next() {
		result, err := scanScoreResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScoreResult(row rowScanner) (*domain.ScoreResult, error) {
	var result domain.ScoreResult
	var components, risk string

	err := row.Scan(
		&result.ID, &result.TenantID, &result.BusinessID,
		&result.CompositeScore, &components,
		&result.Grade, &risk, &result.RecommendedLimit,
		&result.ComputedAt, &result.ValidUntil,
	)
	if err != nil {
		return nil, err
	}

	result.RiskCategory = domain.RiskCategory(risk)
	if err := json.Unmarshal([]byte(components), &result.Components); err != nil {
		return nil, fmt.Errorf("failed to parse component scores: %w", err)
	}

	return &result, nil
}

// CreateProfile persists a new monitoring profile. Thresholds are
// validated before any row is written.
func (r *SQLRepository) CreateProfile(ctx context.Context, tenantID string, profile *domain.MonitoringProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if err := profile.Validate(); err != nil {
		return err
	}

	categories, _ := json.Marshal(profile.Categories)
	channels, _ := json.Marshal(profile.Channels)

	query := `
		INSERT INTO monitoring_profiles (
			id, tenant_id, business_id,
			score_floor, score_ceiling, score_drift, payment_delay_days, overdue_amount,
			categories, custom_condition, channels, frequency,
			last_check_at, last_alert_at, total_alerts_sent, last_credit_score,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		profile.ID, tenantID, profile.BusinessID,
		profile.ScoreFloor, profile.ScoreCeiling, profile.ScoreDrift,
		profile.PaymentDelayDays, profile.OverdueAmount,
		string(categories), profile.CustomCondition, string(channels), string(profile.Frequency),
		profile.LastCheckAt, nullTime(profile.LastAlertAt),
		profile.TotalAlertsSent, nullInt(profile.LastCreditScore),
		profile.Version, profile.CreatedAt, profile.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: profile already exists for business %s", ErrDuplicate, profile.BusinessID)
	}
	return err
}

// GetProfile retrieves the monitoring profile for a business.
func (r *SQLRepository) GetProfile(ctx context.Context, tenantID string, businessID string) (*domain.MonitoringProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := profileSelect + ` WHERE tenant_id = ? AND business_id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, businessID)
	profile, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return profile, err
}

// ListProfiles returns all monitoring profiles for a tenant.
func (r *SQLRepository) ListProfiles(ctx context.Context, tenantID string) ([]*domain.MonitoringProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := profileSelect + ` WHERE tenant_id = ? ORDER BY business_id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*domain.MonitoringProfile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}

	return profiles, rows.Err()
}

// UpdateProfile rewrites a profile's configuration, guarded by the
// expected version so concurrent evaluations cannot be overwritten.
func (r *SQLRepository) UpdateProfile(ctx context.Context, tenantID string, profile *domain.MonitoringProfile, expectedVersion int64) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if err := profile.Validate(); err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, r.rebind(profileUpdate), profileUpdateArgs(tenantID, profile, expectedVersion)...)
	if err != nil {
		return err
	}
	return checkVersionedUpdate(res)
}

// CommitEvaluation applies one evaluation outcome in a single
// transaction: the versioned profile swap, the emitted alerts, and the
// queued notifications. A lost version race rolls back everything and
// returns domain.ErrVersionConflict.
func (r *SQLRepository) CommitEvaluation(ctx context.Context, tenantID string, profile *domain.MonitoringProfile, expectedVersion int64, alerts []*domain.Alert, pending []*domain.PendingNotification) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.rebind(profileUpdate), profileUpdateArgs(tenantID, profile, expectedVersion)...)
	if err != nil {
		return err
	}
	if err := checkVersionedUpdate(res); err != nil {
		return err
	}

	for _, alert := range alerts {
		if err := insertAlert(ctx, tx, r, tenantID, alert); err != nil {
			return err
		}
	}

	for _, p := range pending {
		channels, _ := json.Marshal(p.Channels)
		query := `
			INSERT INTO pending_notifications (
				id, tenant_id, alert_id, business_id, profile_id,
				severity, channels, cadence, queued_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, r.rebind(query),
			p.ID, tenantID, p.AlertID, p.BusinessID, p.ProfileID,
			string(p.Severity), string(channels), string(p.Cadence), p.QueuedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const profileSelect = `
	SELECT id, tenant_id, business_id,
		   score_floor, score_ceiling, score_drift, payment_delay_days, overdue_amount,
		   categories, custom_condition, channels, frequency,
		   last_check_at, last_alert_at, total_alerts_sent, last_credit_score,
		   version, created_at, updated_at
	FROM monitoring_profiles`

const profileUpdate = `
	UPDATE monitoring_profiles SET
		score_floor = ?, score_ceiling = ?, score_drift = ?,
		payment_delay_days = ?, overdue_amount = ?,
		categories = ?, custom_condition = ?, channels = ?, frequency = ?,
		last_check_at = ?, last_alert_at = ?, total_alerts_sent = ?, last_credit_score = ?,
		version = ?, updated_at = ?
	WHERE tenant_id = ? AND id = ? AND version = ?`

func profileUpdateArgs(tenantID string, p *domain.MonitoringProfile, expectedVersion int64) []any {
	categories, _ := json.Marshal(p.Categories)
	channels, _ := json.Marshal(p.Channels)
	return []any{
		p.ScoreFloor, p.ScoreCeiling, p.ScoreDrift,
		p.PaymentDelayDays, p.OverdueAmount,
		string(categories), p.CustomCondition, string(channels), string(p.Frequency),
		p.LastCheckAt, nullTime(p.LastAlertAt), p.TotalAlertsSent, nullInt(p.LastCreditScore),
		p.Version, p.UpdatedAt,
		tenantID, p.ID, expectedVersion,
	}
}

func checkVersionedUpdate(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrVersionConflict
	}
	return nil
}

func scanProfile(row rowScanner) (*domain.MonitoringProfile, error) {
	var p domain.MonitoringProfile
	var categories, channels, frequency string
	var customCondition sql.NullString
	var lastAlertAt sql.NullTime
	var lastScore sql.NullInt64

	err := row.Scan(
		&p.ID, &p.TenantID, &p.BusinessID,
		&p.ScoreFloor, &p.ScoreCeiling, &p.ScoreDrift, &p.PaymentDelayDays, &p.OverdueAmount,
		&categories, &customCondition, &channels, &frequency,
		&p.LastCheckAt, &lastAlertAt, &p.TotalAlertsSent, &lastScore,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.CustomCondition = customCondition.String
	p.Frequency = domain.NotificationFrequency(frequency)
	if lastAlertAt.Valid {
		t := lastAlertAt.Time
		p.LastAlertAt = &t
	}
	if lastScore.Valid {
		s := int(lastScore.Int64)
		p.LastCreditScore = &s
	}
	if err := json.Unmarshal([]byte(categories), &p.Categories); err != nil {
		return nil, fmt.Errorf("failed to parse profile categories: %w", err)
	}
	if err := json.Unmarshal([]byte(channels), &p.Channels); err != nil {
		return nil, fmt.Errorf("failed to parse profile channels: %w", err)
	}

	return &p, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAlert(ctx context.Context, ex execer, r *SQLRepository, tenantID string, a *domain.Alert) error {
	query := `
		INSERT INTO alerts (
			id, tenant_id, business_id, profile_id, category, severity,
			previous_value, current_value, threshold_value, change_amount, change_percent,
			message, related_entity_id, created_at, expires_at,
			is_read, read_at, is_acknowledged, acknowledged_by, acknowledged_at, ack_notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ex.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.BusinessID, a.ProfileID, string(a.Category), string(a.Severity),
		nullFloat(a.PreviousValue), a.CurrentValue, a.ThresholdValue, a.ChangeAmount, nullFloat(a.ChangePercent),
		a.Message, a.RelatedEntityID, a.CreatedAt, a.ExpiresAt,
		boolInt(a.Read), nullTime(a.ReadAt), boolInt(a.Acknowledged),
		a.AcknowledgedBy, nullTime(a.AcknowledgedAt), a.AckNotes,
	)
	return err
}

// GetAlert retrieves an alert by ID with tenant isolation.
func (r *SQLRepository) GetAlert(ctx context.Context, tenantID string, alertID string) (*domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := alertSelect + ` WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, alertID)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// ListAlerts returns the tenant's alerts, newest first, optionally
// restricted to one business or to unread ones.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, businessID string, unreadOnly bool, limit int) ([]*domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := alertSelect + ` WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if businessID != "" {
		query += ` AND business_id = ?`
		args = append(args, businessID)
	}
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	return alerts, rows.Err()
}

// UpdateAlertLifecycle persists the alert's read/acknowledged state.
// Core alert fields are immutable and never rewritten.
func (r *SQLRepository) UpdateAlertLifecycle(ctx context.Context, tenantID string, alert *domain.Alert) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE alerts SET
			is_read = ?, read_at = ?,
			is_acknowledged = ?, acknowledged_by = ?, acknowledged_at = ?, ack_notes = ?
		WHERE tenant_id = ? AND id = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		boolInt(alert.Read), nullTime(alert.ReadAt),
		boolInt(alert.Acknowledged), alert.AcknowledgedBy, nullTime(alert.AcknowledgedAt), alert.AckNotes,
		tenantID, alert.ID,
	)
	if err != nil {
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const alertSelect = `
	SELECT id, tenant_id, business_id, profile_id, category, severity,
		   previous_value, current_value, threshold_value, change_amount, change_percent,
		   message, related_entity_id, created_at, expires_at,
		   is_read, read_at, is_acknowledged, acknowledged_by, acknowledged_at, ack_notes
	FROM alerts`

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var category, severity string
	var message, relatedID, ackBy, ackNotes sql.NullString
	var prev, pct sql.NullFloat64
	var readAt, ackAt sql.NullTime
	var isRead, isAcked int

	err := row.Scan(
		&a.ID, &a.TenantID, &a.BusinessID, &a.ProfileID, &category, &severity,
		&prev, &a.CurrentValue, &a.ThresholdValue, &a.ChangeAmount, &pct,
		&message, &relatedID, &a.CreatedAt, &a.ExpiresAt,
		&isRead, &readAt, &isAcked, &ackBy, &ackAt, &ackNotes,
	)
	if err != nil {
		return nil, err
	}

	a.Category = domain.AlertCategory(category)
	a.Severity = domain.Severity(severity)
	a.Message = message.String
	a.RelatedEntityID = relatedID.String
	a.Read = isRead == 1
	a.Acknowledged = isAcked == 1
	a.AcknowledgedBy = ackBy.String
	a.AckNotes = ackNotes.String
	if prev.Valid {
		v := prev.Float64
		a.PreviousValue = &v
	}
	if pct.Valid {
		v := pct.Float64
		a.ChangePercent = &v
	}
	if readAt.Valid {
		t := readAt.Time
		a.ReadAt = &t
	}
	if ackAt.Valid {
		t := ackAt.Time
		a.AcknowledgedAt = &t
	}

	return &a, nil
}

// DrainPending removes and returns all queued notifications for the
// cadence in one transaction, so each row is handed off at most once.
func (r *SQLRepository) DrainPending(ctx context.Context, tenantID string, cadence domain.NotificationFrequency) ([]*domain.PendingNotification, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		SELECT id, tenant_id, alert_id, business_id, profile_id,
			   severity, channels, cadence, queued_at
		FROM pending_notifications
		WHERE tenant_id = ? AND cadence = ?
		ORDER BY queued_at
	`

	rows, err := tx.QueryContext(ctx, r.rebind(query), tenantID, string(cadence))
	if err != nil {
		return nil, err
	}

	var pending []*domain.PendingNotification
	for rows.Next() {
		var p domain.PendingNotification
		var severity, channels, cad string
		if err := rows.Scan(
			&p.ID, &p.TenantID, &p.AlertID, &p.BusinessID, &p.ProfileID,
			&severity, &channels, &cad, &p.QueuedAt,
		); err != nil {
			rows.Close()
			return nil, err
		}
		p.Severity = domain.Severity(severity)
		p.Cadence = domain.NotificationFrequency(cad)
		if err := json.Unmarshal([]byte(channels), &p.Channels); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to parse notification channels: %w", err)
		}
		pending = append(pending, &p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(pending) == 0 {
		return nil, tx.Commit()
	}

	// Delete exactly the selected rows. Deleting by cadence would also
	// sweep rows committed between the SELECT and the DELETE under
	// read-committed isolation, and those would never be handed off.
	placeholders := ""
	delArgs := []interface{}{tenantID}
	for i, p := range pending {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		delArgs = append(delArgs, p.ID)
	}
	del := `DELETE FROM pending_notifications WHERE tenant_id = ? AND id IN (` + placeholders + `)`
	if _, err := tx.ExecContext(ctx, r.rebind(del), delArgs...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pending, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
