// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Score results (immutable, append-only)
	SaveScoreResult(ctx context.Context, tenantID string, result *ScoreResult) error
	GetScoreResult(ctx context.Context, tenantID string, resultID string) (*ScoreResult, error)
	ListScoreResults(ctx context.Context, tenantID string, businessID string, limit int) ([]*ScoreResult, error)

	// Monitoring profiles
	CreateProfile(ctx context.Context, tenantID string, profile *MonitoringProfile) error
	GetProfile(ctx context.Context, tenantID string, businessID string) (*MonitoringProfile, error)
	UpdateProfile(ctx context.Context, tenantID string, profile *MonitoringProfile, expectedVersion int64) error
	ListProfiles(ctx context.Context, tenantID string) ([]*MonitoringProfile, error)

	// CommitEvaluation applies one evaluation outcome atomically: the
	// profile state swap (guarded by expectedVersion), the new alerts,
	// and any queued notifications commit in a single transaction or
	// not at all. A lost version race returns ErrVersionConflict with
	// no rows written.
	CommitEvaluation(ctx context.Context, tenantID string, profile *MonitoringProfile, expectedVersion int64, alerts []*Alert, pending []*PendingNotification) error

	// Alerts
	GetAlert(ctx context.Context, tenantID string, alertID string) (*Alert, error)
	ListAlerts(ctx context.Context, tenantID string, businessID string, unreadOnly bool, limit int) ([]*Alert, error)
	UpdateAlertLifecycle(ctx context.Context, tenantID string, alert *Alert) error

	// DrainPending removes and returns all queued notifications due at
	// the given cadence, in one transaction. Each row is returned at
	// most once across all callers.
	DrainPending(ctx context.Context, tenantID string, cadence NotificationFrequency) ([]*PendingNotification, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
