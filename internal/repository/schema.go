package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaScoreResults = `
CREATE TABLE IF NOT EXISTS score_results (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    business_id TEXT NOT NULL,
    composite_score INTEGER NOT NULL,
    components TEXT NOT NULL,
    grade TEXT NOT NULL,
    risk_category TEXT NOT NULL,
    recommended_limit REAL NOT NULL,
    computed_at TIMESTAMP NOT NULL,
    valid_until TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_score_results_tenant ON score_results(tenant_id);
CREATE INDEX IF NOT EXISTS idx_score_results_business ON score_results(tenant_id, business_id, computed_at);
`

const schemaMonitoringProfiles = `
CREATE TABLE IF NOT EXISTS monitoring_profiles (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    business_id TEXT NOT NULL,
    score_floor INTEGER NOT NULL,
    score_ceiling INTEGER NOT NULL,
    score_drift INTEGER NOT NULL,
    payment_delay_days INTEGER NOT NULL,
    overdue_amount REAL NOT NULL,
    categories TEXT NOT NULL,
    custom_condition TEXT,
    channels TEXT NOT NULL,
    frequency TEXT NOT NULL,
    last_check_at TIMESTAMP NOT NULL,
    last_alert_at TIMESTAMP,
    total_alerts_sent INTEGER NOT NULL DEFAULT 0,
    last_credit_score INTEGER,
    version INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, business_id)
);

CREATE INDEX IF NOT EXISTS idx_profiles_tenant ON monitoring_profiles(tenant_id);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    business_id TEXT NOT NULL,
    profile_id TEXT NOT NULL,
    category TEXT NOT NULL,
    severity TEXT NOT NULL,
    previous_value REAL,
    current_value REAL NOT NULL,
    threshold_value REAL NOT NULL,
    change_amount REAL NOT NULL DEFAULT 0,
    change_percent REAL,
    message TEXT,
    related_entity_id TEXT,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    is_read INTEGER NOT NULL DEFAULT 0,
    read_at TIMESTAMP,
    is_acknowledged INTEGER NOT NULL DEFAULT 0,
    acknowledged_by TEXT,
    acknowledged_at TIMESTAMP,
    ack_notes TEXT
);

CREATE INDEX IF NOT EXISTS idx_alerts_tenant ON alerts(tenant_id);
CREATE INDEX IF NOT EXISTS idx_alerts_business ON alerts(tenant_id, business_id, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_unread ON alerts(tenant_id, business_id, is_read);
`

const schemaPendingNotifications = `
CREATE TABLE IF NOT EXISTS pending_notifications (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    alert_id TEXT NOT NULL,
    business_id TEXT NOT NULL,
    profile_id TEXT NOT NULL,
    severity TEXT NOT NULL,
    channels TEXT NOT NULL,
    cadence TEXT NOT NULL,
    queued_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_cadence ON pending_notifications(tenant_id, cadence);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaScoreResults,
		schemaMonitoringProfiles,
		schemaAlerts,
		schemaPendingNotifications,
	}
}
