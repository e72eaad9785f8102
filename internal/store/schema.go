package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// migrations holds the ordered DDL for the core tables. Partition lifecycle
// for readings is managed externally; the table here is the template the
// partition manager attaches to.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		tenant_id  TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		key_id       TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL REFERENCES tenants(tenant_id),
		name         TEXT NOT NULL,
		key_hash     TEXT NOT NULL,
		is_active    BOOLEAN NOT NULL DEFAULT true,
		expires_at   TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS sites (
		site_id   TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(tenant_id),
		name      TEXT NOT NULL,
		active    BOOLEAN NOT NULL DEFAULT true
	)`,

	`CREATE TABLE IF NOT EXISTS areas (
		area_id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL REFERENCES sites(site_id),
		name    TEXT NOT NULL,
		active  BOOLEAN NOT NULL DEFAULT true
	)`,

	`CREATE TABLE IF NOT EXISTS units (
		unit_id           TEXT PRIMARY KEY,
		area_id           TEXT NOT NULL REFERENCES areas(area_id),
		name              TEXT NOT NULL,
		min_temp          INTEGER,
		max_temp          INTEGER,
		temp_unit         TEXT NOT NULL DEFAULT 'F',
		status            TEXT NOT NULL DEFAULT 'ok',
		status_changed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_reading_at   TIMESTAMPTZ,
		last_temp         INTEGER,
		restore_streak    INTEGER NOT NULL DEFAULT 0,
		active            BOOLEAN NOT NULL DEFAULT true,
		CONSTRAINT units_bounds_chk CHECK (
			min_temp IS NULL OR max_temp IS NULL OR min_temp < max_temp
		)
	)`,

	`CREATE TABLE IF NOT EXISTS readings (
		reading_id  TEXT PRIMARY KEY,
		unit_id     TEXT NOT NULL REFERENCES units(unit_id),
		device_id   TEXT,
		temperature INTEGER NOT NULL,
		humidity    INTEGER,
		battery     INTEGER,
		signal      INTEGER,
		recorded_at TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		source      TEXT NOT NULL DEFAULT '',
		raw_payload JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS readings_unit_recorded_idx
		ON readings(unit_id, recorded_at DESC)`,

	`CREATE TABLE IF NOT EXISTS alert_rules (
		rule_id         TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL REFERENCES tenants(tenant_id),
		site_id         TEXT REFERENCES sites(site_id),
		unit_id         TEXT REFERENCES units(unit_id),
		alert_type      TEXT NOT NULL,
		enabled         BOOLEAN NOT NULL DEFAULT true,
		min_temp        INTEGER,
		max_temp        INTEGER,
		confirm_minutes INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// At most one enabled rule per exact scope per alert type.
	`CREATE UNIQUE INDEX IF NOT EXISTS alert_rules_unit_scope_uq
		ON alert_rules(tenant_id, unit_id, alert_type)
		WHERE enabled AND unit_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS alert_rules_site_scope_uq
		ON alert_rules(tenant_id, site_id, alert_type)
		WHERE enabled AND site_id IS NOT NULL AND unit_id IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS alert_rules_tenant_scope_uq
		ON alert_rules(tenant_id, alert_type)
		WHERE enabled AND site_id IS NULL AND unit_id IS NULL`,

	`CREATE TABLE IF NOT EXISTS alerts (
		alert_id         TEXT PRIMARY KEY,
		unit_id          TEXT NOT NULL REFERENCES units(unit_id),
		alert_type       TEXT NOT NULL,
		severity         TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'active',
		trigger_temp     INTEGER NOT NULL,
		bound_violated   TEXT NOT NULL,
		triggered_at     TIMESTAMPTZ NOT NULL,
		acknowledged_at  TIMESTAMPTZ,
		acknowledged_by  TEXT,
		ack_notes        TEXT,
		resolved_at      TIMESTAMPTZ,
		resolved_by      TEXT,
		resolution       TEXT,
		corrective_note  TEXT,
		escalation_level INTEGER NOT NULL DEFAULT 0,
		escalated_at     TIMESTAMPTZ,
		metadata         JSONB,
		CONSTRAINT alerts_resolved_chk CHECK (
			(status = 'resolved') = (resolved_at IS NOT NULL)
		)
	)`,
	// Exactly one open alert of a given type per unit.
	`CREATE UNIQUE INDEX IF NOT EXISTS alerts_open_per_unit_uq
		ON alerts(unit_id, alert_type)
		WHERE status IN ('active', 'acknowledged', 'escalated')`,
	`CREATE INDEX IF NOT EXISTS alerts_status_idx ON alerts(status, severity)`,

	`CREATE TABLE IF NOT EXISTS escalation_contacts (
		contact_id TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL REFERENCES tenants(tenant_id),
		name       TEXT NOT NULL,
		phone      TEXT NOT NULL,
		priority   INTEGER NOT NULL DEFAULT 1,
		active     BOOLEAN NOT NULL DEFAULT true,
		user_id    TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS notification_deliveries (
		delivery_id         TEXT PRIMARY KEY,
		alert_id            TEXT NOT NULL REFERENCES alerts(alert_id),
		phone               TEXT NOT NULL,
		user_id             TEXT,
		channel             TEXT NOT NULL DEFAULT 'sms',
		status              TEXT NOT NULL DEFAULT 'pending',
		escalation_level    INTEGER NOT NULL DEFAULT 0,
		provider_message_id TEXT,
		scheduled_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		sent_at             TIMESTAMPTZ,
		delivered_at        TIMESTAMPTZ,
		failed_at           TIMESTAMPTZ,
		error_text          TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS deliveries_provider_idx
		ON notification_deliveries(provider_message_id)`,
	`CREATE INDEX IF NOT EXISTS deliveries_scheduled_idx
		ON notification_deliveries(scheduled_at)`,

	`CREATE TABLE IF NOT EXISTS metric_buckets (
		unit_id      TEXT NOT NULL REFERENCES units(unit_id),
		period_start TIMESTAMPTZ NOT NULL,
		granularity  TEXT NOT NULL DEFAULT 'hourly',
		temp_min     INTEGER NOT NULL,
		temp_max     INTEGER NOT NULL,
		temp_sum     BIGINT NOT NULL,
		temp_count   BIGINT NOT NULL,
		humidity_min INTEGER,
		humidity_max INTEGER,
		humidity_sum BIGINT,
		humidity_n   BIGINT,
		anomalies    BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (unit_id, period_start, granularity)
	)`,
}

// Migrate applies the core-table DDL. Statements are idempotent so startup
// can run this unconditionally.
func Migrate(ctx context.Context, db *sql.DB) error {
	logger := log.New(log.Writer(), "[MIGRATE] ", log.LstdFlags)
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	logger.Printf("Schema up to date (%d statements)", len(migrations))
	return nil
}
