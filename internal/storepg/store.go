// Package storepg is the Postgres implementation of the repository
// interfaces the rest of the tree declares as unexported boundaries:
// alarm.RuleSource, alarm.OccurrenceStore, registry.TargetSource,
// gatewaysvc.EdgeServerSource, gatewaysvc.EdgeServerStore, and
// gatewaysvc.DeviceToPointResolver. One pgxpool.Pool backs all of them.
package storepg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store holds the shared connection pool every repository method in this
// package queries through.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pool against dsn, pings it, and ensures the schema this
// package depends on exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storepg: postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storepg: create pool: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("storepg: not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alarm_rules (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			tenant_id BIGINT NOT NULL,
			target_type TEXT NOT NULL,
			target_id BIGINT NOT NULL,
			alarm_type TEXT NOT NULL,
			high_high DOUBLE PRECISION,
			high DOUBLE PRECISION,
			low DOUBLE PRECISION,
			low_low DOUBLE PRECISION,
			condition_script TEXT,
			severity SMALLINT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_rules_tenant ON alarm_rules(tenant_id)`,
		`CREATE TABLE IF NOT EXISTS alarm_occurrences (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			rule_id BIGINT NOT NULL REFERENCES alarm_rules(id),
			tenant_id BIGINT NOT NULL,
			point_id BIGINT,
			device_id BIGINT,
			state SMALLINT NOT NULL,
			severity SMALLINT NOT NULL,
			trigger_value TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			occurrence_time TIMESTAMPTZ NOT NULL,
			acknowledged_time TIMESTAMPTZ,
			source_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_occ_state ON alarm_occurrences(state)`,
		`CREATE TABLE IF NOT EXISTS export_targets (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			execution_order INTEGER NOT NULL DEFAULT 0,
			execution_delay_ms INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			config JSONB NOT NULL DEFAULT '{}',
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS export_target_mappings (
			target_id BIGINT NOT NULL REFERENCES export_targets(id) ON DELETE CASCADE,
			point_id BIGINT NOT NULL,
			field_name TEXT,
			site_override TEXT,
			scale DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			offset_value DOUBLE PRECISION NOT NULL DEFAULT 0.0,
			PRIMARY KEY (target_id, point_id)
		)`,
		`CREATE TABLE IF NOT EXISTS export_site_buildings (
			target_id BIGINT NOT NULL REFERENCES export_targets(id) ON DELETE CASCADE,
			site_id TEXT NOT NULL,
			external_building_id TEXT NOT NULL,
			PRIMARY KEY (target_id, site_id)
		)`,
		`CREATE TABLE IF NOT EXISTS edge_servers (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			tenant_id BIGINT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'SELECTIVE',
			target_priorities JSONB NOT NULL DEFAULT '{}',
			assigned_device_ids BIGINT[] NOT NULL DEFAULT '{}',
			heartbeat_interval_ms INTEGER NOT NULL DEFAULT 30000,
			last_seen TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			tenant_id BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS data_points (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			device_id BIGINT NOT NULL REFERENCES devices(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_data_points_device ON data_points(device_id)`,
		`CREATE TABLE IF NOT EXISTS device_messages (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			device_id BIGINT NOT NULL,
			tenant_id BIGINT NOT NULL,
			protocol TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			points JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_device_messages_device_time ON device_messages(device_id, occurred_at DESC)`,
		`CREATE TABLE IF NOT EXISTS comm_stats (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			device_id BIGINT NOT NULL,
			tenant_id BIGINT NOT NULL,
			point_count INTEGER NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comm_stats_device_time ON comm_stats(device_id, occurred_at DESC)`,
		`CREATE TABLE IF NOT EXISTS virtual_points (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			tenant_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			formula TEXT NOT NULL,
			dependencies JSONB NOT NULL DEFAULT '[]',
			data_type TEXT NOT NULL DEFAULT 'double',
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_virtual_points_tenant ON virtual_points(tenant_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("storepg: ensure schema: %w", err)
		}
	}
	return nil
}
