package storepg

import (
	"context"
	"fmt"

	"github.com/pulseone/pulseone/internal/domain"
)

// LoadRules implements alarm.RuleSource: every rule owned by tenantID,
// regardless of Enabled (the alarm registry filters disabled rules itself).
func (s *Store) LoadRules(ctx context.Context, tenantID int64) ([]domain.AlarmRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, target_type, target_id, alarm_type,
		       high_high, high, low, low_low, condition_script, severity, enabled
		FROM alarm_rules
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("storepg: load rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.AlarmRule
	for rows.Next() {
		var r domain.AlarmRule
		var severity int
		if err := rows.Scan(&r.ID, &r.TenantID, &r.TargetType, &r.TargetID, &r.AlarmType,
			&r.HighHigh, &r.High, &r.Low, &r.LowLow, &r.ConditionScript, &severity, &r.Enabled); err != nil {
			return nil, fmt.Errorf("storepg: scan rule: %w", err)
		}
		r.Severity = domain.Severity(severity)
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storepg: load rules rows: %w", err)
	}
	return rules, nil
}

// CreateOccurrence implements alarm.OccurrenceStore.
func (s *Store) CreateOccurrence(ctx context.Context, occ *domain.AlarmOccurrence) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alarm_occurrences
			(rule_id, tenant_id, point_id, device_id, state, severity,
			 trigger_value, message, occurrence_time, acknowledged_time, source_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, occ.RuleID, occ.TenantID, occ.PointID, occ.DeviceID, int(occ.State), int(occ.Severity),
		occ.TriggerValue, occ.Message, occ.OccurrenceTime, occ.AcknowledgedTime, occ.SourceName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storepg: create occurrence: %w", err)
	}
	return id, nil
}

// UpdateOccurrenceState implements alarm.OccurrenceStore.
func (s *Store) UpdateOccurrenceState(ctx context.Context, occurrenceID int64, state domain.AlarmState) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE alarm_occurrences SET state = $2 WHERE id = $1
	`, occurrenceID, int(state))
	if err != nil {
		return fmt.Errorf("storepg: update occurrence state: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("storepg: occurrence not found: %d", occurrenceID)
	}
	return nil
}

// ListActiveUnacknowledged implements alarm.OccurrenceStore, backing
// startup recovery (spec §4.7): every occurrence currently ACTIVE.
func (s *Store) ListActiveUnacknowledged(ctx context.Context) ([]domain.AlarmOccurrence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, tenant_id, point_id, device_id, state, severity,
		       trigger_value, message, occurrence_time, acknowledged_time, source_name
		FROM alarm_occurrences
		WHERE state = $1
		ORDER BY occurrence_time ASC
	`, int(domain.AlarmStateActive))
	if err != nil {
		return nil, fmt.Errorf("storepg: list active occurrences: %w", err)
	}
	defer rows.Close()

	var occs []domain.AlarmOccurrence
	for rows.Next() {
		var o domain.AlarmOccurrence
		var state, severity int
		if err := rows.Scan(&o.ID, &o.RuleID, &o.TenantID, &o.PointID, &o.DeviceID, &state, &severity,
			&o.TriggerValue, &o.Message, &o.OccurrenceTime, &o.AcknowledgedTime, &o.SourceName); err != nil {
			return nil, fmt.Errorf("storepg: scan occurrence: %w", err)
		}
		o.State = domain.AlarmState(state)
		o.Severity = domain.Severity(severity)
		occs = append(occs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storepg: list active occurrences rows: %w", err)
	}
	return occs, nil
}
