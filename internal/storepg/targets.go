package storepg

import (
	"context"
	"fmt"

	"github.com/pulseone/pulseone/internal/domain"
)

// LoadTargets implements registry.TargetSource.
func (s *Store) LoadTargets(ctx context.Context) ([]domain.DynamicTarget, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, type, enabled, execution_order, execution_delay_ms,
		       priority, config, description
		FROM export_targets
		ORDER BY execution_order, priority
	`)
	if err != nil {
		return nil, fmt.Errorf("storepg: load targets: %w", err)
	}
	defer rows.Close()

	var targets []domain.DynamicTarget
	for rows.Next() {
		var t domain.DynamicTarget
		var description *string
		if err := rows.Scan(&t.ID, &t.Name, &t.Type, &t.Enabled, &t.ExecutionOrder, &t.ExecutionDelayMS,
			&t.Priority, &t.Config, &description); err != nil {
			return nil, fmt.Errorf("storepg: scan target: %w", err)
		}
		if description != nil {
			t.Description = *description
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storepg: load targets rows: %w", err)
	}
	return targets, nil
}

// LoadMappings implements registry.TargetSource: per-point field/site/
// scale/offset overrides plus the target's site->building table.
func (s *Store) LoadMappings(ctx context.Context, targetID int64) (*domain.TargetMappings, error) {
	m := domain.NewTargetMappings()

	pointRows, err := s.pool.Query(ctx, `
		SELECT point_id, field_name, site_override, scale, offset_value
		FROM export_target_mappings
		WHERE target_id = $1
	`, targetID)
	if err != nil {
		return nil, fmt.Errorf("storepg: load point mappings: %w", err)
	}
	defer pointRows.Close()

	for pointRows.Next() {
		var pointID int64
		var fieldName, siteOverride *string
		var scale, offset float64
		if err := pointRows.Scan(&pointID, &fieldName, &siteOverride, &scale, &offset); err != nil {
			return nil, fmt.Errorf("storepg: scan point mapping: %w", err)
		}
		if fieldName != nil {
			m.PointField[pointID] = *fieldName
		}
		if siteOverride != nil {
			m.PointSiteOverride[pointID] = *siteOverride
		}
		m.PointScale[pointID] = scale
		m.PointOffset[pointID] = offset
	}
	if err := pointRows.Err(); err != nil {
		return nil, fmt.Errorf("storepg: load point mappings rows: %w", err)
	}

	siteRows, err := s.pool.Query(ctx, `
		SELECT site_id, external_building_id
		FROM export_site_buildings
		WHERE target_id = $1
	`, targetID)
	if err != nil {
		return nil, fmt.Errorf("storepg: load site buildings: %w", err)
	}
	defer siteRows.Close()

	for siteRows.Next() {
		var siteID, buildingID string
		if err := siteRows.Scan(&siteID, &buildingID); err != nil {
			return nil, fmt.Errorf("storepg: scan site building: %w", err)
		}
		m.SiteBuilding[siteID] = buildingID
	}
	if err := siteRows.Err(); err != nil {
		return nil, fmt.Errorf("storepg: load site buildings rows: %w", err)
	}

	return m, nil
}
