package storepg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pulseone/pulseone/internal/domain"
)

// LoadVirtualPoints implements vpoint.RuleSource.
func (s *Store) LoadVirtualPoints(tenantID int64) ([]domain.VirtualPoint, error) {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, formula, dependencies, data_type, enabled
		FROM virtual_points
		WHERE tenant_id = $1 AND enabled = TRUE
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("storepg: load virtual points: %w", err)
	}
	defer rows.Close()

	var points []domain.VirtualPoint
	for rows.Next() {
		var vp domain.VirtualPoint
		var deps []byte
		if err := rows.Scan(&vp.ID, &vp.TenantID, &vp.Name, &vp.Formula, &deps, &vp.DataType, &vp.Enabled); err != nil {
			return nil, fmt.Errorf("storepg: scan virtual point: %w", err)
		}
		if err := json.Unmarshal(deps, &vp.Dependencies); err != nil {
			return nil, fmt.Errorf("storepg: unmarshal virtual point dependencies: %w", err)
		}
		points = append(points, vp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storepg: load virtual points rows: %w", err)
	}
	return points, nil
}
