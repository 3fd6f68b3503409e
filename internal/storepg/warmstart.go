package storepg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pulseone/pulseone/internal/alarm"
)

// LoadLatestPointValues implements alarm.PointValueSource: for tenantID,
// it returns the most recent device_messages row per device, used to
// reseed Redis point:<id>:latest keys on a cold boot (warm startup).
func (s *Store) LoadLatestPointValues(ctx context.Context, tenantID int64) ([]alarm.PointSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (device_id) device_id, tenant_id, points
		FROM device_messages
		WHERE tenant_id = $1
		ORDER BY device_id, occurred_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("storepg: load latest point values: %w", err)
	}
	defer rows.Close()

	var out []alarm.PointSnapshot
	for rows.Next() {
		var (
			snap       alarm.PointSnapshot
			pointsJSON []byte
		)
		if err := rows.Scan(&snap.DeviceID, &snap.TenantID, &pointsJSON); err != nil {
			return nil, fmt.Errorf("storepg: scan latest point values: %w", err)
		}
		if err := json.Unmarshal(pointsJSON, &snap.Points); err != nil {
			return nil, fmt.Errorf("storepg: unmarshal latest points: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storepg: latest point values rows: %w", err)
	}
	return out, nil
}
