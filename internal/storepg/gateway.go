package storepg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulseone/pulseone/internal/export/subscriber"
	"github.com/pulseone/pulseone/internal/gatewaysvc"
)

// LoadEdgeServer implements gatewaysvc.EdgeServerSource.
func (s *Store) LoadEdgeServer(ctx context.Context, gatewayID int64) (gatewaysvc.EdgeServer, error) {
	var (
		tenantID         int64
		mode             string
		prioritiesJSON   []byte
		assignedDeviceID []int64
		intervalMS       int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, mode, target_priorities, assigned_device_ids, heartbeat_interval_ms
		FROM edge_servers
		WHERE id = $1
	`, gatewayID).Scan(&tenantID, &mode, &prioritiesJSON, &assignedDeviceID, &intervalMS)
	if err != nil {
		return gatewaysvc.EdgeServer{}, fmt.Errorf("storepg: load edge server %d: %w", gatewayID, err)
	}

	var priorities map[string]int
	if len(prioritiesJSON) > 0 {
		if err := json.Unmarshal(prioritiesJSON, &priorities); err != nil {
			return gatewaysvc.EdgeServer{}, fmt.Errorf("storepg: unmarshal target_priorities: %w", err)
		}
	}

	return gatewaysvc.EdgeServer{
		ID:                gatewayID,
		TenantID:          tenantID,
		Mode:              subscriber.Mode(mode),
		TargetPriorities:  priorities,
		AssignedDeviceIDs: assignedDeviceID,
		HeartbeatInterval: time.Duration(intervalMS) * time.Millisecond,
	}, nil
}

// UpdateLastSeen implements gatewaysvc.EdgeServerStore.
func (s *Store) UpdateLastSeen(ctx context.Context, gatewayID int64, seenAt time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE edge_servers SET last_seen = $2 WHERE id = $1
	`, gatewayID, seenAt)
	if err != nil {
		return fmt.Errorf("storepg: update last_seen: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("storepg: edge server not found: %d", gatewayID)
	}
	return nil
}

// PointIDsForDevices implements gatewaysvc.DeviceToPointResolver.
func (s *Store) PointIDsForDevices(ctx context.Context, deviceIDs []int64) ([]int64, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM data_points WHERE device_id = ANY($1)
	`, deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("storepg: point ids for devices: %w", err)
	}
	defer rows.Close()

	var pointIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storepg: scan point id: %w", err)
		}
		pointIDs = append(pointIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storepg: point ids rows: %w", err)
	}
	return pointIDs, nil
}
