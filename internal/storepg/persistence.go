package storepg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pulseone/pulseone/internal/logging"
	"github.com/pulseone/pulseone/internal/persistence"

	"github.com/pulseone/pulseone/internal/domain"
)

// SaveDeviceMessage is the RDB-side sink the persistence manager's RDB
// queue drains into: one row per ingested message, points stored as JSONB
// (spec §4.5 item 4's "RDB repository" half of the fan-out).
func (s *Store) SaveDeviceMessage(ctx context.Context, msg domain.DeviceDataMessage) error {
	points, err := json.Marshal(msg.Points)
	if err != nil {
		return fmt.Errorf("storepg: marshal points: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO device_messages (device_id, tenant_id, protocol, occurred_at, points)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.DeviceID, msg.TenantID, msg.Protocol, msg.Timestamp, points)
	if err != nil {
		return fmt.Errorf("storepg: save device message: %w", err)
	}
	return nil
}

// SaveCommStats persists one comm-stats rollup (spec §4.5 item 4's
// per-device counter sink).
func (s *Store) SaveCommStats(ctx context.Context, stats persistence.CommStats) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO comm_stats (device_id, tenant_id, point_count, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, stats.DeviceID, stats.TenantID, stats.PointCount, stats.Timestamp)
	if err != nil {
		return fmt.Errorf("storepg: save comm stats: %w", err)
	}
	return nil
}

// DeviceMessageSink adapts SaveDeviceMessage to persistence.Sink, logging
// failures instead of propagating them (the bounded queue has no error
// return path by design).
func (s *Store) DeviceMessageSink(ctx context.Context) persistence.Sink[domain.DeviceDataMessage] {
	return func(msg domain.DeviceDataMessage) {
		if err := s.SaveDeviceMessage(ctx, msg); err != nil {
			logging.Op().Warn("storepg: device message sink failed", "device_id", msg.DeviceID, "error", err)
		}
	}
}

// CommStatsSink adapts SaveCommStats to persistence.Sink.
func (s *Store) CommStatsSink(ctx context.Context) persistence.Sink[persistence.CommStats] {
	return func(stats persistence.CommStats) {
		if err := s.SaveCommStats(ctx, stats); err != nil {
			logging.Op().Warn("storepg: comm stats sink failed", "device_id", stats.DeviceID, "error", err)
		}
	}
}
