// Package redisdata is the hot-path Redis writer the persistence stage
// calls into: point/device snapshots, alarm active/clear keys, and the
// alarms:processed / alarms:all pub/sub channels (spec §4.5, §6).
package redisdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulseone/pulseone/internal/backendformat"
	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/logging"
)

const (
	alarmActiveTTL    = 0 // no expiry; deleted explicitly on CLEARED
	gatewayStatusTTL  = 90 * time.Second
	channelProcessed  = "alarms:processed"
	channelAll        = "alarms:all"
)

// Writer performs the Redis side effects of the persistence stage.
// Redis unavailability must never fail the pipeline: every method
// returns an error for the caller to record in stats, not to abort on.
type Writer struct {
	client   *redis.Client
	location string
}

// New builds a Writer against an existing Redis client.
func New(client *redis.Client, location string) *Writer {
	return &Writer{client: client, location: location}
}

type pointLatest struct {
	Value     any       `json:"value"`
	Quality   domain.Quality `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

type deviceSnapshot struct {
	DeviceID  int64                      `json:"device_id"`
	TenantID  int64                      `json:"tenant_id"`
	Protocol  string                     `json:"protocol"`
	Timestamp time.Time                  `json:"timestamp"`
	Points    []domain.TimestampedValue  `json:"points"`
}

// SaveDeviceMessage writes point:<id>:latest for every point, a
// device:full:<id> summary, and returns whether the write succeeded
// (spec §4.5 item 1: "Redis unavailability yields persisted_to_redis=false
// but does not fail the stage").
func (w *Writer) SaveDeviceMessage(ctx context.Context, msg domain.DeviceDataMessage) (persisted bool, err error) {
	pipe := w.client.TxPipeline()
	for _, p := range msg.Points {
		blob, marshalErr := json.Marshal(pointLatest{Value: p.Value.Any(), Quality: p.Quality, Timestamp: p.Timestamp})
		if marshalErr != nil {
			return false, fmt.Errorf("redisdata: marshal point %d: %w", p.PointID, marshalErr)
		}
		pipe.Set(ctx, fmt.Sprintf("point:%d:latest", p.PointID), blob, alarmActiveTTL)
	}

	snapshot := deviceSnapshot{
		DeviceID:  msg.DeviceID,
		TenantID:  msg.TenantID,
		Protocol:  msg.Protocol,
		Timestamp: msg.Timestamp,
		Points:    msg.Points,
	}
	deviceBlob, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("redisdata: marshal device snapshot: %w", err)
	}
	pipe.Set(ctx, fmt.Sprintf("device:full:%d", msg.DeviceID), deviceBlob, alarmActiveTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		logging.Op().Warn("redisdata: save device message failed", "device_id", msg.DeviceID, "error", err)
		return false, err
	}
	return true, nil
}

// PublishAlarmEvent converts event to its wire envelope, publishes it on
// alarms:processed (and alarms:all for global fan-out), and maintains the
// alarm:active:<rule_id> key: set on ACTIVE, deleted on CLEARED.
func (w *Writer) PublishAlarmEvent(ctx context.Context, event domain.AlarmEvent) error {
	envelope := backendformat.FromAlarmEvent(event, w.location)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("redisdata: marshal alarm event: %w", err)
	}

	pipe := w.client.TxPipeline()
	pipe.Publish(ctx, channelProcessed, payload)
	pipe.Publish(ctx, channelAll, payload)

	key := fmt.Sprintf("alarm:active:%d", event.RuleID)
	switch event.State {
	case domain.AlarmStateActive:
		pipe.Set(ctx, key, payload, alarmActiveTTL)
	case domain.AlarmStateCleared:
		pipe.Del(ctx, key)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// WriteLatestPoint sets point:<id>:latest directly, without a full device
// snapshot. Used by warm-start recovery to reseed Redis from the last
// value persisted to the RDB after a restart (spec §7, "Warm Startup").
func (w *Writer) WriteLatestPoint(ctx context.Context, pointID int64, value any, quality domain.Quality, timestamp time.Time) error {
	blob, err := json.Marshal(pointLatest{Value: value, Quality: quality, Timestamp: timestamp})
	if err != nil {
		return fmt.Errorf("redisdata: marshal point %d: %w", pointID, err)
	}
	return w.client.Set(ctx, fmt.Sprintf("point:%d:latest", pointID), blob, alarmActiveTTL).Err()
}

// WriteGatewayHeartbeat sets gateway:status:<gateway_id> with a 90s TTL
// (spec §6, Heartbeat Service).
func (w *Writer) WriteGatewayHeartbeat(ctx context.Context, gatewayID int64, status json.RawMessage) error {
	key := fmt.Sprintf("gateway:status:%d", gatewayID)
	return w.client.Set(ctx, key, []byte(status), gatewayStatusTTL).Err()
}

// Ping checks Redis reachability.
func (w *Writer) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

// Publish implements alarm.Publisher, so Writer can back alarm recovery's
// republish step without a second Redis client.
func (w *Writer) Publish(ctx context.Context, channel string, payload []byte) error {
	return w.client.Publish(ctx, channel, payload).Err()
}
