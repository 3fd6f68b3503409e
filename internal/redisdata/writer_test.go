package redisdata

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulseone/pulseone/internal/domain"
)

// newTestRedisClient creates a Redis client for testing. Tests that
// require a running Redis instance are skipped automatically.
func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.FlushDB(context.Background()); client.Close() })
	return client
}

func TestSaveDeviceMessageWritesPointAndDeviceKeys(t *testing.T) {
	client := newTestRedisClient(t)
	w := New(client, "building-a")
	ctx := context.Background()

	msg := domain.DeviceDataMessage{
		DeviceID: 1,
		TenantID: 1,
		Protocol: "modbus",
		Points: []domain.TimestampedValue{
			{PointID: 11, Value: domain.DoubleValue(42.5), Quality: domain.QualityGood, Timestamp: time.Now()},
		},
	}

	persisted, err := w.SaveDeviceMessage(ctx, msg)
	if err != nil || !persisted {
		t.Fatalf("expected persisted=true, got persisted=%v err=%v", persisted, err)
	}

	raw, err := client.Get(ctx, "point:11:latest").Bytes()
	if err != nil {
		t.Fatalf("point:11:latest not written: %v", err)
	}
	var pl pointLatest
	if err := json.Unmarshal(raw, &pl); err != nil {
		t.Fatalf("unmarshal point latest: %v", err)
	}
	if pl.Quality != domain.QualityGood {
		t.Fatalf("expected quality GOOD, got %v", pl.Quality)
	}

	if _, err := client.Get(ctx, "device:full:1").Result(); err != nil {
		t.Fatalf("device:full:1 not written: %v", err)
	}
}

func TestPublishAlarmEventSetsActiveKeyAndDeletesOnClear(t *testing.T) {
	client := newTestRedisClient(t)
	w := New(client, "building-a")
	ctx := context.Background()

	activeEvent := domain.AlarmEvent{
		OccurrenceID: 1,
		RuleID:       7,
		TenantID:     1,
		Severity:     domain.SeverityHigh,
		State:        domain.AlarmStateActive,
		Timestamp:    time.Now(),
	}
	if err := w.PublishAlarmEvent(ctx, activeEvent); err != nil {
		t.Fatalf("publish active: %v", err)
	}
	if exists, _ := client.Exists(ctx, "alarm:active:7").Result(); exists == 0 {
		t.Fatal("expected alarm:active:7 to be set")
	}

	clearEvent := activeEvent
	clearEvent.State = domain.AlarmStateCleared
	if err := w.PublishAlarmEvent(ctx, clearEvent); err != nil {
		t.Fatalf("publish clear: %v", err)
	}
	if exists, _ := client.Exists(ctx, "alarm:active:7").Result(); exists != 0 {
		t.Fatal("expected alarm:active:7 to be deleted on clear")
	}
}

func TestWriteGatewayHeartbeatSetsTTL(t *testing.T) {
	client := newTestRedisClient(t)
	w := New(client, "building-a")
	ctx := context.Background()

	if err := w.WriteGatewayHeartbeat(ctx, 1, json.RawMessage(`{"status":"ok"}`)); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	ttl, err := client.TTL(ctx, "gateway:status:1").Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > gatewayStatusTTL {
		t.Fatalf("expected ttl in (0, %v], got %v", gatewayStatusTTL, ttl)
	}
}
