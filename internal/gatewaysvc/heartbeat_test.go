package gatewaysvc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.FlushDB(context.Background()); client.Close() })
	return client
}

type fakeEdgeServerStore struct {
	mu       sync.Mutex
	lastSeen time.Time
	calls    int
}

func (f *fakeEdgeServerStore) UpdateLastSeen(ctx context.Context, gatewayID int64, seenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen = seenAt
	f.calls++
	return nil
}

func TestHeartbeatBeatWritesRedisStatusAndUpdatesLastSeen(t *testing.T) {
	client := newTestRedisClient(t)
	store := &fakeEdgeServerStore{}
	hb := NewHeartbeat(7, time.Hour, store, client)

	hb.beat()

	store.mu.Lock()
	calls := store.calls
	store.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected UpdateLastSeen called once, got %d", calls)
	}

	raw, err := client.Get(context.Background(), "gateway:status:7").Result()
	if err != nil {
		t.Fatalf("expected status key in redis: %v", err)
	}
	var status map[string]any
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status["status"] != "active" {
		t.Fatalf("expected status active, got %v", status["status"])
	}
}

func TestHeartbeatIncludesStatusFnFields(t *testing.T) {
	client := newTestRedisClient(t)
	store := &fakeEdgeServerStore{}
	hb := NewHeartbeat(8, time.Hour, store, client)
	hb.StatusFn = func() map[string]any { return map[string]any{"subscriber_mode": "all"} }

	hb.beat()

	raw, err := client.Get(context.Background(), "gateway:status:8").Result()
	if err != nil {
		t.Fatalf("expected status key in redis: %v", err)
	}
	var status map[string]any
	json.Unmarshal([]byte(raw), &status)
	if status["subscriber_mode"] != "all" {
		t.Fatalf("expected extra status field present, got %+v", status)
	}
}

func TestHeartbeatStartStopRunsRepeatedly(t *testing.T) {
	client := newTestRedisClient(t)
	store := &fakeEdgeServerStore{}
	hb := NewHeartbeat(9, 30*time.Millisecond, store, client)

	hb.Start()
	time.Sleep(120 * time.Millisecond)
	hb.Stop()

	store.mu.Lock()
	calls := store.calls
	store.mu.Unlock()
	if calls < 2 {
		t.Fatalf("expected multiple beats from ticker, got %d", calls)
	}
}

func TestHeartbeatDefaultsIntervalWhenUnset(t *testing.T) {
	hb := NewHeartbeat(1, 0, &fakeEdgeServerStore{}, nil)
	if hb.Interval != defaultHeartbeatInterval {
		t.Fatalf("expected default interval, got %v", hb.Interval)
	}
}
