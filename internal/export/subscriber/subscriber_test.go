package subscriber

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulseone/pulseone/internal/backendformat"
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

func TestSubscriberChannelsSelectiveOmitsAllChannel(t *testing.T) {
	s := &Subscriber{cfg: Config{Mode: ModeSelective, GatewayID: 1}}
	got := s.channels()
	if len(got) != 2 || got[0] != channelProcessed || got[1] != "cmd:gateway:1" {
		t.Fatalf("expected processed and command channel only, got %v", got)
	}
}

func TestSubscriberChannelsAllIncludesBoth(t *testing.T) {
	s := &Subscriber{cfg: Config{Mode: ModeAll, GatewayID: 1}}
	got := s.channels()
	if len(got) != 3 {
		t.Fatalf("expected processed, command, and all channels, got %v", got)
	}
}

func TestSubscriberAllowedAcceptsAllWhenAllowListEmpty(t *testing.T) {
	s := &Subscriber{}
	if !s.allowed(backendformat.AlarmEventData{}) {
		t.Fatal("expected empty allow-list to accept all events")
	}
}

func TestSubscriberAllowedRejectsUnlistedPoint(t *testing.T) {
	allowed := int64(5)
	s := &Subscriber{allowedPointIDs: map[int64]struct{}{1: {}}}
	if s.allowed(backendformat.AlarmEventData{PointID: &allowed}) {
		t.Fatal("expected point not in allow-list to be rejected")
	}
}

func TestSubscriberAllowedAcceptsListedPoint(t *testing.T) {
	id := int64(7)
	s := &Subscriber{allowedPointIDs: map[int64]struct{}{7: {}}}
	if !s.allowed(backendformat.AlarmEventData{PointID: &id}) {
		t.Fatal("expected point in allow-list to be accepted")
	}
}

func TestSubscriberAllowedRejectsNilPointIDWhenFiltering(t *testing.T) {
	s := &Subscriber{allowedPointIDs: map[int64]struct{}{7: {}}}
	if s.allowed(backendformat.AlarmEventData{}) {
		t.Fatal("expected nil point id to be rejected under a non-empty allow-list")
	}
}

func TestSubscriberSetAllowedPointIDsReplacesFilter(t *testing.T) {
	s := New(nil, Config{})
	id := int64(3)
	s.SetAllowedPointIDs(map[int64]struct{}{3: {}})
	if !s.allowed(backendformat.AlarmEventData{PointID: &id}) {
		t.Fatal("expected newly set allow-list to accept its member")
	}
}

func TestSubscriberHandleMessageDispatchesAdmittedEvent(t *testing.T) {
	s := New(nil, Config{Workers: 1, QueueDepth: 4})
	dispatched := make(chan backendformat.AlarmEventData, 1)
	s.Callback = func(e backendformat.AlarmEventData) { dispatched <- e }

	s.wg.Add(1)
	go s.worker()
	defer close(s.stopCh)

	payload := `{"type":"alarm_event","occurrence_id":42,"message":"hot"}`
	s.handleMessage(channelProcessed, payload)

	select {
	case e := <-dispatched:
		if e.OccurrenceID != 42 {
			t.Fatalf("expected occurrence_id 42, got %d", e.OccurrenceID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event to be dispatched")
	}

	if s.Stats().Received != 1 {
		t.Fatalf("expected received count 1, got %d", s.Stats().Received)
	}
	if s.Stats().Dispatched != 1 {
		t.Fatalf("expected dispatched count 1, got %d", s.Stats().Dispatched)
	}
}

func TestSubscriberHandleMessageFiltersDisallowedPoint(t *testing.T) {
	s := New(nil, Config{Workers: 1, QueueDepth: 4})
	s.SetAllowedPointIDs(map[int64]struct{}{99: {}})

	payload := `{"type":"alarm_event","occurrence_id":1,"point_id":5}`
	s.handleMessage(channelProcessed, payload)

	if s.Stats().Filtered != 1 {
		t.Fatalf("expected filtered count 1, got %d", s.Stats().Filtered)
	}
	if s.Stats().Dispatched != 0 {
		t.Fatal("expected no dispatch for filtered event")
	}
}

func TestSubscriberHandleMessageIgnoresMalformedPayload(t *testing.T) {
	s := New(nil, Config{Workers: 1, QueueDepth: 4})
	s.handleMessage(channelProcessed, "{not json")
	if s.Stats().Received != 0 {
		t.Fatalf("expected malformed payload to not count as received, got %d", s.Stats().Received)
	}
}

func TestSubscriberStartAndStopViaRedis(t *testing.T) {
	client := newTestRedisClient(t)
	s := New(client, Config{Mode: ModeSelective, Workers: 1, QueueDepth: 4, ReconnectInterval: 50 * time.Millisecond})
	received := make(chan backendformat.AlarmEventData, 1)
	s.Callback = func(e backendformat.AlarmEventData) { received <- e }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	time.Sleep(100 * time.Millisecond) // let the subscribe loop attach
	if err := client.Publish(context.Background(), channelProcessed, `{"type":"alarm_event","occurrence_id":7}`).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case e := <-received:
		if e.OccurrenceID != 7 {
			t.Fatalf("expected occurrence_id 7, got %d", e.OccurrenceID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected published event to be received")
	}
}
