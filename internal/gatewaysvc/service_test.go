package gatewaysvc

import (
	"context"
	"testing"
	"time"

	"github.com/pulseone/pulseone/internal/backendformat"
	"github.com/pulseone/pulseone/internal/breaker"
	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/export/registry"
	"github.com/pulseone/pulseone/internal/export/runner"
	"github.com/pulseone/pulseone/internal/export/subscriber"
)

func defaultBreakerCfgForTest() breaker.Config {
	return breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenRequests: 1}
}

type fakeTargetSource struct{}

func (fakeTargetSource) LoadTargets(ctx context.Context) ([]domain.DynamicTarget, error) {
	return nil, nil
}

func (fakeTargetSource) LoadMappings(ctx context.Context, targetID int64) (*domain.TargetMappings, error) {
	return domain.NewTargetMappings(), nil
}

type fakeEdgeSource struct {
	edge     EdgeServer
	lastSeen time.Time
	calls    int
}

func (f *fakeEdgeSource) LoadEdgeServer(ctx context.Context, gatewayID int64) (EdgeServer, error) {
	return f.edge, nil
}

func (f *fakeEdgeSource) UpdateLastSeen(ctx context.Context, gatewayID int64, seenAt time.Time) error {
	f.lastSeen = seenAt
	f.calls++
	return nil
}

type fakeResolver struct {
	pointIDs []int64
	err      error
}

func (f *fakeResolver) PointIDsForDevices(ctx context.Context, deviceIDs []int64) ([]int64, error) {
	return f.pointIDs, f.err
}

type fakeDispatcher struct {
	received chan backendformat.AlarmEventData
}

func (f *fakeDispatcher) DispatchAlarm(event backendformat.AlarmEventData) {
	f.received <- event
}

func (f *fakeDispatcher) DispatchCommand(channel, payload string)  {}
func (f *fakeDispatcher) DispatchSchedule(channel, payload string) {}
func (f *fakeDispatcher) DispatchSystem(channel, payload string)   {}

func TestServiceStartAppliesSelectiveAllowListFromResolver(t *testing.T) {
	client := newTestRedisClient(t)
	reg := registry.New(fakeTargetSource{})
	r := runner.New(reg, defaultBreakerCfgForTest())
	sub := subscriber.New(client, subscriber.Config{Mode: subscriber.ModeSelective})
	edgeSrc := &fakeEdgeSource{edge: EdgeServer{ID: 1, Mode: subscriber.ModeSelective, AssignedDeviceIDs: []int64{10, 20}, HeartbeatInterval: time.Hour}}
	resolver := &fakeResolver{pointIDs: []int64{100, 200}}
	dispatcher := &fakeDispatcher{received: make(chan backendformat.AlarmEventData, 1)}

	svc := New(1, reg, r, client, sub, edgeSrc, resolver, dispatcher)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	if !sub.Allows(100) {
		t.Fatal("expected resolved point id 100 to be allowed")
	}
	if sub.Allows(999) {
		t.Fatal("expected unresolved point id to be rejected under selective mode")
	}
}

func TestServiceStartAllowsAllInAllMode(t *testing.T) {
	client := newTestRedisClient(t)
	reg := registry.New(fakeTargetSource{})
	r := runner.New(reg, defaultBreakerCfgForTest())
	sub := subscriber.New(client, subscriber.Config{Mode: subscriber.ModeAll})
	edgeSrc := &fakeEdgeSource{edge: EdgeServer{ID: 2, Mode: subscriber.ModeAll, HeartbeatInterval: time.Hour}}
	dispatcher := &fakeDispatcher{received: make(chan backendformat.AlarmEventData, 1)}

	svc := New(2, reg, r, client, sub, edgeSrc, &fakeResolver{}, dispatcher)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	if !sub.Allows(42) {
		t.Fatal("expected all-mode to accept any point id")
	}
}

func TestServiceStartFallsBackToAllowAllWhenResolverErrors(t *testing.T) {
	client := newTestRedisClient(t)
	reg := registry.New(fakeTargetSource{})
	r := runner.New(reg, defaultBreakerCfgForTest())
	sub := subscriber.New(client, subscriber.Config{Mode: subscriber.ModeSelective})
	edgeSrc := &fakeEdgeSource{edge: EdgeServer{ID: 3, Mode: subscriber.ModeSelective, HeartbeatInterval: time.Hour}}
	resolver := &fakeResolver{err: context.DeadlineExceeded}
	dispatcher := &fakeDispatcher{received: make(chan backendformat.AlarmEventData, 1)}

	svc := New(3, reg, r, client, sub, edgeSrc, resolver, dispatcher)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	if !sub.Allows(1234) {
		t.Fatal("expected resolver error to fall back to allow-all")
	}
}

func TestServiceStopSucceedsWithoutHeartbeatSet(t *testing.T) {
	client := newTestRedisClient(t)
	reg := registry.New(fakeTargetSource{})
	r := runner.New(reg, defaultBreakerCfgForTest())
	sub := subscriber.New(client, subscriber.Config{Mode: subscriber.ModeAll})
	svc := New(4, reg, r, client, sub, &fakeEdgeSource{}, &fakeResolver{}, &fakeDispatcher{received: make(chan backendformat.AlarmEventData, 1)})
	svc.Stop()
}
