package gatewaysvc

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulseone/pulseone/internal/backendformat"
	"github.com/pulseone/pulseone/internal/export/registry"
	"github.com/pulseone/pulseone/internal/export/runner"
	"github.com/pulseone/pulseone/internal/export/subscriber"
	"github.com/pulseone/pulseone/internal/logging"
)

// EdgeServer is the subset of the edge_servers row the gateway service
// needs at startup.
type EdgeServer struct {
	ID               int64
	TenantID         int64
	Mode             subscriber.Mode
	TargetPriorities map[string]int
	AssignedDeviceIDs []int64
	HeartbeatInterval time.Duration
}

// EdgeServerSource loads the edge_servers row for this gateway instance.
type EdgeServerSource interface {
	LoadEdgeServer(ctx context.Context, gatewayID int64) (EdgeServer, error)
}

// DeviceToPointResolver maps an assigned device ID list to the set of
// point IDs the selective subscriber should allow; internal/storepg
// implements the repository lookup.
type DeviceToPointResolver interface {
	PointIDsForDevices(ctx context.Context, deviceIDs []int64) ([]int64, error)
}

// Dispatcher is the gateway's event delivery entry point. DispatchAlarm is
// invoked by the subscriber for every alarm event admitted past the
// allow-list; DispatchCommand/DispatchSchedule/DispatchSystem are the
// dedicated handlers spec §4.12 requires for the gateway's other inbound
// channels (cmd:gateway:<id>, schedule:*, system:*).
type Dispatcher interface {
	DispatchAlarm(event backendformat.AlarmEventData)
	DispatchCommand(channel, payload string)
	DispatchSchedule(channel, payload string)
	DispatchSystem(channel, payload string)
}

// Service orchestrates the target registry, runner, Redis client,
// subscriber, and heartbeat for one gateway instance (spec §4.13).
type Service struct {
	GatewayID int64

	Registry   *registry.Registry
	Runner     *runner.Runner
	Redis      *redis.Client
	Subscriber *subscriber.Subscriber
	Heartbeat  *Heartbeat

	edgeSource EdgeServerSource
	resolver   DeviceToPointResolver
	dispatcher Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a Service's collaborators. Registry/Runner/Redis/Subscriber
// must already be constructed (they carry their own dependencies);
// Heartbeat is built here once the edge server row is loaded.
func New(gatewayID int64, reg *registry.Registry, r *runner.Runner, client *redis.Client, sub *subscriber.Subscriber, edgeSource EdgeServerSource, resolver DeviceToPointResolver, dispatcher Dispatcher) *Service {
	return &Service{
		GatewayID:  gatewayID,
		Registry:   reg,
		Runner:     r,
		Redis:      client,
		Subscriber: sub,
		edgeSource: edgeSource,
		resolver:   resolver,
		dispatcher: dispatcher,
	}
}

// Start runs the gateway start-up sequence: load edge server row, reload
// the registry, apply priority overrides to the reloaded table, configure
// the subscriber's subscription set, start heartbeat, start subscriber.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	edge, err := s.edgeSource.LoadEdgeServer(s.ctx, s.GatewayID)
	if err != nil {
		return err
	}

	if err := s.Registry.Reload(s.ctx); err != nil {
		return err
	}
	s.Registry.ApplyPriorityOverrides(edge.TargetPriorities)

	if edge.Mode == subscriber.ModeAll {
		s.Subscriber.SetAllowedPointIDs(nil)
	} else {
		pointIDs, err := s.resolver.PointIDsForDevices(s.ctx, edge.AssignedDeviceIDs)
		if err != nil {
			logging.Op().Warn("gateway service: resolve assigned point ids failed, allowing all", "gateway_id", s.GatewayID, "error", err)
			s.Subscriber.SetAllowedPointIDs(nil)
		} else {
			allowed := make(map[int64]struct{}, len(pointIDs))
			for _, id := range pointIDs {
				allowed[id] = struct{}{}
			}
			s.Subscriber.SetAllowedPointIDs(allowed)
		}
	}

	s.Subscriber.Callback = s.dispatcher.DispatchAlarm
	s.Subscriber.CommandCallback = s.dispatcher.DispatchCommand
	s.Subscriber.ScheduleCallback = s.dispatcher.DispatchSchedule
	s.Subscriber.SystemCallback = s.dispatcher.DispatchSystem

	s.Heartbeat = NewHeartbeat(s.GatewayID, edge.HeartbeatInterval, heartbeatStoreAdapter{s.edgeSource}, s.Redis)
	s.Heartbeat.Start()

	s.Subscriber.Start(s.ctx)

	logging.Op().Info("gateway service started", "gateway_id", s.GatewayID, "mode", edge.Mode)
	return nil
}

// Stop reverses the start sequence: subscriber, then heartbeat.
func (s *Service) Stop() {
	s.Subscriber.Stop()
	if s.Heartbeat != nil {
		s.Heartbeat.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	logging.Op().Info("gateway service stopped", "gateway_id", s.GatewayID)
}

// heartbeatStoreAdapter lets the heartbeat update last_seen through
// whatever concrete store backs EdgeServerSource, without widening that
// interface for every caller.
type heartbeatStoreAdapter struct {
	source EdgeServerSource
}

func (a heartbeatStoreAdapter) UpdateLastSeen(ctx context.Context, gatewayID int64, seenAt time.Time) error {
	if updater, ok := a.source.(EdgeServerStore); ok {
		return updater.UpdateLastSeen(ctx, gatewayID, seenAt)
	}
	return nil
}
