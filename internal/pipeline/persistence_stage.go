package pipeline

import (
	"context"
	"fmt"

	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/logging"
)

// RedisWriter is the subset of redisdata.Writer the persistence stage
// calls into.
type RedisWriter interface {
	SaveDeviceMessage(ctx context.Context, msg domain.DeviceDataMessage) (bool, error)
	PublishAlarmEvent(ctx context.Context, event domain.AlarmEvent) error
}

// QueueManager is the subset of persistence.Manager the persistence stage
// feeds (RDB / time-series / comm-stats fan-out).
type QueueManager interface {
	EnqueueMessage(msg domain.DeviceDataMessage)
}

// OccurrenceSink persists one alarm occurrence row to the RDB, separately
// from the Redis publish (which is the low-latency fan-out path).
type OccurrenceSink interface {
	CreateOccurrence(ctx context.Context, occ *domain.AlarmOccurrence) (int64, error)
}

// PersistenceStage writes the enriched message and any alarm events to
// Redis, then enqueues the same payload to the downstream async queues
// (spec §4.5). Redis writes complete before the queue enqueues per the
// stated ordering guarantee; Redis unavailability degrades
// PersistedToRedis but never fails the stage.
type PersistenceStage struct {
	Redis       RedisWriter
	Queues      QueueManager
	Occurrences OccurrenceSink // optional: nil skips RDB occurrence persistence
}

func (s *PersistenceStage) Name() string { return "persistence" }

func (s *PersistenceStage) Process(ctx *Context) bool {
	persisted, err := s.Redis.SaveDeviceMessage(context.Background(), ctx.EnrichedMessage)
	if err != nil {
		logging.Op().Warn("persistence stage: redis save failed", "device_id", ctx.EnrichedMessage.DeviceID, "error", err)
	}
	ctx.Stats.PersistedToRedis = persisted

	for _, event := range ctx.AlarmEvents {
		if err := s.Redis.PublishAlarmEvent(context.Background(), event); err != nil {
			logging.Op().Warn("persistence stage: publish alarm event failed", "occurrence_id", event.OccurrenceID, "error", err)
		}
		if s.Occurrences != nil {
			occ := domain.AlarmOccurrence{
				ID:             event.OccurrenceID,
				RuleID:         event.RuleID,
				TenantID:       event.TenantID,
				PointID:        &event.PointID,
				DeviceID:       &event.DeviceID,
				State:          event.State,
				Severity:       event.Severity,
				TriggerValue:   fmt.Sprintf("%v", event.TriggerValue.Any()),
				Message:        event.Message,
				OccurrenceTime: event.Timestamp,
				SourceName:     event.SourceName,
			}
			if _, err := s.Occurrences.CreateOccurrence(context.Background(), &occ); err != nil {
				logging.Op().Warn("persistence stage: create occurrence failed", "occurrence_id", event.OccurrenceID, "error", err)
			}
		}
	}

	if s.Queues != nil {
		s.Queues.EnqueueMessage(ctx.EnrichedMessage)
	}
	return true
}
