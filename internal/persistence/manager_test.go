package persistence

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pulseone/pulseone/internal/domain"
)

func TestManagerEnqueueMessageFansOutToAllThreeQueues(t *testing.T) {
	m := NewManager(Config{RDBCapacity: 10, TimeSeriesCapacity: 10, CommStatsCapacity: 10})
	var rdbSeen, tsSeen, statsSeen atomic.Int64
	m.Start(Config{}, func(domain.DeviceDataMessage) {
		rdbSeen.Add(1)
	}, func(domain.DeviceDataMessage) {
		tsSeen.Add(1)
	}, func(CommStats) {
		statsSeen.Add(1)
	})

	msg := domain.DeviceDataMessage{
		DeviceID: 1,
		TenantID: 1,
		Points:   []domain.TimestampedValue{{PointID: 1}, {PointID: 2}},
	}
	m.EnqueueMessage(msg)

	deadline := time.Now().Add(time.Second)
	for (rdbSeen.Load() < 1 || tsSeen.Load() < 1 || statsSeen.Load() < 1) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.Stop(100 * time.Millisecond)

	if rdbSeen.Load() != 1 || tsSeen.Load() != 1 || statsSeen.Load() != 1 {
		t.Fatalf("expected one item on each queue, got rdb=%d ts=%d stats=%d", rdbSeen.Load(), tsSeen.Load(), statsSeen.Load())
	}
}
