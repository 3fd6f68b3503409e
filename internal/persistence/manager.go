package persistence

import (
	"time"

	"github.com/pulseone/pulseone/internal/domain"
)

// CommStats is a device-level counter rollup enqueued once per message
// (spec §4.5 item 4).
type CommStats struct {
	DeviceID   int64
	TenantID   int64
	PointCount int
	Timestamp  time.Time
}

const (
	defaultQueueCapacity = 10000
	defaultQueueWorkers  = 2
)

// Manager owns the three queues the persistence stage feeds: the full
// enriched message for the RDB writer, the same payload for the
// time-series writer, and per-device comm-stats counters.
type Manager struct {
	RDB        *BoundedQueue[domain.DeviceDataMessage]
	TimeSeries *BoundedQueue[domain.DeviceDataMessage]
	CommStats  *BoundedQueue[CommStats]
}

// Config configures queue capacities and worker counts. Zero values fall
// back to defaults.
type Config struct {
	RDBCapacity        int
	RDBWorkers         int
	TimeSeriesCapacity int
	TimeSeriesWorkers  int
	CommStatsCapacity  int
	CommStatsWorkers   int
}

func (c Config) withDefaults() Config {
	if c.RDBCapacity <= 0 {
		c.RDBCapacity = defaultQueueCapacity
	}
	if c.RDBWorkers <= 0 {
		c.RDBWorkers = defaultQueueWorkers
	}
	if c.TimeSeriesCapacity <= 0 {
		c.TimeSeriesCapacity = defaultQueueCapacity
	}
	if c.TimeSeriesWorkers <= 0 {
		c.TimeSeriesWorkers = defaultQueueWorkers
	}
	if c.CommStatsCapacity <= 0 {
		c.CommStatsCapacity = defaultQueueCapacity
	}
	if c.CommStatsWorkers <= 0 {
		c.CommStatsWorkers = defaultQueueWorkers
	}
	return c
}

// NewManager builds the three queues but does not start their workers;
// call Start with the concrete sinks (RDB repository, time-series writer).
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		RDB:        NewBoundedQueue[domain.DeviceDataMessage](cfg.RDBCapacity),
		TimeSeries: NewBoundedQueue[domain.DeviceDataMessage](cfg.TimeSeriesCapacity),
		CommStats:  NewBoundedQueue[CommStats](cfg.CommStatsCapacity),
	}
}

// Start launches worker pools for all three queues against the given
// sinks.
func (m *Manager) Start(cfg Config, rdbSink Sink[domain.DeviceDataMessage], tsSink Sink[domain.DeviceDataMessage], statsSink Sink[CommStats]) {
	cfg = cfg.withDefaults()
	m.RDB.Start(cfg.RDBWorkers, rdbSink)
	m.TimeSeries.Start(cfg.TimeSeriesWorkers, tsSink)
	m.CommStats.Start(cfg.CommStatsWorkers, statsSink)
}

// EnqueueMessage admits msg onto the RDB and time-series queues and
// derives+admits a CommStats rollup, all with drop-oldest semantics.
func (m *Manager) EnqueueMessage(msg domain.DeviceDataMessage) {
	m.RDB.Enqueue(msg)
	m.TimeSeries.Enqueue(msg)
	m.CommStats.Enqueue(CommStats{
		DeviceID:   msg.DeviceID,
		TenantID:   msg.TenantID,
		PointCount: len(msg.Points),
		Timestamp:  msg.Timestamp,
	})
}

// Stop drains and stops all three queues, each bounded by grace.
func (m *Manager) Stop(grace time.Duration) {
	m.RDB.Stop(grace)
	m.TimeSeries.Stop(grace)
	m.CommStats.Stop(grace)
}

// Snapshot aggregates the three queues' stats.
func (m *Manager) Snapshot() (rdb, timeSeries, commStats Stats) {
	return m.RDB.Snapshot(), m.TimeSeries.Snapshot(), m.CommStats.Snapshot()
}
