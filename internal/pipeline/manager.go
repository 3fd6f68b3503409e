package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/logging"
	"github.com/pulseone/pulseone/internal/metrics"
	"github.com/pulseone/pulseone/internal/observability"
)

const (
	defaultWorkers      = 2
	defaultQueueDepth   = 1000
	defaultStopGrace    = 5 * time.Second
)

// Config configures the pipeline's worker pool.
type Config struct {
	Workers    int
	QueueDepth int
	StopGrace  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	return c
}

// Manager is the single SendDeviceData ingress: an internal bounded MPMC
// queue drained by a configurable pool of worker goroutines, each running
// every message through the stage chain in order (spec §4.6).
type Manager struct {
	cfg    Config
	stages []Stage

	queue   chan domain.DeviceDataMessage
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	processedCount atomic.Int64
	abortedCount   atomic.Int64
}

// NewManager builds a Manager running msg through stages in order for
// every message it accepts.
func NewManager(cfg Config, stages ...Stage) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		stages: stages,
		queue:  make(chan domain.DeviceDataMessage, cfg.QueueDepth),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker pool.
func (m *Manager) Start() {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	logging.Op().Info("pipeline manager started", "workers", m.cfg.Workers, "queue_depth", m.cfg.QueueDepth)
}

// SendDeviceData places msg on the internal queue. It blocks if the queue
// is at capacity — callers that cannot tolerate backpressure should size
// QueueDepth generously or select on a timeout themselves.
func (m *Manager) SendDeviceData(msg domain.DeviceDataMessage) {
	m.queue <- msg
}

// TrySendDeviceData attempts a non-blocking enqueue, reporting false if
// the queue is full.
func (m *Manager) TrySendDeviceData(msg domain.DeviceDataMessage) bool {
	select {
	case m.queue <- msg:
		return true
	default:
		return false
	}
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case msg := <-m.queue:
			m.process(msg)
		}
	}
}

func (m *Manager) process(msg domain.DeviceDataMessage) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("pipeline manager: message processing panicked", "device_id", msg.DeviceID, "recover", r)
		}
	}()
	spanCtx, span := observability.StartSpan(context.Background(), "pipeline.process",
		observability.AttrDeviceID.Int64(msg.DeviceID),
		observability.AttrTenantID.Int64(msg.TenantID),
	)
	defer span.End()

	start := time.Now()
	ctx := NewContext(msg)
	aborted := false
	for _, stage := range m.stages {
		_, stageSpan := observability.StartSpan(spanCtx, "pipeline.stage."+stage.Name(),
			observability.AttrStage.String(stage.Name()),
		)
		stageStart := time.Now()
		ok := stage.Process(ctx)
		metrics.RecordStage(stage.Name(), time.Since(stageStart).Milliseconds(), ok)
		if !ok {
			observability.SetSpanError(stageSpan, fmt.Errorf("stage %s aborted", stage.Name()))
			stageSpan.End()
			ctx.Stats.Aborted = true
			ctx.Stats.AbortedAtStage = stage.Name()
			m.abortedCount.Add(1)
			aborted = true
			break
		}
		observability.SetSpanOK(stageSpan)
		stageSpan.End()
	}
	ctx.Stats.ProcessingTime = time.Since(start)
	m.processedCount.Add(1)

	status := "ok"
	if aborted {
		status = "aborted"
		observability.SetSpanError(span, fmt.Errorf("aborted at stage %s", ctx.Stats.AbortedAtStage))
	} else {
		observability.SetSpanOK(span)
	}
	metrics.RecordMessage(status)
}

// Stop drains the queue up to the configured grace deadline, then signals
// workers to exit and joins them (spec §4.6).
func (m *Manager) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	deadline := time.After(m.cfg.StopGrace)
drain:
	for {
		select {
		case <-deadline:
			break drain
		default:
			if len(m.queue) == 0 {
				break drain
			}
			time.Sleep(time.Millisecond)
		}
	}
	close(m.stopCh)
	m.wg.Wait()
	logging.Op().Info("pipeline manager stopped", "processed", m.processedCount.Load(), "aborted", m.abortedCount.Load())
}

// Stats reports lifetime processed/aborted counters.
func (m *Manager) Stats() (processed, aborted int64) {
	return m.processedCount.Load(), m.abortedCount.Load()
}
