// Package subscriber implements the gateway-side event subscriber (spec
// §4.12): Redis pub/sub fan-in, an allow-list filter, and a bounded
// worker queue dispatching to a registered alarm callback.
package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulseone/pulseone/internal/backendformat"
	"github.com/pulseone/pulseone/internal/logging"
)

// Mode selects which channels the subscriber listens on.
type Mode string

const (
	// ModeSelective subscribes to alarms:processed only (default).
	ModeSelective Mode = "selective"
	// ModeAll additionally subscribes to alarms:all for global fan-out.
	ModeAll Mode = "all"
)

const (
	channelProcessed = "alarms:processed"
	channelAll       = "alarms:all"

	// patternSchedule and patternSystem are pattern-subscribed (PSUBSCRIBE)
	// regardless of Mode: schedule/system events are control-plane, not
	// part of the alarm fan-out selective/all split.
	patternSchedule = "schedule:*"
	patternSystem   = "system:*"

	defaultWorkers    = 2
	defaultQueueDepth = 500
	defaultReconnect  = 2 * time.Second
)

// AlarmCallback is the gateway dispatcher invoked for every alarm event
// that survives the allow-list filter.
type AlarmCallback func(event backendformat.AlarmEventData)

// ControlCallback handles a raw control-plane message (schedule/system
// events, or a per-instance command) routed by channel name rather than
// through the alarm allow-list/worker-queue path.
type ControlCallback func(channel, payload string)

// Config configures the subscriber's mode, allow-list, gateway instance id
// (for the per-instance command channel), and worker pool.
type Config struct {
	GatewayID         int64
	Mode              Mode
	AllowedPointIDs   map[int64]struct{} // empty/nil = accept all
	Workers           int
	QueueDepth        int
	ReconnectInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeSelective
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnect
	}
	return c
}

// Subscriber owns the Redis pub/sub connections, the allow-list filter,
// and the worker pool that invokes Callback for every admitted event.
type Subscriber struct {
	client   *redis.Client
	cfg      Config
	Callback AlarmCallback

	// CommandCallback handles cmd:gateway:<gateway_id> messages;
	// ScheduleCallback/SystemCallback handle schedule:*/system:* pattern
	// messages. Each is a dedicated dispatcher handler in the sense spec
	// §4.12 uses the term: routed by channel, not by the alarm allow-list.
	CommandCallback  ControlCallback
	ScheduleCallback ControlCallback
	SystemCallback   ControlCallback

	mu              sync.RWMutex
	allowedPointIDs map[int64]struct{}

	queue  chan backendformat.AlarmEventData
	stopCh chan struct{}
	wg     sync.WaitGroup

	receivedCount   atomic.Int64
	filteredCount   atomic.Int64
	dispatchedCount atomic.Int64
}

// New builds a Subscriber bound to client. Start must be called to begin
// consuming.
func New(client *redis.Client, cfg Config) *Subscriber {
	cfg = cfg.withDefaults()
	return &Subscriber{
		client:          client,
		cfg:             cfg,
		allowedPointIDs: cfg.AllowedPointIDs,
		queue:           make(chan backendformat.AlarmEventData, cfg.QueueDepth),
		stopCh:          make(chan struct{}),
	}
}

// SetAllowedPointIDs replaces the allow-list filter; an empty set accepts
// all point IDs.
func (s *Subscriber) SetAllowedPointIDs(ids map[int64]struct{}) {
	s.mu.Lock()
	s.allowedPointIDs = ids
	s.mu.Unlock()
}

// Start launches the worker pool and the reconnecting subscribe loops
// (exact-channel alarm/command subscription, and pattern subscription for
// schedule:*/system:*).
func (s *Subscriber) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.subscribeLoop(ctx)
	s.wg.Add(1)
	go s.patternSubscribeLoop(ctx)
}

// Stop signals the worker pool and subscribe loops to exit and waits for
// them to finish.
func (s *Subscriber) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// commandChannel is the per-instance command channel spec §6 names
// (cmd:gateway:<gateway_id>).
func (s *Subscriber) commandChannel() string {
	return fmt.Sprintf("cmd:gateway:%d", s.cfg.GatewayID)
}

func (s *Subscriber) channels() []string {
	channels := []string{channelProcessed, s.commandChannel()}
	if s.cfg.Mode == ModeAll {
		channels = append(channels, channelAll)
	}
	return channels
}

// subscribeLoop subscribes to the remembered channel set and reconnects
// with backoff on disconnect, resubscribing every channel each time.
func (s *Subscriber) subscribeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		pubsub := s.client.Subscribe(ctx, s.channels()...)
		msgCh := pubsub.Channel()

	inner:
		for {
			select {
			case <-s.stopCh:
				pubsub.Close()
				return
			case msg, ok := <-msgCh:
				if !ok {
					break inner
				}
				s.handleMessage(msg.Channel, msg.Payload)
			}
		}
		pubsub.Close()
		logging.Op().Warn("export subscriber: redis pubsub disconnected, reconnecting", "interval", s.cfg.ReconnectInterval)

		select {
		case <-s.stopCh:
			return
		case <-time.After(s.cfg.ReconnectInterval):
		}
	}
}

// patternSubscribeLoop mirrors subscribeLoop but for PSUBSCRIBE patterns
// (schedule:*, system:*), reconnecting with the same backoff.
func (s *Subscriber) patternSubscribeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		pubsub := s.client.PSubscribe(ctx, patternSchedule, patternSystem)
		msgCh := pubsub.Channel()

	inner:
		for {
			select {
			case <-s.stopCh:
				pubsub.Close()
				return
			case msg, ok := <-msgCh:
				if !ok {
					break inner
				}
				s.handleMessage(msg.Channel, msg.Payload)
			}
		}
		pubsub.Close()
		logging.Op().Warn("export subscriber: redis pattern pubsub disconnected, reconnecting", "interval", s.cfg.ReconnectInterval)

		select {
		case <-s.stopCh:
			return
		case <-time.After(s.cfg.ReconnectInterval):
		}
	}
}

// handleMessage routes an inbound message by channel: alarms:processed /
// alarms:all go through the allow-list + worker queue; cmd:gateway:<id>,
// schedule:*, and system:* route straight to their dedicated dispatcher
// handlers (spec §4.12, "Additional channels ... route to dedicated
// dispatcher handlers"). Alarm payloads count as received only once they
// parse; a malformed one is logged and not counted.
func (s *Subscriber) handleMessage(channel, payload string) {
	if channel != channelProcessed && channel != channelAll {
		s.receivedCount.Add(1)
	}
	switch {
	case channel == channelProcessed || channel == channelAll:
		s.handleAlarmMessage(payload)
	case channel == s.commandChannel():
		s.dispatchControl(s.CommandCallback, channel, payload)
	case strings.HasPrefix(channel, "schedule:"):
		s.dispatchControl(s.ScheduleCallback, channel, payload)
	case strings.HasPrefix(channel, "system:"):
		s.dispatchControl(s.SystemCallback, channel, payload)
	default:
		logging.Op().Warn("export subscriber: unrecognized channel", "channel", channel)
	}
}

func (s *Subscriber) handleAlarmMessage(payload string) {
	var event backendformat.AlarmEventData
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		logging.Op().Warn("export subscriber: malformed alarm event payload", "error", err)
		return
	}
	s.receivedCount.Add(1)

	if !s.allowed(event) {
		s.filteredCount.Add(1)
		return
	}

	select {
	case s.queue <- event:
	default:
		logging.Op().Warn("export subscriber: worker queue full, dropping event", "occurrence_id", event.OccurrenceID)
	}
}

// dispatchControl invokes a control-plane callback directly on the
// subscribe-loop goroutine (these channels carry infrequent control
// traffic, not hot-path alarm volume, so they bypass the worker queue).
func (s *Subscriber) dispatchControl(cb ControlCallback, channel, payload string) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("export subscriber: control callback panicked", "channel", channel, "recover", r)
		}
	}()
	cb(channel, payload)
	s.dispatchedCount.Add(1)
}

func (s *Subscriber) allowed(event backendformat.AlarmEventData) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.allowedPointIDs) == 0 {
		return true
	}
	if event.PointID == nil {
		return false
	}
	_, ok := s.allowedPointIDs[*event.PointID]
	return ok
}

// Allows reports whether pointID currently passes the allow-list filter.
// Callers (and tests) use this to inspect the effective filter without
// routing a synthetic event through handleMessage.
func (s *Subscriber) Allows(pointID int64) bool {
	return s.allowed(backendformat.AlarmEventData{PointID: &pointID})
}

func (s *Subscriber) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case event := <-s.queue:
			s.dispatch(event)
		}
	}
}

func (s *Subscriber) dispatch(event backendformat.AlarmEventData) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("export subscriber: callback panicked", "recover", r)
		}
	}()
	if s.Callback != nil {
		s.Callback(event)
		s.dispatchedCount.Add(1)
	}
}

// Stats reports lifetime counters for observability.
type Stats struct {
	Received   int64
	Filtered   int64
	Dispatched int64
	QueueDepth int
}

func (s *Subscriber) Stats() Stats {
	return Stats{
		Received:   s.receivedCount.Load(),
		Filtered:   s.filteredCount.Load(),
		Dispatched: s.dispatchedCount.Load(),
		QueueDepth: len(s.queue),
	}
}
