// Package gatewaysvc orchestrates the export gateway: target registry,
// runner, Redis client, event subscriber, and heartbeat (spec §4.13,
// §4.14).
package gatewaysvc

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulseone/pulseone/internal/logging"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	gatewayStatusKeyPrefix   = "gateway:status:"
)

// EdgeServerStore is the repository slice the heartbeat writes through;
// internal/storepg implements it against Postgres.
type EdgeServerStore interface {
	UpdateLastSeen(ctx context.Context, gatewayID int64, seenAt time.Time) error
}

// Heartbeat periodically marks the edge server row active and republishes
// a status blob to Redis with a TTL of 3x the interval (spec §4.14).
type Heartbeat struct {
	GatewayID int64
	Interval  time.Duration
	Store     EdgeServerStore
	Redis     *redis.Client
	StatusFn  func() map[string]any // optional extra fields folded into the status blob

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHeartbeat builds a Heartbeat with interval defaulted to 30s if unset.
func NewHeartbeat(gatewayID int64, interval time.Duration, store EdgeServerStore, client *redis.Client) *Heartbeat {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Heartbeat{
		GatewayID: gatewayID,
		Interval:  interval,
		Store:     store,
		Redis:     client,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background ticker goroutine.
func (h *Heartbeat) Start() {
	h.wg.Add(1)
	go h.loop()
}

// Stop signals the ticker goroutine to exit and waits for it.
func (h *Heartbeat) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

func (h *Heartbeat) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	h.beat()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *Heartbeat) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), h.Interval)
	defer cancel()

	now := time.Now()
	if err := h.Store.UpdateLastSeen(ctx, h.GatewayID, now); err != nil {
		logging.Op().Warn("heartbeat: update last_seen failed", "gateway_id", h.GatewayID, "error", err)
	}

	status := map[string]any{
		"gateway_id": h.GatewayID,
		"status":     "active",
		"last_seen":  now.UnixMilli(),
	}
	if h.StatusFn != nil {
		for k, v := range h.StatusFn() {
			status[k] = v
		}
	}

	payload, err := json.Marshal(status)
	if err != nil {
		logging.Op().Warn("heartbeat: marshal status failed", "gateway_id", h.GatewayID, "error", err)
		return
	}

	ttl := 3 * h.Interval
	key := gatewayStatusKeyPrefix + strconv.FormatInt(h.GatewayID, 10)
	if err := h.Redis.Set(ctx, key, payload, ttl).Err(); err != nil {
		logging.Op().Warn("heartbeat: redis status write failed", "gateway_id", h.GatewayID, "error", err)
	}
}
