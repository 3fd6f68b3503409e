// Package pipeline implements the staged per-message pipeline: enrichment
// (virtual points), alarm evaluation, and persistence, run by a bounded
// worker pool behind a single SendDeviceData ingress (spec §4.5, §4.6).
package pipeline

import (
	"time"

	"github.com/pulseone/pulseone/internal/domain"
)

// Stats accumulates per-message processing outcomes for observability.
type Stats struct {
	EnrichedPoints   int
	AlarmEventCount  int
	PersistedToRedis bool
	Aborted          bool
	AbortedAtStage   string
	ProcessingTime   time.Duration
}

// Context is the per-message working state threaded through the stage
// chain. Stages mutate it in place; a stage returning false aborts the
// remaining chain.
type Context struct {
	TenantID             int64
	Message              domain.DeviceDataMessage
	EnrichedMessage       domain.DeviceDataMessage
	ShouldEvaluateAlarms bool
	AlarmEvents          []domain.AlarmEvent
	Stats                Stats
}

// NewContext seeds a Context from an incoming message. EnrichedMessage
// starts as a clone of Message; enrichment stages append to its Points.
func NewContext(msg domain.DeviceDataMessage) *Context {
	return &Context{
		TenantID:             msg.TenantID,
		Message:              msg,
		EnrichedMessage:       *msg.Clone(),
		ShouldEvaluateAlarms: true,
	}
}

// Stage processes ctx and reports whether the chain should continue.
type Stage interface {
	Name() string
	Process(ctx *Context) bool
}
