// Package alarm implements the alarm subsystem: the in-memory state cache,
// the per-tenant rule registry, the pure evaluator, and cold-start
// recovery of active alarms into the publish bus (spec §4.2-§4.4, §4.7).
package alarm

import (
	"sync"
	"time"

	"github.com/pulseone/pulseone/internal/domain"
)

// PointState records the last observed value for a point. The evaluator
// does not read it; it consults only the alarm statuses.
type PointState struct {
	LastValue         domain.Value
	LastDigitalState  bool
	LastCheckTime     time.Time
}

// AlarmStatus records whether a rule is currently active and, if so, which
// occurrence it belongs to. The cache is authoritative for "is this alarm
// active?" — the evaluator never touches the database.
type AlarmStatus struct {
	IsActive     bool
	OccurrenceID int64
}

// StateCache holds the two maps spec §4.2 names: point_states and
// alarm_statuses, guarded by a single RWMutex. Reads take a shared lock;
// updates take an exclusive lock.
type StateCache struct {
	mu            sync.RWMutex
	pointStates   map[int64]PointState
	alarmStatuses map[int64]AlarmStatus
}

// NewStateCache returns an empty state cache.
func NewStateCache() *StateCache {
	return &StateCache{
		pointStates:   make(map[int64]PointState),
		alarmStatuses: make(map[int64]AlarmStatus),
	}
}

// GetPointState returns the last known state for a point.
func (c *StateCache) GetPointState(pointID int64) (PointState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.pointStates[pointID]
	return s, ok
}

// SetPointState updates the last known state for a point.
func (c *StateCache) SetPointState(pointID int64, s PointState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pointStates[pointID] = s
}

// GetAlarmStatus returns whether ruleID is currently active and its
// occurrence id. The zero value (inactive, occurrence 0) is returned for
// rules never seen before.
func (c *StateCache) GetAlarmStatus(ruleID int64) AlarmStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alarmStatuses[ruleID]
}

// SetAlarmStatus records the active/occurrence state for a rule.
func (c *StateCache) SetAlarmStatus(ruleID int64, active bool, occurrenceID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alarmStatuses[ruleID] = AlarmStatus{IsActive: active, OccurrenceID: occurrenceID}
}

// IsActive reports whether ruleID currently has an active occurrence.
// Exposed to satisfy the invariant in spec §8:
//
//	∀ alarm rule r, ∀ time t: cache.isActive(r) ⇔ ∃ occurrence with
//	state=ACTIVE and no later CLEARED.
func (c *StateCache) IsActive(ruleID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alarmStatuses[ruleID].IsActive
}

// ForceClear clears a rule's active status without a matching occurrence,
// used to recover from the "occurrence_id missing on clear" state
// inconsistency (spec §7).
func (c *StateCache) ForceClear(ruleID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alarmStatuses[ruleID] = AlarmStatus{}
}
