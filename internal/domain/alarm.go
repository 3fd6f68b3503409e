package domain

import "time"

// TargetType identifies what kind of entity an AlarmRule watches.
type TargetType string

const (
	TargetTypeDataPoint    TargetType = "data_point"
	TargetTypeVirtualPoint TargetType = "virtual_point"
	TargetTypeGroup        TargetType = "group"
)

// AlarmType selects the evaluation strategy applied to an AlarmRule.
type AlarmType string

const (
	AlarmTypeAnalog  AlarmType = "ANALOG"
	AlarmTypeDigital AlarmType = "DIGITAL"
	AlarmTypeScript  AlarmType = "SCRIPT"
)

// AlarmRule is a static condition definition owned by a tenant.
//
// Invariant: when populated, limits are ordered
// LowLow <= Low < High <= HighHigh.
type AlarmRule struct {
	ID              int64      `json:"id"`
	TenantID        int64      `json:"tenant_id"`
	TargetType      TargetType `json:"target_type"`
	TargetID        int64      `json:"target_id"`
	AlarmType       AlarmType  `json:"alarm_type"`
	HighHigh        *float64   `json:"high_high,omitempty"`
	High            *float64   `json:"high,omitempty"`
	Low             *float64   `json:"low,omitempty"`
	LowLow          *float64   `json:"low_low,omitempty"`
	ConditionScript string     `json:"condition_script,omitempty"`
	Severity        Severity   `json:"severity"`
	Enabled         bool       `json:"enabled"`
}

// LimitsOrdered reports whether the populated analog limits satisfy the
// rule invariant LowLow <= Low < High <= HighHigh.
func (r *AlarmRule) LimitsOrdered() bool {
	vals := []*float64{r.LowLow, r.Low, r.High, r.HighHigh}
	var prev *float64
	for _, v := range vals {
		if v == nil {
			continue
		}
		if prev != nil && *prev > *v {
			return false
		}
		prev = v
	}
	if r.Low != nil && r.High != nil && *r.Low >= *r.High {
		return false
	}
	return true
}

// ConditionMet names which analog limit (if any) the current value breaches.
type ConditionMet string

const (
	ConditionNone     ConditionMet = "none"
	ConditionHighHigh ConditionMet = "HIGH_HIGH"
	ConditionHigh     ConditionMet = "HIGH"
	ConditionLow      ConditionMet = "LOW"
	ConditionLowLow   ConditionMet = "LOW_LOW"
)

// AlarmOccurrence is a realized transition of a rule into or out of the
// active state.
type AlarmOccurrence struct {
	ID                int64      `json:"id"`
	RuleID            int64      `json:"rule_id"`
	TenantID          int64      `json:"tenant_id"`
	PointID           *int64     `json:"point_id,omitempty"`
	DeviceID          *int64     `json:"device_id,omitempty"`
	State             AlarmState `json:"state"`
	Severity          Severity   `json:"severity"`
	TriggerValue      string     `json:"trigger_value"`
	Message           string     `json:"message"`
	OccurrenceTime    time.Time  `json:"occurrence_time"`
	AcknowledgedTime  *time.Time `json:"acknowledged_time,omitempty"`
	SourceName        string     `json:"source_name"`
}

// AlarmEvent is the transient record produced by the alarm stage when a
// rule's state changes; it is what gets persisted, published, and cached.
type AlarmEvent struct {
	OccurrenceID int64
	RuleID       int64
	PointID      int64
	DeviceID     int64
	TenantID     int64
	Severity     Severity
	Message      string
	TriggerValue Value
	Timestamp    time.Time
	SourceName   string
	State        AlarmState
}

// AlarmEvaluation is the pure result of evaluating one rule against one
// new value.
type AlarmEvaluation struct {
	RuleID        int64
	TenantID      int64
	Timestamp     time.Time
	ShouldTrigger bool
	ShouldClear   bool
	StateChanged  bool
	Severity      Severity
	ConditionMet  ConditionMet
}

// VirtualPointDependency names one incoming point a virtual point's formula
// reads, bound to a script variable name.
type VirtualPointDependency struct {
	PointID      int64  `json:"point_id"`
	VariableName string `json:"variable_name"`
}

// VirtualPoint computes a derived value from a formula over a set of
// dependency points.
type VirtualPoint struct {
	ID           int64                    `json:"id"`
	TenantID     int64                    `json:"tenant_id"`
	Name         string                   `json:"name"`
	Formula      string                   `json:"formula"`
	Dependencies []VirtualPointDependency `json:"dependencies"`
	DataType     string                   `json:"data_type"`
	Enabled      bool                     `json:"enabled"`
}
