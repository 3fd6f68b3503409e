// Package backendformat defines the exact wire envelopes PulseOne's Redis
// channels carry: BackendFormat::AlarmEventData (spec §6) and the legacy
// CSP AlarmMessage format, preserved byte-for-byte for compatibility.
package backendformat

import (
	"encoding/json"
	"time"

	"github.com/pulseone/pulseone/internal/domain"
)

// AlarmEventData is the internal JSON envelope consumed by backend
// subscribers (spec §6). Severity and State marshal as their string form
// but unmarshal from either string or ordinal, so both forms round-trip.
type AlarmEventData struct {
	Type         string          `json:"type"`
	OccurrenceID int64           `json:"occurrence_id"`
	RuleID       int64           `json:"rule_id"`
	TenantID     int64           `json:"tenant_id"`
	DeviceID     *int64          `json:"device_id"`
	PointID      *int64          `json:"point_id"`
	Message      string          `json:"message"`
	Severity     domain.Severity `json:"severity"`
	State        domain.AlarmState `json:"state"`
	Timestamp    int64           `json:"timestamp"`
	SourceName   string          `json:"source_name"`
	Location     string          `json:"location"`
	TriggerValue string          `json:"trigger_value"`
}

// FromAlarmEvent builds the wire envelope from a pipeline-internal
// AlarmEvent.
func FromAlarmEvent(e domain.AlarmEvent, location string) AlarmEventData {
	var deviceID, pointID *int64
	if e.DeviceID != 0 {
		d := e.DeviceID
		deviceID = &d
	}
	if e.PointID != 0 {
		p := e.PointID
		pointID = &p
	}
	return AlarmEventData{
		Type:         "alarm_event",
		OccurrenceID: e.OccurrenceID,
		RuleID:       e.RuleID,
		TenantID:     e.TenantID,
		DeviceID:     deviceID,
		PointID:      pointID,
		Message:      e.Message,
		Severity:     e.Severity,
		State:        e.State,
		Timestamp:    e.Timestamp.UnixMilli(),
		SourceName:   e.SourceName,
		Location:     location,
		TriggerValue: valueToTriggerString(e.TriggerValue),
	}
}

// FromOccurrence builds the wire envelope from a persisted occurrence, the
// path startup recovery uses.
func FromOccurrence(o domain.AlarmOccurrence, location string) AlarmEventData {
	return AlarmEventData{
		Type:         "alarm_event",
		OccurrenceID: o.ID,
		RuleID:       o.RuleID,
		TenantID:     o.TenantID,
		DeviceID:     o.DeviceID,
		PointID:      o.PointID,
		Message:      o.Message,
		Severity:     o.Severity,
		State:        o.State,
		Timestamp:    o.OccurrenceTime.UnixMilli(),
		SourceName:   o.SourceName,
		Location:     location,
		TriggerValue: o.TriggerValue,
	}
}

func valueToTriggerString(v domain.Value) string {
	switch v.Kind {
	case domain.ValueKindString:
		return v.Str
	case domain.ValueKindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case domain.ValueKindInt:
		return jsonNumber(float64(v.Int))
	case domain.ValueKindDouble:
		return jsonNumber(v.Double)
	default:
		return ""
	}
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

// CSPAlarmMessage is the legacy external format preserved exactly for
// compatibility (spec §6). Field names are intentionally terse (bd, nm,
// vl, tm, al, st, des) to match the wire contract external consumers
// depend on.
type CSPAlarmMessage struct {
	BuildingID int64   `json:"bd"`
	Name       string  `json:"nm"`
	Value      float64 `json:"vl"`
	Time       string  `json:"tm"`
	Active     int     `json:"al"` // 1 = set, 0 = clear
	Status     int     `json:"st"`
	Descriptor string  `json:"des"`
}

const cspTimeLayout = "2006-01-02 15:04:05.000"

// FromOccurrenceCSP renders an occurrence in the legacy CSP shape.
// The "al" flag reflects active/clear and "st" is a direct pass-through of
// the occurrence state ordinal (acknowledged-or-not is recoverable from
// st == ACKNOWLEDGED) — see spec §9's open question on this mapping.
func FromOccurrenceCSP(o domain.AlarmOccurrence, buildingID int64, pointName string, value float64) CSPAlarmMessage {
	active := 0
	if o.State == domain.AlarmStateActive {
		active = 1
	}
	return CSPAlarmMessage{
		BuildingID: buildingID,
		Name:       pointName,
		Value:      value,
		Time:       o.OccurrenceTime.UTC().Format(cspTimeLayout),
		Active:     active,
		Status:     int(o.State),
		Descriptor: o.Message,
	}
}

// ParseCSPTime parses the "yyyy-MM-dd HH:mm:ss.fff" timestamp format.
func ParseCSPTime(s string) (time.Time, error) {
	return time.Parse(cspTimeLayout, s)
}
