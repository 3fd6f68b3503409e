// Package handler implements the per-type export target handlers (HTTP,
// S3, File, MQTT) behind a common send contract (spec §4.10).
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pulseone/pulseone/internal/domain"
)

// AlarmPayload is what the runner hands a handler for one alarm send: the
// wire envelope plus the mapped fields templates reference.
type AlarmPayload struct {
	OccurrenceID int64
	RuleID       int64
	TenantID     int64
	BuildingID   string
	PointName    string
	Value        float64
	Severity     domain.Severity
	State        domain.AlarmState
	Message      string
	Timestamp    time.Time
}

// ValuePayload is what the runner hands a handler for a plain value send
// (non-alarm telemetry export).
type ValuePayload struct {
	PointID    int64
	FieldName  string
	BuildingID string
	PointName  string
	Value      float64
	Quality    domain.Quality
	Timestamp  time.Time
}

// Handler is the common contract every export target type implements
// (spec §4.10).
type Handler interface {
	Initialize(config json.RawMessage) error
	SendAlarm(ctx context.Context, alarm AlarmPayload) (domain.TargetSendResult, error)
	SendValue(ctx context.Context, value ValuePayload) (domain.TargetSendResult, error)
	TestConnection(ctx context.Context) error
	ValidateConfig(config json.RawMessage) []string
	GetStatus() json.RawMessage
	Cleanup() error
}

// Factory constructs a fresh, uninitialized Handler instance.
type Factory func() Handler

var factories = map[domain.TargetKind]Factory{}

// RegisterFactory registers a constructor for kind. Handler implementations
// call this from an init() in their own file so the registry only needs to
// import this package, not every concrete handler.
func RegisterFactory(kind domain.TargetKind, f Factory) {
	factories[kind] = f
}

// New constructs a handler for kind, or an error if no factory is
// registered for it.
func New(kind domain.TargetKind) (Handler, error) {
	f, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("handler: no factory registered for target type %q", kind)
	}
	return f(), nil
}

// templateVarsForAlarm builds the {name} -> value substitution map spec §6
// recognizes: building_id, point_name, value, timestamp, date, year, month,
// day, hour.
func templateVarsForAlarm(a AlarmPayload) map[string]string {
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]string{
		"building_id": a.BuildingID,
		"point_name":  a.PointName,
		"value":       strconv.FormatFloat(a.Value, 'f', -1, 64),
		"timestamp":   strconv.FormatInt(ts.UnixMilli(), 10),
		"date":        ts.Format("2006-01-02"),
		"year":        ts.Format("2006"),
		"month":       ts.Format("01"),
		"day":         ts.Format("02"),
		"hour":        ts.Format("15"),
	}
}

func templateVarsForValue(v ValuePayload) map[string]string {
	ts := v.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]string{
		"building_id": v.BuildingID,
		"point_name":  v.PointName,
		"value":       strconv.FormatFloat(v.Value, 'f', -1, 64),
		"timestamp":   strconv.FormatInt(ts.UnixMilli(), 10),
		"date":        ts.Format("2006-01-02"),
		"year":        ts.Format("2006"),
		"month":       ts.Format("01"),
		"day":         ts.Format("02"),
		"hour":        ts.Format("15"),
	}
}

// expandTemplate substitutes every {name} occurrence found in vars; any
// {name} with no entry in vars is left untouched.
func expandTemplate(tpl string, vars map[string]string) string {
	out := tpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// sanitizeFilename replaces each run of the characters <>:"/\|?* with a
// single underscore, adding none directly after an underscore; underscores
// already in the name are kept as they are (spec §4.10's file handler
// rule). An empty result falls back to "export".
func sanitizeFilename(name string) string {
	if name == "" {
		return "export"
	}
	var b strings.Builder
	lastWasUnderscore := false
	for _, r := range name {
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			if !lastWasUnderscore {
				b.WriteRune('_')
				lastWasUnderscore = true
			}
			continue
		}
		b.WriteRune(r)
		lastWasUnderscore = r == '_'
	}
	result := b.String()
	if result == "" {
		return "export"
	}
	return result
}
