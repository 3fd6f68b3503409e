// Package runner implements the Target Runner (spec §4.11): applies
// per-target point mappings, consults the target's failure protector,
// invokes the handler, and folds the result back into rolling stats.
package runner

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pulseone/pulseone/internal/breaker"
	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/export/handler"
	"github.com/pulseone/pulseone/internal/logging"
	"github.com/pulseone/pulseone/internal/metrics"
)

// TargetLookup is the subset of registry.Registry the runner needs.
type TargetLookup interface {
	GetAllTargets() []domain.DynamicTarget
	GetTarget(id int64) (domain.DynamicTarget, bool)
	GetHandler(id int64) (handler.Handler, bool)
	GetTargetFieldName(id, pointID int64) string
	GetOverrideSiteID(id, pointID int64) string
	GetExternalBuildingID(id int64, siteID string) string
	GetScale(id, pointID int64) float64
	GetOffset(id, pointID int64) float64
}

// AlarmSource is the raw alarm data the runner maps before a send.
type AlarmSource struct {
	OccurrenceID int64
	RuleID       int64
	TenantID     int64
	PointID      int64
	SiteID       string
	PointName    string
	RawValue     float64
	Severity     domain.Severity
	State        domain.AlarmState
	Message      string
	Timestamp    time.Time
}

// ValueSource is the raw telemetry value the runner maps before a send.
type ValueSource struct {
	PointID   int64
	SiteID    string
	PointName string
	RawValue  float64
	Quality   domain.Quality
	Timestamp time.Time
}

type typeStats struct {
	total         int64
	success       int64
	failure       int64
	avgResponseMS float64
}

// Runner drives every enabled target through apply-mappings →
// breaker-check → delay → send → record-result for one alarm or value.
type Runner struct {
	targets  TargetLookup
	breakers *breaker.Registry

	defaultBreakerCfg breaker.Config

	mu         sync.Mutex
	perType    map[domain.TargetKind]*typeStats
	totalSends int64
}

// New builds a Runner over targets, using defaultBreakerCfg for any target
// without a more specific configuration (spec's FailureProtector knobs are
// per-target but a sane default keeps new targets from being unprotected).
func New(targets TargetLookup, defaultBreakerCfg breaker.Config) *Runner {
	return &Runner{
		targets:           targets,
		breakers:          breaker.NewRegistry(),
		defaultBreakerCfg: defaultBreakerCfg,
		perType:           make(map[domain.TargetKind]*typeStats),
	}
}

// SendAlarm runs alarm through every enabled target.
func (r *Runner) SendAlarm(ctx context.Context, alarm AlarmSource) []domain.TargetSendResult {
	results := make([]domain.TargetSendResult, 0, 4)
	for _, t := range r.targets.GetAllTargets() {
		results = append(results, r.sendAlarmToTarget(ctx, t, alarm))
	}
	return results
}

// SendValue runs value through every enabled target.
func (r *Runner) SendValue(ctx context.Context, value ValueSource) []domain.TargetSendResult {
	results := make([]domain.TargetSendResult, 0, 4)
	for _, t := range r.targets.GetAllTargets() {
		results = append(results, r.sendValueToTarget(ctx, t, value))
	}
	return results
}

// sendAlarmBatch-equivalent: send a single alarm to one named target id
// (spec §4.11's sendAlarmBatch/sendValueBatch select "the target (or
// all enabled)").
func (r *Runner) SendAlarmToTargetID(ctx context.Context, targetID int64, alarm AlarmSource) (domain.TargetSendResult, bool) {
	t, ok := r.targets.GetTarget(targetID)
	if !ok {
		return domain.TargetSendResult{}, false
	}
	return r.sendAlarmToTarget(ctx, t, alarm), true
}

// SendValueToTargetID sends a single value to one named target id (the
// value-side counterpart of SendAlarmToTargetID, used by a manual export
// command naming a specific target).
func (r *Runner) SendValueToTargetID(ctx context.Context, targetID int64, value ValueSource) (domain.TargetSendResult, bool) {
	t, ok := r.targets.GetTarget(targetID)
	if !ok {
		return domain.TargetSendResult{}, false
	}
	return r.sendValueToTarget(ctx, t, value), true
}

func (r *Runner) sendAlarmToTarget(ctx context.Context, t domain.DynamicTarget, alarm AlarmSource) domain.TargetSendResult {
	mapped := r.applyAlarmMappings(t.ID, alarm)

	targetIDLabel := strconv.FormatInt(t.ID, 10)

	protector := r.breakers.Get(t.ID, r.defaultBreakerCfg)
	if !protector.CanExecute() {
		metrics.SetBreakerState(targetIDLabel, int(protector.State()))
		metrics.RecordTargetSend(string(t.Type), "breaker_open", 0)
		return domain.TargetSendResult{
			Success:      false,
			ErrorMessage: "Circuit breaker open",
			TargetID:     t.ID,
			TargetName:   t.Name,
			TargetType:   t.Type,
			Timestamp:    time.Now().UnixMilli(),
		}
	}

	h, ok := r.targets.GetHandler(t.ID)
	if !ok {
		protector.RecordFailure()
		metrics.RecordTargetSend(string(t.Type), "no_handler", 0)
		return domain.TargetSendResult{
			Success:      false,
			ErrorMessage: "no handler for target",
			TargetID:     t.ID,
			TargetName:   t.Name,
			TargetType:   t.Type,
			Timestamp:    time.Now().UnixMilli(),
		}
	}

	if t.ExecutionDelayMS > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(t.ExecutionDelayMS) * time.Millisecond):
		}
	}

	start := time.Now()
	result, err := h.SendAlarm(ctx, mapped)
	elapsed := time.Since(start).Milliseconds()

	result.TargetID = t.ID
	result.TargetName = t.Name
	result.TargetType = t.Type
	if result.ResponseTime == 0 {
		result.ResponseTime = elapsed
	}

	sendResult := "success"
	if err != nil {
		sendResult = "failure"
		protector.RecordFailure()
		logging.Op().Warn("target runner: alarm send failed", "target_id", t.ID, "error", err)
	} else {
		protector.RecordSuccess()
	}
	metrics.RecordTargetSend(string(t.Type), sendResult, elapsed)
	metrics.SetBreakerState(targetIDLabel, int(protector.State()))

	r.recordStats(t.Type, result)
	return result
}

func (r *Runner) sendValueToTarget(ctx context.Context, t domain.DynamicTarget, value ValueSource) domain.TargetSendResult {
	mapped := r.applyValueMappings(t.ID, value)

	targetIDLabel := strconv.FormatInt(t.ID, 10)

	protector := r.breakers.Get(t.ID, r.defaultBreakerCfg)
	if !protector.CanExecute() {
		metrics.SetBreakerState(targetIDLabel, int(protector.State()))
		metrics.RecordTargetSend(string(t.Type), "breaker_open", 0)
		return domain.TargetSendResult{
			Success:      false,
			ErrorMessage: "Circuit breaker open",
			TargetID:     t.ID,
			TargetName:   t.Name,
			TargetType:   t.Type,
			Timestamp:    time.Now().UnixMilli(),
		}
	}

	h, ok := r.targets.GetHandler(t.ID)
	if !ok {
		protector.RecordFailure()
		metrics.RecordTargetSend(string(t.Type), "no_handler", 0)
		return domain.TargetSendResult{
			Success:      false,
			ErrorMessage: "no handler for target",
			TargetID:     t.ID,
			TargetName:   t.Name,
			TargetType:   t.Type,
			Timestamp:    time.Now().UnixMilli(),
		}
	}

	if t.ExecutionDelayMS > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(t.ExecutionDelayMS) * time.Millisecond):
		}
	}

	start := time.Now()
	result, err := h.SendValue(ctx, mapped)
	elapsed := time.Since(start).Milliseconds()

	result.TargetID = t.ID
	result.TargetName = t.Name
	result.TargetType = t.Type
	if result.ResponseTime == 0 {
		result.ResponseTime = elapsed
	}

	sendResult := "success"
	if err != nil {
		sendResult = "failure"
		protector.RecordFailure()
		logging.Op().Warn("target runner: value send failed", "target_id", t.ID, "error", err)
	} else {
		protector.RecordSuccess()
	}
	metrics.RecordTargetSend(string(t.Type), sendResult, elapsed)
	metrics.SetBreakerState(targetIDLabel, int(protector.State()))

	r.recordStats(t.Type, result)
	return result
}

func (r *Runner) applyAlarmMappings(targetID int64, alarm AlarmSource) handler.AlarmPayload {
	pointName := alarm.PointName
	if field := r.targets.GetTargetFieldName(targetID, alarm.PointID); field != "" {
		pointName = field
	}
	siteID := alarm.SiteID
	if override := r.targets.GetOverrideSiteID(targetID, alarm.PointID); override != "" {
		siteID = override
	}
	buildingID := r.targets.GetExternalBuildingID(targetID, siteID)
	scale := r.targets.GetScale(targetID, alarm.PointID)
	offset := r.targets.GetOffset(targetID, alarm.PointID)

	return handler.AlarmPayload{
		OccurrenceID: alarm.OccurrenceID,
		RuleID:       alarm.RuleID,
		TenantID:     alarm.TenantID,
		BuildingID:   buildingID,
		PointName:    pointName,
		Value:        alarm.RawValue*scale + offset,
		Severity:     alarm.Severity,
		State:        alarm.State,
		Message:      alarm.Message,
		Timestamp:    alarm.Timestamp,
	}
}

func (r *Runner) applyValueMappings(targetID int64, value ValueSource) handler.ValuePayload {
	fieldName := r.targets.GetTargetFieldName(targetID, value.PointID)
	pointName := value.PointName
	if fieldName != "" {
		pointName = fieldName
	}
	siteID := value.SiteID
	if override := r.targets.GetOverrideSiteID(targetID, value.PointID); override != "" {
		siteID = override
	}
	buildingID := r.targets.GetExternalBuildingID(targetID, siteID)
	scale := r.targets.GetScale(targetID, value.PointID)
	offset := r.targets.GetOffset(targetID, value.PointID)

	return handler.ValuePayload{
		PointID:    value.PointID,
		FieldName:  fieldName,
		BuildingID: buildingID,
		PointName:  pointName,
		Value:      value.RawValue*scale + offset,
		Quality:    value.Quality,
		Timestamp:  value.Timestamp,
	}
}

func (r *Runner) recordStats(kind domain.TargetKind, result domain.TargetSendResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalSends++

	s, ok := r.perType[kind]
	if !ok {
		s = &typeStats{}
		r.perType[kind] = s
	}
	s.total++
	if result.Success {
		s.success++
	} else {
		s.failure++
	}
	// incremental rolling average
	s.avgResponseMS += (float64(result.ResponseTime) - s.avgResponseMS) / float64(s.total)
}

// TypeStat is a stats snapshot for one target type.
type TypeStat struct {
	Total             int64
	Success           int64
	Failure           int64
	AvgResponseTimeMS float64
}

// Stats returns total sends and a per-type breakdown.
func (r *Runner) Stats() (total int64, perType map[domain.TargetKind]TypeStat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.TargetKind]TypeStat, len(r.perType))
	for k, s := range r.perType {
		out[k] = TypeStat{Total: s.total, Success: s.success, Failure: s.failure, AvgResponseTimeMS: s.avgResponseMS}
	}
	return r.totalSends, out
}

// ResetFailureProtector clears the breaker state for one target (admin
// override).
func (r *Runner) ResetFailureProtector(targetID int64) {
	r.breakers.Get(targetID, r.defaultBreakerCfg).Reset()
	metrics.SetBreakerState(strconv.FormatInt(targetID, 10), 0)
	metrics.RecordBreakerTrip(strconv.FormatInt(targetID, 10), "closed")
}

// ResetAll clears every target's breaker state (admin override).
func (r *Runner) ResetAll() {
	r.breakers.ResetAll()
}
