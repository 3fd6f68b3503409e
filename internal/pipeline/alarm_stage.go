package pipeline

import (
	"time"

	"github.com/pulseone/pulseone/internal/alarm"
	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/logging"
)

// AlarmRuleSource is the subset of alarm.Registry the alarm stage needs.
type AlarmRuleSource interface {
	GetRulesForPoint(tenantID, pointID int64) []domain.AlarmRule
}

// AlarmEvaluator is the subset of alarm.Evaluator the alarm stage needs.
type AlarmEvaluator interface {
	Evaluate(rule domain.AlarmRule, rawValue domain.Value) domain.AlarmEvaluation
}

// AlarmStateCache is the subset of alarm.StateCache the alarm stage needs.
type AlarmStateCache interface {
	GetAlarmStatus(ruleID int64) alarm.AlarmStatus
	SetAlarmStatus(ruleID int64, active bool, occurrenceID int64)
	ForceClear(ruleID int64)
}

// OccurrenceIDIssuer allocates a new occurrence id for a trigger.
type OccurrenceIDIssuer interface {
	Next() int64
}

// AlarmStage evaluates every rule bound to each point in the enriched
// message and emits AlarmEvents for state transitions (spec §4.5). It
// never aborts the chain on a per-rule failure.
type AlarmStage struct {
	Rules    AlarmRuleSource
	Eval     AlarmEvaluator
	Cache    AlarmStateCache
	Issuer   OccurrenceIDIssuer
	Source   string // source_name stamped on emitted events
}

func (s *AlarmStage) Name() string { return "alarm" }

func (s *AlarmStage) Process(ctx *Context) bool {
	if !ctx.ShouldEvaluateAlarms {
		return true
	}

	for _, point := range ctx.EnrichedMessage.Points {
		rules := s.Rules.GetRulesForPoint(ctx.TenantID, point.PointID)
		for _, rule := range rules {
			s.evaluateOne(ctx, rule, point)
		}
	}
	return true
}

func (s *AlarmStage) evaluateOne(ctx *Context, rule domain.AlarmRule, point domain.TimestampedValue) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("alarm stage: rule evaluation panicked", "rule", rule.ID, "recover", r)
		}
	}()

	evaluation := s.Eval.Evaluate(rule, point.Value)
	if !evaluation.StateChanged {
		return
	}

	now := time.Now()
	switch {
	case evaluation.ShouldTrigger:
		occurrenceID := s.Issuer.Next()
		event := domain.AlarmEvent{
			OccurrenceID: occurrenceID,
			RuleID:       rule.ID,
			PointID:      point.PointID,
			DeviceID:     ctx.EnrichedMessage.DeviceID,
			TenantID:     rule.TenantID,
			Severity:     rule.Severity,
			Message:      "",
			TriggerValue: point.Value,
			Timestamp:    now,
			SourceName:   s.Source,
			State:        domain.AlarmStateActive,
		}
		ctx.AlarmEvents = append(ctx.AlarmEvents, event)
		s.Cache.SetAlarmStatus(rule.ID, true, occurrenceID)

	case evaluation.ShouldClear:
		status := s.Cache.GetAlarmStatus(rule.ID)
		if status.OccurrenceID == 0 {
			logging.Op().Warn("alarm stage: clearing rule with no occurrence id in cache, forcing clear", "rule_id", rule.ID)
			s.Cache.ForceClear(rule.ID)
		}
		event := domain.AlarmEvent{
			OccurrenceID: status.OccurrenceID,
			RuleID:       rule.ID,
			PointID:      point.PointID,
			DeviceID:     ctx.EnrichedMessage.DeviceID,
			TenantID:     rule.TenantID,
			Severity:     rule.Severity,
			TriggerValue: point.Value,
			Timestamp:    now,
			SourceName:   s.Source,
			State:        domain.AlarmStateCleared,
		}
		ctx.AlarmEvents = append(ctx.AlarmEvents, event)
		s.Cache.SetAlarmStatus(rule.ID, false, 0)
	}
	ctx.Stats.AlarmEventCount = len(ctx.AlarmEvents)
}
