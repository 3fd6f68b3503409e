package alarm

import (
	"time"

	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/metrics"
	"github.com/pulseone/pulseone/internal/script"
)

// Evaluator is pure with respect to its own storage; it consults the
// shared StateCache but never owns the decision to persist anything.
// (spec §4.4)
type Evaluator struct {
	cache *StateCache
	exec  *script.Executor
}

// NewEvaluator creates an Evaluator backed by cache for active/inactive
// lookups and exec for SCRIPT-type rules.
func NewEvaluator(cache *StateCache, exec *script.Executor) *Evaluator {
	return &Evaluator{cache: cache, exec: exec}
}

// Evaluate applies rule to rawValue and returns the resulting transition,
// if any, relative to the rule's currently cached status.
func (e *Evaluator) Evaluate(rule domain.AlarmRule, rawValue domain.Value) domain.AlarmEvaluation {
	now := time.Now()
	eval := domain.AlarmEvaluation{
		RuleID:   rule.ID,
		TenantID: rule.TenantID,
		Timestamp: now,
		Severity:  rule.Severity,
	}

	var triggered bool
	switch rule.AlarmType {
	case domain.AlarmTypeAnalog:
		condition := analogCondition(rule, rawValue)
		eval.ConditionMet = condition
		triggered = condition != domain.ConditionNone
	case domain.AlarmTypeDigital:
		eval.ConditionMet = domain.ConditionNone
		triggered = rawValue.AsBool()
	case domain.AlarmTypeScript:
		eval.ConditionMet = domain.ConditionNone
		triggered = e.evaluateScript(rule, rawValue)
	default:
		eval.ConditionMet = domain.ConditionNone
		triggered = false
	}

	status := e.cache.GetAlarmStatus(rule.ID)
	switch {
	case triggered && !status.IsActive:
		eval.ShouldTrigger = true
		eval.StateChanged = true
		metrics.RecordAlarmTriggered(rule.Severity.String())
	case !triggered && status.IsActive:
		eval.ShouldClear = true
		eval.StateChanged = true
		metrics.RecordAlarmCleared(rule.Severity.String())
	}
	return eval
}

// analogCondition compares value against the rule's populated limits in
// priority order: HIGH_HIGH wins over HIGH, LOW_LOW wins over LOW, and a
// high breach always wins over a low breach check order (high first).
func analogCondition(rule domain.AlarmRule, value domain.Value) domain.ConditionMet {
	v, ok := value.AsDouble()
	if !ok {
		return domain.ConditionNone
	}
	if rule.HighHigh != nil && v >= *rule.HighHigh {
		return domain.ConditionHighHigh
	}
	if rule.High != nil && v >= *rule.High {
		return domain.ConditionHigh
	}
	if rule.LowLow != nil && v <= *rule.LowLow {
		return domain.ConditionLowLow
	}
	if rule.Low != nil && v <= *rule.Low {
		return domain.ConditionLow
	}
	return domain.ConditionNone
}

// evaluateScript invokes the Script Executor with context {value: rawValue}
// and coerces the result to a bool. Any evaluation failure is treated as
// "not triggered" — the offending rule is skipped for this message, per
// spec §7, rather than aborting evaluation of other rules.
func (e *Evaluator) evaluateScript(rule domain.AlarmRule, rawValue domain.Value) bool {
	if e.exec == nil || rule.ConditionScript == "" {
		return false
	}
	result := e.exec.ExecuteSafe(rule.ConditionScript, []script.Input{
		{Name: "value", Value: rawValue.Any()},
	})
	if !result.Success {
		return false
	}
	b, ok := result.Value.(bool)
	return ok && b
}
