package alarm

import (
	"testing"

	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/script"
)

func highRule(high float64) domain.AlarmRule {
	return domain.AlarmRule{
		ID:        10,
		TenantID:  1,
		AlarmType: domain.AlarmTypeAnalog,
		High:      &high,
		Severity:  domain.SeverityCritical,
		Enabled:   true,
	}
}

func TestEvaluatorAnalogTrigger(t *testing.T) {
	cache := NewStateCache()
	ev := NewEvaluator(cache, nil)
	rule := highRule(100)

	result := ev.Evaluate(rule, domain.DoubleValue(150.0))
	if !result.ShouldTrigger || !result.StateChanged {
		t.Fatalf("expected trigger, got %+v", result)
	}
	if result.ConditionMet != domain.ConditionHigh {
		t.Fatalf("expected HIGH condition, got %v", result.ConditionMet)
	}
}

func TestEvaluatorAnalogHighHighWinsOverHigh(t *testing.T) {
	cache := NewStateCache()
	ev := NewEvaluator(cache, nil)
	high := 100.0
	highHigh := 200.0
	rule := domain.AlarmRule{ID: 1, AlarmType: domain.AlarmTypeAnalog, High: &high, HighHigh: &highHigh, Severity: domain.SeverityHigh, Enabled: true}

	result := ev.Evaluate(rule, domain.DoubleValue(250.0))
	if result.ConditionMet != domain.ConditionHighHigh {
		t.Fatalf("expected HIGH_HIGH regardless of HIGH also being breached, got %v", result.ConditionMet)
	}
}

func TestEvaluatorClearAfterTrigger(t *testing.T) {
	cache := NewStateCache()
	ev := NewEvaluator(cache, nil)
	rule := highRule(100)

	first := ev.Evaluate(rule, domain.DoubleValue(150.0))
	cache.SetAlarmStatus(rule.ID, true, 555)
	_ = first

	second := ev.Evaluate(rule, domain.DoubleValue(50.0))
	if !second.ShouldClear || !second.StateChanged {
		t.Fatalf("expected clear, got %+v", second)
	}
}

func TestEvaluatorNoChangeWhenAlreadyActive(t *testing.T) {
	cache := NewStateCache()
	ev := NewEvaluator(cache, nil)
	rule := highRule(100)
	cache.SetAlarmStatus(rule.ID, true, 1)

	result := ev.Evaluate(rule, domain.DoubleValue(150.0))
	if result.StateChanged {
		t.Fatalf("expected no state change while still triggered and already active, got %+v", result)
	}
}

func TestEvaluatorDigital(t *testing.T) {
	cache := NewStateCache()
	ev := NewEvaluator(cache, nil)
	rule := domain.AlarmRule{ID: 2, AlarmType: domain.AlarmTypeDigital, Severity: domain.SeverityMedium, Enabled: true}

	result := ev.Evaluate(rule, domain.BoolValue(true))
	if !result.ShouldTrigger {
		t.Fatalf("expected digital trigger on true, got %+v", result)
	}
}

func TestEvaluatorScript(t *testing.T) {
	cache := NewStateCache()
	exec := script.New(script.Config{})
	ev := NewEvaluator(cache, exec)
	rule := domain.AlarmRule{ID: 3, AlarmType: domain.AlarmTypeScript, ConditionScript: "value > 10", Severity: domain.SeverityLow, Enabled: true}

	result := ev.Evaluate(rule, domain.DoubleValue(20.0))
	if !result.ShouldTrigger {
		t.Fatalf("expected script trigger, got %+v", result)
	}

	result = ev.Evaluate(rule, domain.DoubleValue(20.0))
	if !result.ShouldTrigger || !result.StateChanged {
		t.Fatalf("expected a repeated trigger while the cache still reports the rule inactive, got %+v", result)
	}
}

func TestEvaluatorScriptFailureTreatedAsNotTriggered(t *testing.T) {
	cache := NewStateCache()
	exec := script.New(script.Config{})
	ev := NewEvaluator(cache, exec)
	rule := domain.AlarmRule{ID: 4, AlarmType: domain.AlarmTypeScript, ConditionScript: "(((", Severity: domain.SeverityLow, Enabled: true}

	result := ev.Evaluate(rule, domain.DoubleValue(20.0))
	if result.ShouldTrigger {
		t.Fatal("expected script evaluation error to be treated as not triggered")
	}
}
