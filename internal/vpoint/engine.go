// Package vpoint computes virtual points: synthetic values derived from a
// formula over a subset of an incoming message's real points (spec §3,
// §4.5 EnrichmentStage).
package vpoint

import (
	"time"

	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/logging"
	"github.com/pulseone/pulseone/internal/script"
)

// RuleSource loads the virtual points configured for a tenant.
type RuleSource interface {
	LoadVirtualPoints(tenantID int64) ([]domain.VirtualPoint, error)
}

// Engine holds an in-memory index of virtual points keyed by the real
// point id that triggers their recomputation, mirroring the alarm
// registry's point-to-rules index.
type Engine struct {
	exec *script.Executor

	byTrigger map[triggerKey][]domain.VirtualPoint
}

type triggerKey struct {
	tenantID int64
	pointID  int64
}

// New builds an Engine that evaluates formulas through exec.
func New(exec *script.Executor) *Engine {
	return &Engine{
		exec:      exec,
		byTrigger: make(map[triggerKey][]domain.VirtualPoint),
	}
}

// LoadFromSource rebuilds the trigger index for tenantID from source,
// swapping the affected entries in under no lock since Engine is intended
// for single-owner (pipeline worker pool) use during reload; callers that
// share an Engine across goroutines must synchronize externally.
func (e *Engine) LoadFromSource(tenantID int64, source RuleSource) error {
	points, err := source.LoadVirtualPoints(tenantID)
	if err != nil {
		return err
	}
	for key := range e.byTrigger {
		if key.tenantID == tenantID {
			delete(e.byTrigger, key)
		}
	}
	for _, vp := range points {
		if !vp.Enabled {
			continue
		}
		for _, dep := range vp.Dependencies {
			key := triggerKey{tenantID: tenantID, pointID: dep.PointID}
			e.byTrigger[key] = append(e.byTrigger[key], vp)
		}
	}
	return nil
}

// Ready reports whether the engine has anything loaded at all.
func (e *Engine) Ready() bool {
	return len(e.byTrigger) > 0
}

// CalculateForMessage evaluates every virtual point whose dependency set
// intersects msg's points, returning one synthetic TimestampedValue per
// virtual point that evaluated successfully. A formula failure is logged
// and that virtual point is skipped — the rest of the message's virtual
// points still compute (spec §4.5: "best-effort").
func (e *Engine) CalculateForMessage(tenantID int64, msg domain.DeviceDataMessage) []domain.TimestampedValue {
	if len(e.byTrigger) == 0 {
		return nil
	}

	byPointID := make(map[int64]domain.TimestampedValue, len(msg.Points))
	for _, p := range msg.Points {
		byPointID[p.PointID] = p
	}

	seen := make(map[int64]struct{})
	var out []domain.TimestampedValue
	for _, p := range msg.Points {
		candidates := e.byTrigger[triggerKey{tenantID: tenantID, pointID: p.PointID}]
		for _, vp := range candidates {
			if _, ok := seen[vp.ID]; ok {
				continue
			}
			seen[vp.ID] = struct{}{}

			value, err := e.evaluate(vp, byPointID)
			if err != nil {
				logging.Op().Warn("virtual point evaluation failed", "virtual_point", vp.ID, "error", err)
				continue
			}
			out = append(out, domain.TimestampedValue{
				PointID:      vp.ID,
				Value:        value,
				Quality:      domain.QualityGood,
				Timestamp:    time.Now(),
				Source:       "virtual_point_engine",
				ValueChanged: true,
			})
		}
	}
	return out
}

func (e *Engine) evaluate(vp domain.VirtualPoint, byPointID map[int64]domain.TimestampedValue) (domain.Value, error) {
	inputs := make([]script.Input, 0, len(vp.Dependencies))
	for _, dep := range vp.Dependencies {
		tv, ok := byPointID[dep.PointID]
		if !ok {
			continue
		}
		inputs = append(inputs, script.Input{Name: dep.VariableName, PointID: dep.PointID, Value: tv.Value.Any()})
	}

	if e.exec == nil {
		return domain.Value{}, &script.EvalError{Message: "virtual point engine: no executor configured"}
	}
	result, err := e.exec.Evaluate(vp.Formula, inputs)
	if err != nil {
		return domain.Value{}, err
	}
	return coerceToDomainValue(result, vp.DataType), nil
}

func coerceToDomainValue(v any, dataType string) domain.Value {
	switch x := v.(type) {
	case bool:
		return domain.BoolValue(x)
	case float64:
		if dataType == "int" {
			return domain.IntValue(int64(x))
		}
		return domain.DoubleValue(x)
	case string:
		return domain.StringValue(x)
	default:
		return domain.Value{}
	}
}
