package vpoint

import (
	"testing"
	"time"

	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/script"
)

type fakeRuleSource struct {
	points []domain.VirtualPoint
}

func (f *fakeRuleSource) LoadVirtualPoints(tenantID int64) ([]domain.VirtualPoint, error) {
	return f.points, nil
}

func TestCalculateForMessageComputesDependentVirtualPoint(t *testing.T) {
	exec := script.New(script.Config{})
	engine := New(exec)
	source := &fakeRuleSource{points: []domain.VirtualPoint{
		{
			ID:       100,
			TenantID: 1,
			Name:     "avg_temp",
			Formula:  "(a + b) / 2",
			DataType: "double",
			Enabled:  true,
			Dependencies: []domain.VirtualPointDependency{
				{PointID: 1, VariableName: "a"},
				{PointID: 2, VariableName: "b"},
			},
		},
	}}
	if err := engine.LoadFromSource(1, source); err != nil {
		t.Fatalf("load: %v", err)
	}

	msg := domain.DeviceDataMessage{
		TenantID: 1,
		Points: []domain.TimestampedValue{
			{PointID: 1, Value: domain.DoubleValue(10), Timestamp: time.Now()},
			{PointID: 2, Value: domain.DoubleValue(20), Timestamp: time.Now()},
		},
	}

	out := engine.CalculateForMessage(1, msg)
	if len(out) != 1 {
		t.Fatalf("expected 1 synthetic value, got %d", len(out))
	}
	if out[0].PointID != 100 {
		t.Fatalf("expected virtual point id 100, got %d", out[0].PointID)
	}
	got, ok := out[0].Value.AsDouble()
	if !ok || got != 15 {
		t.Fatalf("expected avg 15, got %v", out[0].Value)
	}
}

func TestCalculateForMessageSkipsFailingFormula(t *testing.T) {
	exec := script.New(script.Config{})
	engine := New(exec)
	source := &fakeRuleSource{points: []domain.VirtualPoint{
		{ID: 1, TenantID: 1, Formula: "(((", Enabled: true, Dependencies: []domain.VirtualPointDependency{{PointID: 1, VariableName: "a"}}},
		{ID: 2, TenantID: 1, Formula: "a * 2", DataType: "double", Enabled: true, Dependencies: []domain.VirtualPointDependency{{PointID: 1, VariableName: "a"}}},
	}}
	if err := engine.LoadFromSource(1, source); err != nil {
		t.Fatalf("load: %v", err)
	}

	msg := domain.DeviceDataMessage{TenantID: 1, Points: []domain.TimestampedValue{{PointID: 1, Value: domain.DoubleValue(5)}}}
	out := engine.CalculateForMessage(1, msg)
	if len(out) != 1 {
		t.Fatalf("expected the broken formula to be skipped and the valid one to survive, got %d results", len(out))
	}
	if out[0].PointID != 2 {
		t.Fatalf("expected the surviving result to be virtual point 2, got %d", out[0].PointID)
	}
}

func TestCalculateForMessageNoVirtualPointsLoaded(t *testing.T) {
	engine := New(script.New(script.Config{}))
	out := engine.CalculateForMessage(1, domain.DeviceDataMessage{Points: []domain.TimestampedValue{{PointID: 1, Value: domain.DoubleValue(1)}}})
	if out != nil {
		t.Fatalf("expected nil result when no virtual points loaded, got %v", out)
	}
}

func TestCalculateForMessageEvaluatesOncePerVirtualPointAcrossSharedTriggers(t *testing.T) {
	exec := script.New(script.Config{})
	engine := New(exec)
	source := &fakeRuleSource{points: []domain.VirtualPoint{
		{
			ID:       7,
			TenantID: 1,
			Formula:  "a + b",
			DataType: "double",
			Enabled:  true,
			Dependencies: []domain.VirtualPointDependency{
				{PointID: 1, VariableName: "a"},
				{PointID: 2, VariableName: "b"},
			},
		},
	}}
	if err := engine.LoadFromSource(1, source); err != nil {
		t.Fatalf("load: %v", err)
	}
	msg := domain.DeviceDataMessage{TenantID: 1, Points: []domain.TimestampedValue{
		{PointID: 1, Value: domain.DoubleValue(1)},
		{PointID: 2, Value: domain.DoubleValue(2)},
	}}
	out := engine.CalculateForMessage(1, msg)
	if len(out) != 1 {
		t.Fatalf("expected a virtual point triggered by multiple incoming points to compute exactly once, got %d", len(out))
	}
}
