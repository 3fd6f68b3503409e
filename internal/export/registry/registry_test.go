package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pulseone/pulseone/internal/domain"
)

type fakeSource struct {
	targets  []domain.DynamicTarget
	mappings map[int64]*domain.TargetMappings
}

func (f *fakeSource) LoadTargets(ctx context.Context) ([]domain.DynamicTarget, error) {
	return f.targets, nil
}

func (f *fakeSource) LoadMappings(ctx context.Context, targetID int64) (*domain.TargetMappings, error) {
	if m, ok := f.mappings[targetID]; ok {
		return m, nil
	}
	return domain.NewTargetMappings(), nil
}

func fileTargetConfig(t *testing.T, basePath string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"base_path": basePath, "file_format": "json"})
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return raw
}

func TestRegistryReloadOrdersByExecutionOrderThenPriority(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{targets: []domain.DynamicTarget{
		{ID: 1, Name: "c", Type: domain.TargetFile, Enabled: true, ExecutionOrder: 2, Priority: 1, Config: fileTargetConfig(t, dir)},
		{ID: 2, Name: "a", Type: domain.TargetFile, Enabled: true, ExecutionOrder: 1, Priority: 5, Config: fileTargetConfig(t, dir)},
		{ID: 3, Name: "b", Type: domain.TargetFile, Enabled: true, ExecutionOrder: 1, Priority: 1, Config: fileTargetConfig(t, dir)},
	}}
	reg := New(src)
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	all := reg.GetAllTargets()
	if len(all) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(all))
	}
	if all[0].Name != "b" || all[1].Name != "a" || all[2].Name != "c" {
		t.Fatalf("unexpected order: %v", []string{all[0].Name, all[1].Name, all[2].Name})
	}
}

func TestRegistryReloadSkipsDisabledTargets(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{targets: []domain.DynamicTarget{
		{ID: 1, Name: "on", Type: domain.TargetFile, Enabled: true, Config: fileTargetConfig(t, dir)},
		{ID: 2, Name: "off", Type: domain.TargetFile, Enabled: false, Config: fileTargetConfig(t, dir)},
	}}
	reg := New(src)
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(reg.GetAllTargets()) != 1 {
		t.Fatalf("expected disabled target excluded, got %d targets", len(reg.GetAllTargets()))
	}
	if _, ok := reg.GetTarget(2); ok {
		t.Fatal("expected disabled target to be absent from registry")
	}
}

func TestRegistryReloadReusesHandlerInstanceForUnchangedType(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{targets: []domain.DynamicTarget{
		{ID: 1, Name: "f", Type: domain.TargetFile, Enabled: true, Config: fileTargetConfig(t, dir)},
	}}
	reg := New(src)
	reg.Reload(context.Background())
	h1, _ := reg.GetHandler(1)

	reg.Reload(context.Background())
	h2, _ := reg.GetHandler(1)

	if h1 != h2 {
		t.Fatal("expected handler instance reused across reload when type is unchanged")
	}
}

func TestRegistryApplyPriorityOverridesResorts(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{targets: []domain.DynamicTarget{
		{ID: 1, Name: "low", Type: domain.TargetFile, Enabled: true, Priority: 1, Config: fileTargetConfig(t, dir)},
		{ID: 2, Name: "high", Type: domain.TargetFile, Enabled: true, Priority: 10, Config: fileTargetConfig(t, dir)},
	}}
	reg := New(src)
	reg.Reload(context.Background())

	reg.ApplyPriorityOverrides(map[string]int{"high": 0})

	all := reg.GetAllTargets()
	if all[0].Name != "high" {
		t.Fatalf("expected overridden priority to sort target first, got %v", all)
	}
}

func TestRegistryMappingLookupsReturnDefaultsWhenUnmapped(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{targets: []domain.DynamicTarget{
		{ID: 1, Name: "f", Type: domain.TargetFile, Enabled: true, Config: fileTargetConfig(t, dir)},
	}}
	reg := New(src)
	reg.Reload(context.Background())

	if reg.IsPointMapped(1, 99) {
		t.Fatal("expected unmapped point to report false")
	}
	if scale := reg.GetScale(1, 99); scale != 1.0 {
		t.Fatalf("expected default scale 1.0, got %v", scale)
	}
	if offset := reg.GetOffset(1, 99); offset != 0.0 {
		t.Fatalf("expected default offset 0.0, got %v", offset)
	}
}

func TestRegistryMappingLookupsUseLoadedMappings(t *testing.T) {
	dir := t.TempDir()
	mappings := domain.NewTargetMappings()
	mappings.PointField[42] = "ext_field"
	mappings.PointScale[42] = 2.5
	mappings.PointOffset[42] = 1.0
	mappings.PointSiteOverride[42] = "site-override"
	mappings.SiteBuilding["site-override"] = "bldg-99"

	src := &fakeSource{
		targets:  []domain.DynamicTarget{{ID: 1, Name: "f", Type: domain.TargetFile, Enabled: true, Config: fileTargetConfig(t, dir)}},
		mappings: map[int64]*domain.TargetMappings{1: mappings},
	}
	reg := New(src)
	reg.Reload(context.Background())

	if !reg.IsPointMapped(1, 42) {
		t.Fatal("expected point 42 to be mapped")
	}
	if reg.GetTargetFieldName(1, 42) != "ext_field" {
		t.Fatalf("unexpected field name: %q", reg.GetTargetFieldName(1, 42))
	}
	if reg.GetScale(1, 42) != 2.5 {
		t.Fatalf("unexpected scale: %v", reg.GetScale(1, 42))
	}
	if reg.GetOverrideSiteID(1, 42) != "site-override" {
		t.Fatalf("unexpected site override: %q", reg.GetOverrideSiteID(1, 42))
	}
	if reg.GetExternalBuildingID(1, "site-override") != "bldg-99" {
		t.Fatalf("unexpected external building id: %q", reg.GetExternalBuildingID(1, "site-override"))
	}
}
