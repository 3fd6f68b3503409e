// Package registry implements the export Target Registry (spec §4.9):
// loads targets and their point mappings, applies priority overrides, and
// exposes lookup APIs the target runner calls on every send. Targets are
// used as loaded; no profile or template merging is performed. Reload is atomic — build new tables, then swap under lock —
// so in-flight sends keep using the handler instances they already hold.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/export/handler"
	"github.com/pulseone/pulseone/internal/logging"
)

// TargetSource loads the persisted target rows and their mappings. The
// concrete repository implementation is internal/storepg; this interface
// keeps the registry ignorant of the backing store.
type TargetSource interface {
	LoadTargets(ctx context.Context) ([]domain.DynamicTarget, error)
	LoadMappings(ctx context.Context, targetID int64) (*domain.TargetMappings, error)
}

type entry struct {
	target   domain.DynamicTarget
	mappings *domain.TargetMappings
	handler  handler.Handler
}

// Registry holds the loaded, ordered set of export targets and their
// handler instances.
type Registry struct {
	source TargetSource

	mu      sync.RWMutex
	byID    map[int64]*entry
	ordered []*entry // sorted by (execution_order, priority)
}

// New builds an empty Registry backed by source.
func New(source TargetSource) *Registry {
	return &Registry{
		source: source,
		byID:   make(map[int64]*entry),
	}
}

// Reload fetches the current target set and mappings, builds fresh
// lookup tables, and swaps them in under lock. Handlers already held by
// an in-flight send remain valid until the caller's next getHandler call.
func (r *Registry) Reload(ctx context.Context) error {
	targets, err := r.source.LoadTargets(ctx)
	if err != nil {
		return fmt.Errorf("registry: load targets: %w", err)
	}

	byID := make(map[int64]*entry, len(targets))
	ordered := make([]*entry, 0, len(targets))

	r.mu.RLock()
	existing := r.byID
	r.mu.RUnlock()

	for _, t := range targets {
		if !t.Enabled {
			continue
		}
		mappings, err := r.source.LoadMappings(ctx, t.ID)
		if err != nil {
			logging.Op().Warn("registry: load mappings failed, using empty set", "target_id", t.ID, "error", err)
			mappings = domain.NewTargetMappings()
		}

		h := r.reuseOrCreateHandler(existing, t)
		if h == nil {
			continue
		}

		e := &entry{target: t, mappings: mappings, handler: h}
		byID[t.ID] = e
		ordered = append(ordered, e)
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].target.ExecutionOrder != ordered[j].target.ExecutionOrder {
			return ordered[i].target.ExecutionOrder < ordered[j].target.ExecutionOrder
		}
		return ordered[i].target.Priority < ordered[j].target.Priority
	})

	r.mu.Lock()
	r.byID = byID
	r.ordered = ordered
	r.mu.Unlock()

	logging.Op().Info("registry: reloaded", "target_count", len(ordered))
	return nil
}

// reuseOrCreateHandler keeps the existing handler instance (and its
// connection state) across a reload if the target's type hasn't changed;
// otherwise it constructs and initializes a fresh one.
func (r *Registry) reuseOrCreateHandler(existing map[int64]*entry, t domain.DynamicTarget) handler.Handler {
	if prev, ok := existing[t.ID]; ok && prev.target.Type == t.Type {
		return prev.handler
	}
	h, err := handler.New(t.Type)
	if err != nil {
		logging.Op().Warn("registry: no handler for target type", "target_id", t.ID, "type", t.Type, "error", err)
		return nil
	}
	if err := h.Initialize(t.Config); err != nil {
		logging.Op().Warn("registry: handler initialize failed", "target_id", t.ID, "error", err)
		return nil
	}
	return h
}

// ApplyPriorityOverrides overwrites the Priority field of matching targets
// from an edge_servers.target_priorities map (target name -> priority) and
// re-sorts the ordered table at once. It acts on the currently loaded
// entries only: a later Reload rebuilds them from the source without the
// overrides.
func (r *Registry) ApplyPriorityOverrides(overrides map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.ordered {
		if p, ok := overrides[e.target.Name]; ok {
			e.target.Priority = p
		}
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		if r.ordered[i].target.ExecutionOrder != r.ordered[j].target.ExecutionOrder {
			return r.ordered[i].target.ExecutionOrder < r.ordered[j].target.ExecutionOrder
		}
		return r.ordered[i].target.Priority < r.ordered[j].target.Priority
	})
}

// GetTarget returns the target config for id.
func (r *Registry) GetTarget(id int64) (domain.DynamicTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return domain.DynamicTarget{}, false
	}
	return e.target, true
}

// GetAllTargets returns every enabled target in (execution_order,
// priority) order.
func (r *Registry) GetAllTargets() []domain.DynamicTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DynamicTarget, 0, len(r.ordered))
	for _, e := range r.ordered {
		out = append(out, e.target)
	}
	return out
}

// GetHandler returns the live handler instance for id.
func (r *Registry) GetHandler(id int64) (handler.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// IsPointMapped reports whether pointID has an explicit field mapping on
// target id.
func (r *Registry) IsPointMapped(id, pointID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	_, mapped := e.mappings.FieldName(pointID)
	return mapped
}

// GetTargetFieldName returns the external field name mapped for pointID
// on target id, or "" if unmapped.
func (r *Registry) GetTargetFieldName(id, pointID int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return ""
	}
	name, _ := e.mappings.FieldName(pointID)
	return name
}

// GetOverrideSiteID returns the per-point site override for pointID on
// target id, or "" if none.
func (r *Registry) GetOverrideSiteID(id, pointID int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return ""
	}
	return e.mappings.PointSiteOverride[pointID]
}

// GetExternalBuildingID resolves siteID to its external building id on
// target id, or "" if unmapped.
func (r *Registry) GetExternalBuildingID(id int64, siteID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return ""
	}
	return e.mappings.SiteBuilding[siteID]
}

// GetScale returns the numeric scale factor for pointID on target id
// (default 1.0).
func (r *Registry) GetScale(id, pointID int64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return 1.0
	}
	return e.mappings.Scale(pointID)
}

// GetOffset returns the numeric offset for pointID on target id (default
// 0.0).
func (r *Registry) GetOffset(id, pointID int64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return 0.0
	}
	return e.mappings.Offset(pointID)
}
