package alarm

import (
	"context"
	"sync"

	"github.com/pulseone/pulseone/internal/domain"
)

// RuleSource loads a tenant's rules from persistence. internal/storepg
// implements this against Postgres; callers inject whatever repository
// satisfies this interface.
type RuleSource interface {
	LoadRules(ctx context.Context, tenantID int64) ([]domain.AlarmRule, error)
}

// pointKey identifies a rule target within a tenant, since target_id alone
// is only unique within (tenant, target_type).
type pointKey struct {
	tenantID int64
	pointID  int64
}

// Registry loads rules per tenant and maintains the (tenant, point) ->
// rules index spec §4.3 requires. Safe for concurrent reads; reload takes
// an exclusive lock and swaps in freshly built tables.
type Registry struct {
	mu           sync.RWMutex
	source       RuleSource
	tenantRules  map[int64][]domain.AlarmRule
	pointToRules map[pointKey][]domain.AlarmRule
}

// NewRegistry creates a registry backed by source.
func NewRegistry(source RuleSource) *Registry {
	return &Registry{
		source:       source,
		tenantRules:  make(map[int64][]domain.AlarmRule),
		pointToRules: make(map[pointKey][]domain.AlarmRule),
	}
}

// LoadRules populates the registry for tenantID from the backing source,
// replacing any previously loaded rules for that tenant.
func (r *Registry) LoadRules(ctx context.Context, tenantID int64) error {
	rules, err := r.source.LoadRules(ctx, tenantID)
	if err != nil {
		return err
	}

	index := make(map[pointKey][]domain.AlarmRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		k := pointKey{tenantID: tenantID, pointID: rule.TargetID}
		index[k] = append(index[k], rule)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenantRules[tenantID] = rules
	for k := range r.pointToRules {
		if k.tenantID == tenantID {
			delete(r.pointToRules, k)
		}
	}
	for k, v := range index {
		r.pointToRules[k] = v
	}
	return nil
}

// GetRulesForPoint returns the enabled rules watching (tenantID, pointID).
// Constant-time lookup plus a copy of the matching slice, so callers
// cannot mutate the registry's internal state.
func (r *Registry) GetRulesForPoint(tenantID, pointID int64) []domain.AlarmRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules := r.pointToRules[pointKey{tenantID: tenantID, pointID: pointID}]
	out := make([]domain.AlarmRule, len(rules))
	copy(out, rules)
	return out
}

// Loaded reports whether rules have ever been loaded for tenantID.
func (r *Registry) Loaded(tenantID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tenantRules[tenantID]
	return ok
}
