package pipeline

import (
	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/logging"
)

// VirtualPointEngine is the subset of vpoint.Engine the enrichment stage
// depends on, narrowed so this package doesn't need to import vpoint's
// concrete type.
type VirtualPointEngine interface {
	Ready() bool
	CalculateForMessage(tenantID int64, msg domain.DeviceDataMessage) []domain.TimestampedValue
}

// EnrichmentStage appends synthetic virtual-point values to the enriched
// message. It is best-effort: failures are logged and swallowed, and it
// always returns true so later stages still run on the raw points (spec
// §4.5).
type EnrichmentStage struct {
	Engine VirtualPointEngine
}

func (s *EnrichmentStage) Name() string { return "enrichment" }

func (s *EnrichmentStage) Process(ctx *Context) (ok bool) {
	ok = true
	if s.Engine == nil || !s.Engine.Ready() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("enrichment stage panicked", "recover", r)
			ok = true
		}
	}()

	synthetic := s.Engine.CalculateForMessage(ctx.TenantID, ctx.Message)
	ctx.EnrichedMessage.Points = append(ctx.EnrichedMessage.Points, synthetic...)
	ctx.Stats.EnrichedPoints = len(synthetic)
	return
}
