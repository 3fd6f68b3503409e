package alarm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pulseone/pulseone/internal/domain"
)

// OccurrenceStore persists AlarmOccurrence rows. internal/storepg is the
// concrete Postgres implementation; this interface is what the alarm stage
// and startup recovery depend on.
type OccurrenceStore interface {
	CreateOccurrence(ctx context.Context, occ *domain.AlarmOccurrence) (int64, error)
	UpdateOccurrenceState(ctx context.Context, occurrenceID int64, state domain.AlarmState) error
	ListActiveUnacknowledged(ctx context.Context) ([]domain.AlarmOccurrence, error)
}

// IDIssuer allocates monotonic occurrence ids when the store does not
// issue them itself (spec §4.5: "monotonic per process or DB-issued").
type IDIssuer struct {
	counter atomic.Int64
}

// Next returns the next process-local monotonic id.
func (i *IDIssuer) Next() int64 {
	return i.counter.Add(1)
}

// ErrOccurrenceNotFound is returned when a clear cannot find its
// corresponding occurrence in the cache (spec §7 state-inconsistency path).
var ErrOccurrenceNotFound = fmt.Errorf("alarm: occurrence not found in cache")
