package alarm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pulseone/pulseone/internal/backendformat"
	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/logging"
)

// RecoveryPolicy selects which active alarms get republished on startup
// (spec §4.7).
type RecoveryPolicy string

const (
	RecoveryAllActive      RecoveryPolicy = "ALL_ACTIVE"
	RecoveryCriticalOnly   RecoveryPolicy = "CRITICAL_ONLY"
	RecoveryHighAndCritical RecoveryPolicy = "HIGH_AND_CRITICAL"
	RecoveryTenantFiltered RecoveryPolicy = "TENANT_FILTERED"
	RecoveryTimeWindowed   RecoveryPolicy = "TIME_WINDOWED"
)

const (
	defaultBatchSize      = 100
	defaultInterBatchWait = 50 * time.Millisecond
	defaultRetryAttempts  = 3
	defaultRetryBackoff   = 500 * time.Millisecond
)

// Publisher abstracts the outbound publish step so recovery does not
// depend on a concrete Redis client.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PointSnapshot is one device's most recently persisted point batch, the
// input to point-value warm startup.
type PointSnapshot struct {
	DeviceID int64
	TenantID int64
	Points   []domain.TimestampedValue
}

// PointValueSource loads the last persisted point batch per device for a
// tenant; internal/storepg's LoadLatestPointValues implements it.
type PointValueSource interface {
	LoadLatestPointValues(ctx context.Context, tenantID int64) ([]PointSnapshot, error)
}

// PointValueWriter reseeds one point's latest-value key; internal/redisdata
// implements it.
type PointValueWriter interface {
	WriteLatestPoint(ctx context.Context, pointID int64, value any, quality domain.Quality, timestamp time.Time) error
}

// RecoveryConfig configures one recovery run.
type RecoveryConfig struct {
	Policy           RecoveryPolicy
	TenantIDs        []int64       // used when Policy == RecoveryTenantFiltered
	Since            time.Time     // used when Policy == RecoveryTimeWindowed
	Channel          string        // Redis channel to publish onto
	BatchSize        int
	InterBatchWait   time.Duration
	RetryAttempts    int
	RetryBaseBackoff time.Duration
	PriorityOrder    bool // sort batches by severity, most critical first
	Location         string
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.InterBatchWait <= 0 {
		c.InterBatchWait = defaultInterBatchWait
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryBaseBackoff <= 0 {
		c.RetryBaseBackoff = defaultRetryBackoff
	}
	if c.Channel == "" {
		c.Channel = "alarms:all"
	}
	return c
}

// RecoveryStats reports the outcome of a recovery run.
type RecoveryStats struct {
	TotalActiveAlarms     int
	EligibleAfterPolicy   int
	SuccessfullyPublished int
	Failed                int
	Skipped               int
	Duration              time.Duration
}

// recoveryControl holds the pause/resume/cancel signalling for an
// in-flight run.
type recoveryControl struct {
	mu       sync.Mutex
	paused   bool
	cancelled bool
	progress float64
}

// Recovery republishes alarms that were already active before the process
// restarted, so downstream consumers that only react to publish events
// still learn about them (spec §4.7), and reseeds Redis with the last
// known point values on a cold boot ("Warm Startup").
type Recovery struct {
	store  OccurrenceStore
	pub    Publisher
	points PointValueSource
	writer PointValueWriter
	cfg    RecoveryConfig

	ctrl      recoveryControl
	processed map[int64]struct{}
	mu        sync.Mutex
}

// NewRecovery builds a Recovery bound to store for reading active
// occurrences and pub for publishing their wire envelopes.
func NewRecovery(store OccurrenceStore, pub Publisher, cfg RecoveryConfig) *Recovery {
	return &Recovery{
		store:     store,
		pub:       pub,
		cfg:       cfg.withDefaults(),
		processed: make(map[int64]struct{}),
	}
}

// WithPointValueSource attaches the collaborators RecoverLatestPointValues
// needs; warm startup is optional (recovery works without it if the caller
// never wires a source).
func (r *Recovery) WithPointValueSource(points PointValueSource, writer PointValueWriter) *Recovery {
	r.points = points
	r.writer = writer
	return r
}

// Pause suspends an in-flight recovery run before its next batch.
func (r *Recovery) Pause() {
	r.ctrl.mu.Lock()
	defer r.ctrl.mu.Unlock()
	r.ctrl.paused = true
}

// Resume continues a paused recovery run.
func (r *Recovery) Resume() {
	r.ctrl.mu.Lock()
	defer r.ctrl.mu.Unlock()
	r.ctrl.paused = false
}

// Cancel stops a recovery run; already-published batches are not undone.
func (r *Recovery) Cancel() {
	r.ctrl.mu.Lock()
	defer r.ctrl.mu.Unlock()
	r.ctrl.cancelled = true
}

// Progress returns a 0.0-1.0 estimate of how far the current or most
// recent run has advanced.
func (r *Recovery) Progress() float64 {
	r.ctrl.mu.Lock()
	defer r.ctrl.mu.Unlock()
	return r.ctrl.progress
}

func (r *Recovery) setProgress(p float64) {
	r.ctrl.mu.Lock()
	r.ctrl.progress = p
	r.ctrl.mu.Unlock()
}

func (r *Recovery) waitWhilePaused(ctx context.Context) error {
	for {
		r.ctrl.mu.Lock()
		paused := r.ctrl.paused
		cancelled := r.ctrl.cancelled
		r.ctrl.mu.Unlock()
		if cancelled {
			return fmt.Errorf("alarm: recovery cancelled")
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// RecoverActiveAlarms loads every currently active, unacknowledged alarm,
// filters and orders it per Policy, then republishes it through Publisher
// in bounded batches with retry. Occurrences already published by a prior
// call on this Recovery instance are skipped (idempotent re-run).
func (r *Recovery) RecoverActiveAlarms(ctx context.Context) (RecoveryStats, error) {
	start := time.Now()
	stats := RecoveryStats{}
	r.setProgress(0)

	occurrences, err := r.store.ListActiveUnacknowledged(ctx)
	if err != nil {
		return stats, fmt.Errorf("alarm: list active occurrences: %w", err)
	}
	stats.TotalActiveAlarms = len(occurrences)

	eligible := r.filter(occurrences)
	if r.cfg.PriorityOrder {
		sortBySeverityDesc(eligible)
	}
	stats.EligibleAfterPolicy = len(eligible)

	if len(eligible) == 0 {
		stats.Duration = time.Since(start)
		r.setProgress(1)
		return stats, nil
	}

	for batchStart := 0; batchStart < len(eligible); batchStart += r.cfg.BatchSize {
		if err := r.waitWhilePaused(ctx); err != nil {
			stats.Duration = time.Since(start)
			return stats, err
		}

		end := batchStart + r.cfg.BatchSize
		if end > len(eligible) {
			end = len(eligible)
		}
		batch := eligible[batchStart:end]

		for _, occ := range batch {
			r.mu.Lock()
			_, already := r.processed[occ.ID]
			r.mu.Unlock()
			if already {
				stats.Skipped++
				continue
			}

			envelope := backendformat.FromOccurrence(occ, r.cfg.Location)
			payload, err := marshalEnvelope(envelope)
			if err != nil {
				stats.Failed++
				logging.Op().Error("alarm recovery: marshal envelope failed", "occurrence", occ.ID, "error", err)
				continue
			}

			if err := r.publishWithRetry(ctx, payload); err != nil {
				stats.Failed++
				logging.Op().Error("alarm recovery: publish failed after retries", "occurrence", occ.ID, "error", err)
				continue
			}

			r.mu.Lock()
			r.processed[occ.ID] = struct{}{}
			r.mu.Unlock()
			stats.SuccessfullyPublished++
		}

		r.setProgress(float64(end) / float64(len(eligible)))

		if end < len(eligible) {
			select {
			case <-ctx.Done():
				stats.Duration = time.Since(start)
				return stats, ctx.Err()
			case <-time.After(r.cfg.InterBatchWait):
			}
		}
	}

	stats.Duration = time.Since(start)
	r.setProgress(1)
	return stats, nil
}

// PointRecoveryStats reports the outcome of a RecoverLatestPointValues run.
type PointRecoveryStats struct {
	DevicesSeen int
	Published   int
	Failed      int
}

// RecoverLatestPointValues reloads the last point values persisted to the
// RDB into Redis on boot ("Warm Startup" — grounded on the original
// AlarmStartupRecovery's RecoverLatestPointValues), so point:<id>:latest
// reads are populated before the first live message arrives. A no-op if
// WithPointValueSource was never called.
func (r *Recovery) RecoverLatestPointValues(ctx context.Context, tenantID int64) (PointRecoveryStats, error) {
	stats := PointRecoveryStats{}
	if r.points == nil || r.writer == nil {
		return stats, nil
	}

	snapshots, err := r.points.LoadLatestPointValues(ctx, tenantID)
	if err != nil {
		return stats, fmt.Errorf("alarm: load latest point values: %w", err)
	}
	stats.DevicesSeen = len(snapshots)

	for _, snap := range snapshots {
		for _, point := range snap.Points {
			if err := r.writer.WriteLatestPoint(ctx, point.PointID, point.Value.Any(), point.Quality, point.Timestamp); err != nil {
				stats.Failed++
				logging.Op().Error("alarm recovery: warm startup write failed", "point_id", point.PointID, "error", err)
				continue
			}
			stats.Published++
		}
	}
	return stats, nil
}

func (r *Recovery) publishWithRetry(ctx context.Context, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.RetryAttempts; attempt++ {
		if err := r.pub.Publish(ctx, r.cfg.Channel, payload); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == r.cfg.RetryAttempts {
			break
		}
		backoff := time.Duration(float64(r.cfg.RetryBaseBackoff) * math.Pow(2, float64(attempt-1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (r *Recovery) filter(occurrences []domain.AlarmOccurrence) []domain.AlarmOccurrence {
	out := make([]domain.AlarmOccurrence, 0, len(occurrences))
	for _, occ := range occurrences {
		if occ.State != domain.AlarmStateActive {
			continue
		}
		switch r.cfg.Policy {
		case RecoveryCriticalOnly:
			if occ.Severity != domain.SeverityCritical {
				continue
			}
		case RecoveryHighAndCritical:
			if occ.Severity != domain.SeverityCritical && occ.Severity != domain.SeverityHigh {
				continue
			}
		case RecoveryTenantFiltered:
			if !containsTenant(r.cfg.TenantIDs, occ.TenantID) {
				continue
			}
		case RecoveryTimeWindowed:
			if !r.cfg.Since.IsZero() && occ.OccurrenceTime.Before(r.cfg.Since) {
				continue
			}
		case RecoveryAllActive, "":
			// no additional filter
		}
		out = append(out, occ)
	}
	return out
}

func containsTenant(tenantIDs []int64, tenantID int64) bool {
	for _, id := range tenantIDs {
		if id == tenantID {
			return true
		}
	}
	return false
}

func sortBySeverityDesc(occurrences []domain.AlarmOccurrence) {
	sort.SliceStable(occurrences, func(i, j int) bool {
		return occurrences[i].Severity > occurrences[j].Severity
	})
}

func marshalEnvelope(e backendformat.AlarmEventData) ([]byte, error) {
	return json.Marshal(e)
}
