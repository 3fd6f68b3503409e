package alarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pulseone/pulseone/internal/domain"
)

type fakeOccurrenceStore struct {
	active []domain.AlarmOccurrence
}

func (f *fakeOccurrenceStore) CreateOccurrence(ctx context.Context, occ *domain.AlarmOccurrence) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeOccurrenceStore) UpdateOccurrenceState(ctx context.Context, occurrenceID int64, state domain.AlarmState) error {
	return nil
}

func (f *fakeOccurrenceStore) ListActiveUnacknowledged(ctx context.Context) ([]domain.AlarmOccurrence, error) {
	return f.active, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published [][]byte
	failNext  int
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return errors.New("transient publish failure")
	}
	p.published = append(p.published, payload)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func TestRecoverActiveAlarmsHighAndCriticalScenario(t *testing.T) {
	store := &fakeOccurrenceStore{active: []domain.AlarmOccurrence{
		{ID: 1, RuleID: 1, TenantID: 1, State: domain.AlarmStateActive, Severity: domain.SeverityCritical, OccurrenceTime: time.Now()},
		{ID: 2, RuleID: 2, TenantID: 1, State: domain.AlarmStateActive, Severity: domain.SeverityHigh, OccurrenceTime: time.Now()},
		{ID: 3, RuleID: 3, TenantID: 1, State: domain.AlarmStateActive, Severity: domain.SeverityLow, OccurrenceTime: time.Now()},
	}}
	pub := &recordingPublisher{}
	rec := NewRecovery(store, pub, RecoveryConfig{
		Policy:         RecoveryHighAndCritical,
		InterBatchWait: time.Millisecond,
		RetryBaseBackoff: time.Millisecond,
	})

	stats, err := rec.RecoverActiveAlarms(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalActiveAlarms != 3 {
		t.Fatalf("expected 3 total active alarms, got %d", stats.TotalActiveAlarms)
	}
	if stats.SuccessfullyPublished != 2 {
		t.Fatalf("expected 2 published, got %d", stats.SuccessfullyPublished)
	}
	if pub.count() != 2 {
		t.Fatalf("expected publisher to have received 2 messages, got %d", pub.count())
	}
}

func TestRecoverActiveAlarmsIsIdempotentAcrossCalls(t *testing.T) {
	store := &fakeOccurrenceStore{active: []domain.AlarmOccurrence{
		{ID: 1, RuleID: 1, TenantID: 1, State: domain.AlarmStateActive, Severity: domain.SeverityCritical, OccurrenceTime: time.Now()},
	}}
	pub := &recordingPublisher{}
	rec := NewRecovery(store, pub, RecoveryConfig{
		Policy:         RecoveryAllActive,
		InterBatchWait: time.Millisecond,
	})

	first, err := rec.RecoverActiveAlarms(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := rec.RecoverActiveAlarms(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if first.SuccessfullyPublished != 1 {
		t.Fatalf("expected first run to publish once, got %d", first.SuccessfullyPublished)
	}
	if second.SuccessfullyPublished != 0 || second.Skipped != 1 {
		t.Fatalf("expected second run to skip the already-published occurrence, got %+v", second)
	}
	if pub.count() != 1 {
		t.Fatalf("expected publisher to have received exactly 1 message total, got %d", pub.count())
	}
}

func TestRecoverActiveAlarmsRetriesTransientPublishFailure(t *testing.T) {
	store := &fakeOccurrenceStore{active: []domain.AlarmOccurrence{
		{ID: 9, RuleID: 9, TenantID: 1, State: domain.AlarmStateActive, Severity: domain.SeverityCritical, OccurrenceTime: time.Now()},
	}}
	pub := &recordingPublisher{failNext: 1}
	rec := NewRecovery(store, pub, RecoveryConfig{
		Policy:           RecoveryAllActive,
		RetryAttempts:    3,
		RetryBaseBackoff: time.Millisecond,
		InterBatchWait:   time.Millisecond,
	})

	stats, err := rec.RecoverActiveAlarms(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.SuccessfullyPublished != 1 || stats.Failed != 0 {
		t.Fatalf("expected retry to recover the transient failure, got %+v", stats)
	}
}

func TestRecoverActiveAlarmsNoEligibleAlarmsShortCircuits(t *testing.T) {
	store := &fakeOccurrenceStore{}
	pub := &recordingPublisher{}
	rec := NewRecovery(store, pub, RecoveryConfig{Policy: RecoveryAllActive})

	stats, err := rec.RecoverActiveAlarms(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalActiveAlarms != 0 || stats.SuccessfullyPublished != 0 {
		t.Fatalf("expected no-op stats, got %+v", stats)
	}
	if rec.Progress() != 1 {
		t.Fatalf("expected progress 1 on an empty run, got %v", rec.Progress())
	}
}

func TestRecoveryCancelStopsBeforeNextBatch(t *testing.T) {
	active := make([]domain.AlarmOccurrence, 0, 250)
	for i := int64(1); i <= 250; i++ {
		active = append(active, domain.AlarmOccurrence{ID: i, RuleID: i, TenantID: 1, State: domain.AlarmStateActive, Severity: domain.SeverityCritical, OccurrenceTime: time.Now()})
	}
	store := &fakeOccurrenceStore{active: active}
	pub := &recordingPublisher{}
	rec := NewRecovery(store, pub, RecoveryConfig{
		Policy:         RecoveryAllActive,
		BatchSize:      100,
		InterBatchWait: 30 * time.Millisecond,
	})

	rec.Cancel()
	_, err := rec.RecoverActiveAlarms(context.Background())
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
