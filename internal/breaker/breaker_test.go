package breaker

import (
	"testing"
	"time"
)

func TestBreakerClosedAllowsRequests(t *testing.T) {
	b := New(Config{
		FailureThreshold: 3,
		RecoveryTimeout:  5 * time.Second,
		HalfOpenRequests: 2,
	})

	if !b.CanExecute() {
		t.Fatal("closed breaker should allow requests")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b := New(Config{
		FailureThreshold: 3,
		RecoveryTimeout:  5 * time.Second,
		HalfOpenRequests: 1,
	})

	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Fatalf("expected closed at threshold-1 failures, got %v", b.State())
	}
}

func TestBreakerTripsExactlyAtThreshold(t *testing.T) {
	b := New(Config{
		FailureThreshold: 3,
		RecoveryTimeout:  5 * time.Second,
		HalfOpenRequests: 1,
	})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected open after threshold failures, got %v", b.State())
	}
	if b.CanExecute() {
		t.Fatal("open breaker should reject requests")
	}
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b := New(Config{
		FailureThreshold: 3,
		RecoveryTimeout:  5 * time.Second,
		HalfOpenRequests: 1,
	})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Fatalf("success should have reset the consecutive-failure counter, got %v", b.State())
	}
}

func TestBreakerTransitionsToHalfOpenAndCloses(t *testing.T) {
	b := New(Config{
		FailureThreshold: 2,
		RecoveryTimeout:  10 * time.Millisecond,
		HalfOpenRequests: 2,
	})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	if !b.CanExecute() {
		t.Fatal("expected half-open probe to be admitted")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}

	if !b.CanExecute() {
		t.Fatal("expected second half-open probe to be admitted")
	}
	if b.CanExecute() {
		t.Fatal("expected third probe to be rejected (HalfOpenRequests=2)")
	}

	b.RecordSuccess()
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Fatalf("expected closed after all half-open probes succeeded, got %v", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		HalfOpenRequests: 2,
	})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if !b.CanExecute() {
		t.Fatal("expected probe admitted")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected reopen on half-open failure, got %v", b.State())
	}
}

func TestRegistryGetCreatesAndReuses(t *testing.T) {
	r := NewRegistry()
	cfg := Config{FailureThreshold: 2, RecoveryTimeout: time.Second, HalfOpenRequests: 1}

	b1 := r.Get(1, cfg)
	b2 := r.Get(1, cfg)
	if b1 != b2 {
		t.Fatal("expected the same breaker instance for repeated Get calls")
	}

	b3 := r.Get(2, cfg)
	if b3 == b1 {
		t.Fatal("expected a distinct breaker for a distinct target id")
	}
}

func TestRegistryResetAll(t *testing.T) {
	r := NewRegistry()
	cfg := Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenRequests: 1}

	b := r.Get(1, cfg)
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	r.ResetAll()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after ResetAll, got %v", b.State())
	}
}
