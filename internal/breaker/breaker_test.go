package breaker

import (
	"testing"
	"time"
)

// fakeClock returns a now func and an advance func sharing one time value.
func fakeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	now := func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return now, advance
}

func TestOpensAtFailureThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("after %d failures state = %s, want closed", i+1, b.State())
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("after threshold state = %s, want open", b.State())
	}
	if !b.IsOpen() {
		t.Error("IsOpen() = false for open breaker")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	if b.Failures() != 0 {
		t.Errorf("Failures() = %d after success, want 0", b.Failures())
	}

	// Two more failures stay below the threshold again.
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestHalfOpenAfterRecoveryTimeout(t *testing.T) {
	now, advance := fakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 1})
	b.SetNow(now)

	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("breaker should be open right after tripping")
	}

	advance(29 * time.Second)
	if !b.IsOpen() {
		t.Fatal("breaker should still be open before recovery timeout")
	}

	advance(time.Second)
	if b.IsOpen() {
		t.Fatal("breaker should admit a probe after recovery timeout")
	}
	// The single half-open slot is taken; the next caller is rejected.
	if !b.IsOpen() {
		t.Error("second caller should be rejected while probe is in flight")
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	now, advance := fakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second})
	b.SetNow(now)

	b.RecordFailure()
	advance(10 * time.Second)
	if b.IsOpen() {
		t.Fatal("probe should be admitted")
	}
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Errorf("state = %s after half-open success, want closed", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("Failures() = %d, want 0", b.Failures())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now, advance := fakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := New(Config{FailureThreshold: 5, RecoveryTimeout: 10 * time.Second})
	b.SetNow(now)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	advance(10 * time.Second)
	if b.IsOpen() {
		t.Fatal("probe should be admitted")
	}
	// One failure while half-open reopens regardless of the threshold.
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("state = %s after half-open failure, want open", b.State())
	}
	if b.IsOpen() != true {
		t.Error("IsOpen() = false, want true")
	}
}

func TestStateGaugeValues(t *testing.T) {
	if StateClosed.Value() != 0 || StateOpen.Value() != 1 || StateHalfOpen.Value() != 2 {
		t.Errorf("gauge values = %v/%v/%v, want 0/1/2",
			StateClosed.Value(), StateOpen.Value(), StateHalfOpen.Value())
	}
}
