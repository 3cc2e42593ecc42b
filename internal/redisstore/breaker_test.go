package redisstore

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: err = %v, want errBoom", i, err)
		}
	}

	if !b.Open() {
		t.Fatal("breaker must be open after threshold failures")
	}

	// Open breaker fails fast without invoking the call
	invoked := false
	err := b.Do(func() error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Error("open breaker must not invoke the call")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		_ = b.Do(func() error { return errBoom })
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("success call: %v", err)
	}
	for i := 0; i < 2; i++ {
		_ = b.Do(func() error { return errBoom })
	}

	if b.Open() {
		t.Error("breaker must not open, success reset the streak")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := NewBreaker(2, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		_ = b.Do(func() error { return errBoom })
	}
	if !b.Open() {
		t.Fatal("breaker must be open")
	}

	time.Sleep(20 * time.Millisecond)

	// First call after the cool-down probes; success closes the breaker
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if b.Open() {
		t.Error("breaker must close after a successful probe")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker(2, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		_ = b.Do(func() error { return errBoom })
	}

	time.Sleep(20 * time.Millisecond)

	if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe call: %v", err)
	}
	if !b.Open() {
		t.Error("failed probe must reopen the breaker")
	}
}
