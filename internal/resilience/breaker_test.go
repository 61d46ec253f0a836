package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
)

var errBackend = fcerr.New(fcerr.KindTransient, "backend down")

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for range 3 {
		if err := b.Execute(func() error { return errBackend }); !errors.Is(err, errBackend) {
			t.Fatalf("expected backend error, got %v", err)
		}
	}

	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State() != "open" {
		t.Fatalf("state = %s", b.State())
	}
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	_ = b.Execute(func() error { return errBackend })
	if b.State() != "open" {
		t.Fatal("expected open after failure")
	}

	now = now.Add(2 * time.Minute)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe should run: %v", err)
	}
	if b.State() != "closed" {
		t.Fatalf("success in half-open must close, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	_ = b.Execute(func() error { return errBackend })
	now = now.Add(2 * time.Minute)
	_ = b.Execute(func() error { return errBackend })

	if b.State() != "open" {
		t.Fatalf("failed probe must reopen, got %s", b.State())
	}
}

func TestBreaker_DomainFailuresDoNotTrip(t *testing.T) {
	b := NewBreaker(1, time.Minute)

	errs := []error{
		fcerr.New(fcerr.KindValidation, "overlapping work assignment"),
		fcerr.New(fcerr.KindBudget, "ceiling reached"),
		fcerr.New(fcerr.KindStagnation, "read stall"),
	}
	for _, e := range errs {
		if err := b.Execute(func() error { return e }); !errors.Is(err, e) {
			t.Fatalf("expected %v back, got %v", e, err)
		}
	}

	if b.State() != "closed" {
		t.Fatalf("domain failures must not trip the breaker, got %s", b.State())
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(2, time.Minute)

	_ = b.Execute(func() error { return errBackend })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errBackend })

	if b.State() != "closed" {
		t.Fatal("non-consecutive failures must not open the circuit")
	}
}
