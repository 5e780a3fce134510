package common

import (
	"errors"
	"math"
	"testing"
)

func TestCheckCapWithinInterval(t *testing.T) {
	c := IntervalCap{Capacity: 1000, IntervalSeconds: 60}
	prev := CapUsage{IntervalStart: 100}

	next, err := CheckCap(c, 110, prev, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Total != 1000 || next.IntervalStart != 100 {
		t.Fatalf("unexpected usage: %+v", next)
	}

	denied, err := CheckCap(c, 120, next, 1)
	if !errors.Is(err, ErrCapExceeded) {
		t.Fatalf("expected ErrCapExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}
	if remaining := c.Remaining(120, next); remaining != 0 {
		t.Fatalf("unexpected remaining: %d", remaining)
	}
}

func TestCheckCapRollover(t *testing.T) {
	c := IntervalCap{Capacity: 500, IntervalSeconds: 60}
	prev := CapUsage{Total: 500, IntervalStart: 0}

	if got := c.Remaining(60, prev); got != 500 {
		t.Fatalf("expected full capacity after interval, got %d", got)
	}
	next, err := CheckCap(c, 60, prev, 200)
	if err != nil {
		t.Fatalf("unexpected error after rollover: %v", err)
	}
	if next.IntervalStart != 60 || next.Total != 200 {
		t.Fatalf("unexpected usage after rollover: %+v", next)
	}
}

func TestCheckCapClockRegression(t *testing.T) {
	c := IntervalCap{Capacity: 10, IntervalSeconds: 5}
	prev := CapUsage{IntervalStart: 50}
	if _, err := CheckCap(c, 49, prev, 1); !errors.Is(err, ErrCapClockRegression) {
		t.Fatalf("expected ErrCapClockRegression, got %v", err)
	}
}

func TestCheckCapOverflow(t *testing.T) {
	c := IntervalCap{Capacity: math.MaxUint64, IntervalSeconds: 5}
	prev := CapUsage{Total: math.MaxUint64 - 1, IntervalStart: 10}
	if _, err := CheckCap(c, 11, prev, 2); !errors.Is(err, ErrCapCounterOverflow) {
		t.Fatalf("expected ErrCapCounterOverflow, got %v", err)
	}
}

func TestCheckCapDisabled(t *testing.T) {
	prev := CapUsage{Total: 7}
	next, err := CheckCap(IntervalCap{}, 0, prev, math.MaxUint64)
	if err != nil || next != prev {
		t.Fatalf("disabled cap should be a no-op: %+v %v", next, err)
	}
}
