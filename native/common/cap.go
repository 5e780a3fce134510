package common

import (
	"errors"
	"math"
)

var (
	ErrCapExceeded        = errors.New("interval cap exceeded")
	ErrCapCounterOverflow = errors.New("interval cap counter overflow")
	ErrCapClockRegression = errors.New("interval cap clock moved backwards")
)

// CapUsage captures the running total of an interval cap.
type CapUsage struct {
	Total         uint64
	IntervalStart uint64
}

// IntervalCap bounds the cumulative amount accepted within a rolling window of
// IntervalSeconds. A zero IntervalSeconds disables the cap.
type IntervalCap struct {
	Capacity        uint64 `toml:"Capacity"`
	IntervalSeconds uint64 `toml:"IntervalSeconds"`
}

// Enabled reports whether the cap enforces anything.
func (c IntervalCap) Enabled() bool {
	return c.IntervalSeconds > 0
}

// CheckCap verifies whether add fits within the cap at time now. The returned
// CapUsage reflects the updated counters when the cap is not exceeded; on any
// error the previous usage is returned unchanged.
func CheckCap(c IntervalCap, now uint64, prev CapUsage, add uint64) (CapUsage, error) {
	if !c.Enabled() {
		return prev, nil
	}
	if prev.IntervalStart > now {
		return prev, ErrCapClockRegression
	}

	next := prev
	if now-prev.IntervalStart >= c.IntervalSeconds {
		next = CapUsage{IntervalStart: now}
	}

	if add > 0 {
		if next.Total > math.MaxUint64-add {
			return prev, ErrCapCounterOverflow
		}
		next.Total += add
	}
	if next.Total > c.Capacity {
		return prev, ErrCapExceeded
	}
	return next, nil
}

// Remaining returns the amount still accepted at time now.
func (c IntervalCap) Remaining(now uint64, usage CapUsage) uint64 {
	if !c.Enabled() {
		return math.MaxUint64
	}
	if usage.IntervalStart <= now && now-usage.IntervalStart >= c.IntervalSeconds {
		return c.Capacity
	}
	if usage.Total >= c.Capacity {
		return 0
	}
	return c.Capacity - usage.Total
}
