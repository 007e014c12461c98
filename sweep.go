// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import (
	"errors"
	"fmt"
	"iter"
)

// SweepRange describes the MTU values tested by one side of the sweep.
//
// The values are max, max-step, max-2*step, ... down to the last
// value that is still >= min. Both roles enumerate their range using
// [SweepRange.Values] so they agree on the number of rounds.
type SweepRange struct {
	Min  uint32
	Max  uint32
	Step uint32
}

// DefaultSweepRange returns the default range (1500 down to 1280 by 20).
func DefaultSweepRange() SweepRange {
	return SweepRange{Min: DefaultMinMTU, Max: DefaultMaxMTU, Step: DefaultStep}
}

// errInvalidSweepRange is the error wrapped by [SweepRange.Validate].
var errInvalidSweepRange = errors.New("invalid sweep range")

// Validate returns an error if the range cannot be swept.
func (r SweepRange) Validate() error {
	switch {
	case r.Step == 0:
		return fmt.Errorf("%w: step must be positive", errInvalidSweepRange)
	case r.Max == 0:
		return fmt.Errorf("%w: max must be positive", errInvalidSweepRange)
	case r.Min > r.Max:
		return fmt.Errorf("%w: min %d > max %d", errInvalidSweepRange, r.Min, r.Max)
	default:
		return nil
	}
}

// Values returns the sequence of MTU values in sweep order.
//
// The sequence is empty when Min > Max or Step is zero. It is
// restartable: each range over it starts again from Max.
func (r SweepRange) Values() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		if r.Step == 0 || r.Min > r.Max {
			return
		}
		for current := r.Max; current >= r.Min; current -= r.Step {
			if !yield(current) {
				return
			}
			// avoid wrapping around when the next value would be negative
			if current < r.Step {
				return
			}
		}
	}
}

// Len returns the number of values produced by [SweepRange.Values].
func (r SweepRange) Len() int {
	if r.Step == 0 || r.Min > r.Max {
		return 0
	}
	return int((r.Max-r.Min)/r.Step) + 1
}

// String implements [fmt.Stringer].
func (r SweepRange) String() string {
	return fmt.Sprintf("%d..%d/%d", r.Max, r.Min, r.Step)
}
