package verify

import (
	"fmt"
	"math"

	"github.com/notargets/tilefab/fabric"
	"github.com/pkg/errors"
)

// Tolerance bounds the element-wise deviation |a-e| <= Atol + Rtol*|e|
type Tolerance struct {
	Atol float64 `yaml:"atol"`
	Rtol float64 `yaml:"rtol"`
}

var (
	// GemmTolerance is used for the single-PE GEMM with random inputs
	GemmTolerance = Tolerance{Atol: 0.01, Rtol: 0}
	// DefaultTolerance is numpy.testing.assert_allclose's default
	DefaultTolerance = Tolerance{Atol: 0, Rtol: 1e-7}
)

func (t Tolerance) bound(expected float64) float64 {
	return t.Atol + t.Rtol*math.Abs(expected)
}

// MismatchError reports the first element outside tolerance
type MismatchError struct {
	Index     int
	Actual    float32
	Expected  float32
	Deviation float64
	Allowed   float64
	Count     int // number of failing elements
	Total     int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%d of %d elements outside tolerance, first at index %d: got %v, want %v (|diff| %g > %g)",
		e.Count, e.Total, e.Index, e.Actual, e.Expected, e.Deviation, e.Allowed)
}

func (e *MismatchError) Unwrap() error {
	return fabric.ErrVerification
}

// AllClose compares actual against expected element-wise. NaN never
// compares equal. Any failure is a *MismatchError wrapping
// fabric.ErrVerification; a length difference is fabric.ErrSizeMismatch.
func AllClose(actual, expected []float32, tol Tolerance) error {
	if len(actual) != len(expected) {
		return errors.Wrapf(fabric.ErrSizeMismatch, "got %d elements, reference has %d", len(actual), len(expected))
	}
	if tol.Atol < 0 || tol.Rtol < 0 {
		return errors.Wrapf(fabric.ErrConfiguration, "tolerance %+v must be non-negative", tol)
	}
	var mismatch *MismatchError
	for i := range actual {
		a, e := float64(actual[i]), float64(expected[i])
		dev := math.Abs(a - e)
		allowed := tol.bound(e)
		if dev <= allowed {
			continue
		}
		// NaN deviations fall through the comparison above
		if mismatch == nil {
			mismatch = &MismatchError{
				Index:     i,
				Actual:    actual[i],
				Expected:  expected[i],
				Deviation: dev,
				Allowed:   allowed,
				Total:     len(actual),
			}
		}
		mismatch.Count++
	}
	if mismatch != nil {
		return mismatch
	}
	return nil
}
