// Package mathx provides rounding helpers for values destined for FITS headers.
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
// Halves round away from zero, so Round(-2.5, 1) is -3.
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// Decimals rounds x to n decimal places.  NaN and infinities pass through
// unchanged so that error sentinels survive.
func Decimals(x float64, n int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	p := math.Pow10(n)
	return math.Round(x*p) / p
}
