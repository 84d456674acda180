// Package postfilter implements the first-order de-emphasis applied to every
// synthesized sample before it leaves the vocoder.
package postfilter

import "math"

// DefaultCoef matches the pre-emphasis used when the features were computed.
const DefaultCoef = 0.85

// Filter keeps one sample of memory: mem = coef*mem + x.
type Filter struct {
	coef float64
	mem  float64
}

func New(coef float64) *Filter {
	return &Filter{coef: coef}
}

// Apply filters x and returns the rounded, saturated 16-bit sample.
func (f *Filter) Apply(x float64) int16 {
	f.mem = f.coef*f.mem + x
	return Quantize(f.mem)
}

func (f *Filter) Memory() float64 { return f.mem }

func (f *Filter) Reset() { f.mem = 0 }

// Quantize rounds half to even and clamps into the int16 range.
func Quantize(v float64) int16 {
	r := math.RoundToEven(v)
	switch {
	case math.IsNaN(r):
		return 0
	case r > math.MaxInt16:
		return math.MaxInt16
	case r < math.MinInt16:
		return math.MinInt16
	}
	return int16(r)
}
