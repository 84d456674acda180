// Package sampling turns the decoder's categorical output into one residual
// symbol.
//
// A Policy first sharpens the distribution for voiced frames, then cuts off
// its low-probability tail, then draws a single index:
//
//	e   = max(0, SharpenSlope*voicing - SharpenOffset)
//	w_i = p_i * p_i^e              / (SharpenEpsilon  + sum)
//	w_i = max(w_i - TailFloor, 0)  / (TruncateEpsilon + sum)
package sampling

import (
	"math"
	"math/rand/v2"

	"github.com/cwbudde/algo-vecmath"
)

const (
	DefaultTailFloor       = 0.002
	DefaultSharpenEpsilon  = 1e-18
	DefaultTruncateEpsilon = 1e-6
	DefaultSharpenSlope    = 1.5
	DefaultSharpenOffset   = 0.5
)

// Params are the tuned thresholds of a Policy.
type Params struct {
	TailFloor       float64
	SharpenEpsilon  float64
	TruncateEpsilon float64
	SharpenSlope    float64
	SharpenOffset   float64
}

// DefaultParams returns the thresholds the shipped models were tuned with.
func DefaultParams() Params {
	return Params{
		TailFloor:       DefaultTailFloor,
		SharpenEpsilon:  DefaultSharpenEpsilon,
		TruncateEpsilon: DefaultTruncateEpsilon,
		SharpenSlope:    DefaultSharpenSlope,
		SharpenOffset:   DefaultSharpenOffset,
	}
}

// Policy holds scratch space and is not safe for concurrent use; give every
// utterance its own.
type Policy struct {
	params  Params
	weights []float64
	powers  []float64
}

func New(params Params) *Policy {
	return &Policy{params: params}
}

func (p *Policy) Params() Params { return p.params }

// Clone returns a policy with the same thresholds and fresh scratch space.
func (p *Policy) Clone() *Policy { return New(p.params) }

// Exponent returns the sharpening exponent for a frame's voicing value.
func (p *Policy) Exponent(voicing float64) float64 {
	return math.Max(0, p.params.SharpenSlope*voicing-p.params.SharpenOffset)
}

// Sharpen writes the renormalized p^(1+e) weights into dst.
func (p *Policy) Sharpen(dst, probs []float64, voicing float64) []float64 {
	dst = ensure(dst, len(probs))
	p.powers = ensure(p.powers, len(probs))
	e := p.Exponent(voicing)
	for i, v := range probs {
		p.powers[i] = math.Pow(v, e)
	}
	vecmath.MulBlock(dst, probs, p.powers)
	vecmath.ScaleBlockInPlace(dst, 1/(p.params.SharpenEpsilon+vecmath.Sum(dst)))
	return dst
}

// Truncate subtracts the tail floor in place and renormalizes.
func (p *Policy) Truncate(w []float64) []float64 {
	for i, v := range w {
		w[i] = math.Max(v-p.params.TailFloor, 0)
	}
	vecmath.ScaleBlockInPlace(w, 1/(p.params.TruncateEpsilon+vecmath.Sum(w)))
	return w
}

// Shape applies sharpening and truncation, returning the final weights.
func (p *Policy) Shape(dst, probs []float64, voicing float64) []float64 {
	return p.Truncate(p.Sharpen(dst, probs, voicing))
}

// Pick shapes probs and draws one index from the result.
func (p *Policy) Pick(probs []float64, voicing float64, rng *rand.Rand) int {
	p.weights = p.Shape(p.weights, probs, voicing)
	return Draw(p.weights, rng)
}

// Draw samples an index proportionally to weights. When every weight is zero
// the draw is uniform.
func Draw(weights []float64, rng *rand.Rand) int {
	total := vecmath.Sum(weights)
	if !(total > 0) {
		return rng.IntN(len(weights))
	}
	u := rng.Float64() * total
	last := 0
	var acc float64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		acc += w
		last = i
		if u < acc {
			return i
		}
	}
	return last
}

func ensure(buf []float64, n int) []float64 {
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]float64, n)
}
