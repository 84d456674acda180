package sampling

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0))
}

func uniform(n int) []float64 {
	p := make([]float64, n)
	for i := range p {
		p[i] = 1 / float64(n)
	}
	return p
}

func TestExponent(t *testing.T) {
	p := New(DefaultParams())
	assert.Equal(t, 0.0, p.Exponent(0))
	assert.Equal(t, 0.0, p.Exponent(1.0/3))
	assert.InDelta(t, 1.0, p.Exponent(1), 1e-12)
	assert.Equal(t, 0.0, p.Exponent(-4))
}

func TestUnvoicedLeavesDistributionBeforeTruncation(t *testing.T) {
	p := New(DefaultParams())
	probs := []float64{0.1, 0.2, 0.3, 0.4}
	got := p.Sharpen(nil, probs, 0)
	for i := range probs {
		assert.InDelta(t, probs[i], got[i], 1e-12)
	}
}

func TestVoicedSharpens(t *testing.T) {
	p := New(DefaultParams())
	probs := []float64{0.25, 0.75}
	got := p.Sharpen(nil, probs, 1)
	// e = 1, so weights are p^2 renormalized.
	assert.InDelta(t, 0.0625/0.625, got[0], 1e-12)
	assert.InDelta(t, 0.5625/0.625, got[1], 1e-12)
}

func TestTruncateRemovesTail(t *testing.T) {
	params := DefaultParams()
	params.TailFloor = 0.1
	p := New(params)
	w := p.Truncate([]float64{0.05, 0.35, 0.6})
	assert.Equal(t, 0.0, w[0])
	assert.InDelta(t, 0.25/(1e-6+0.75), w[1], 1e-12)
	assert.InDelta(t, 0.5/(1e-6+0.75), w[2], 1e-12)
}

func TestPickAlwaysInRange(t *testing.T) {
	p := New(DefaultParams())
	rng := newRNG(7)
	src := newRNG(99)
	probs := make([]float64, 256)
	for trial := 0; trial < 200; trial++ {
		var total float64
		for i := range probs {
			probs[i] = src.Float64()
			total += probs[i]
		}
		for i := range probs {
			probs[i] /= total
		}
		sym := p.Pick(probs, src.Float64(), rng)
		require.GreaterOrEqual(t, sym, 0)
		require.Less(t, sym, 256)
	}
}

func TestPickNearDelta(t *testing.T) {
	p := New(DefaultParams())
	rng := newRNG(1)
	probs := make([]float64, 256)
	for i := range probs {
		probs[i] = 1e-6
	}
	probs[128] = 1 - 255e-6
	for i := 0; i < 100; i++ {
		require.Equal(t, 128, p.Pick(probs, 1, rng))
	}
}

func TestPickDegenerateFallsBackToUniform(t *testing.T) {
	params := DefaultParams()
	params.TailFloor = 0.5
	p := New(params)
	rng := newRNG(3)
	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		sym := p.Pick(uniform(256), 0, rng)
		require.GreaterOrEqual(t, sym, 0)
		require.Less(t, sym, 256)
		seen[sym] = true
	}
	assert.Greater(t, len(seen), 100)
}

func TestDrawRespectsSupport(t *testing.T) {
	rng := newRNG(11)
	weights := []float64{0, 0.5, 0, 0.5}
	counts := make([]int, 4)
	for i := 0; i < 2000; i++ {
		counts[Draw(weights, rng)]++
	}
	assert.Zero(t, counts[0])
	assert.Zero(t, counts[2])
	assert.InDelta(t, 1000, counts[1], 150)
	assert.InDelta(t, 1000, counts[3], 150)
}

func TestPickIsDeterministicForSeed(t *testing.T) {
	probs := uniform(256)
	a := New(DefaultParams())
	b := New(DefaultParams())
	ra, rb := newRNG(42), newRNG(42)
	for i := 0; i < 50; i++ {
		require.Equal(t, a.Pick(probs, 0.4, ra), b.Pick(probs, 0.4, rb))
	}
}
