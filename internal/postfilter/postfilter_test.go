package postfilter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyAccumulatesMemory(t *testing.T) {
	f := New(DefaultCoef)
	want := []struct {
		mem float64
		out int16
	}{
		{1, 1},
		{1.85, 2},
		{2.5725, 3},
	}
	for i, w := range want {
		out := f.Apply(1)
		assert.InDelta(t, w.mem, f.Memory(), 1e-12, "step %d", i)
		assert.Equal(t, w.out, out, "step %d", i)
	}
}

func TestReset(t *testing.T) {
	f := New(DefaultCoef)
	f.Apply(1000)
	f.Reset()
	assert.Equal(t, 0.0, f.Memory())
	assert.Equal(t, int16(5), f.Apply(5))
}

func TestQuantize(t *testing.T) {
	cases := map[float64]int16{
		0.5:     0,
		1.5:     2,
		2.5:     2,
		-2.5:    -2,
		40000:   math.MaxInt16,
		-40000:  math.MinInt16,
		-0.49:   0,
		32767.2: 32767,
	}
	for in, want := range cases {
		assert.Equal(t, want, Quantize(in), "input %v", in)
	}
	assert.Equal(t, int16(0), Quantize(math.NaN()))
}
