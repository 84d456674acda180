package ulaw

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSilence(t *testing.T) {
	assert.Equal(t, Silence, Encode(0))
	assert.Equal(t, Silence, Encode(math.Copysign(0, -1)))
	assert.Equal(t, 0.0, Decode(Silence))
}

func TestEncodeClips(t *testing.T) {
	assert.Equal(t, 255, Encode(1e9))
	assert.Equal(t, 0, Encode(-1e9))
	assert.Equal(t, 0, Encode(-32768))
	assert.Equal(t, Silence, Encode(math.NaN()))
}

func TestDecodeExtremes(t *testing.T) {
	assert.InDelta(t, -32768.0, Decode(0), 1e-6)
	assert.Greater(t, Decode(255), 31000.0)
	assert.Less(t, Decode(255), 32768.0)
}

func TestDecodeIsOddSymmetric(t *testing.T) {
	for d := 1; d < 128; d++ {
		assert.Equal(t, -Decode(Silence+d), Decode(Silence-d), "offset %d", d)
	}
}

func TestDecodeIsMonotonic(t *testing.T) {
	for sym := 1; sym < Levels; sym++ {
		require.Greater(t, Decode(sym), Decode(sym-1), "symbol %d", sym)
	}
}

func TestEncodeInvertsDecode(t *testing.T) {
	for sym := 0; sym < Levels; sym++ {
		require.Equal(t, sym, Encode(Decode(sym)), "symbol %d", sym)
	}
}

func TestRoundTripWithinOneStep(t *testing.T) {
	for x := -32000.0; x <= 32000.0; x += 13.7 {
		sym := Encode(x)
		lo := sym - 1
		if lo < 0 {
			lo = 0
		}
		hi := sym + 1
		if hi > Levels-1 {
			hi = Levels - 1
		}
		step := math.Max(Decode(sym)-Decode(lo), Decode(hi)-Decode(sym))
		got := Decode(sym)
		require.LessOrEqual(t, math.Abs(got-x), step, "x=%v sym=%d", x, sym)
	}
}

func TestSmallAmplitudesStayNearSilence(t *testing.T) {
	cases := map[float64]int{
		0.1:  128,
		-0.1: 128,
		1:    128,
		3:    129,
		-3:   127,
	}
	for in, want := range cases {
		assert.Equal(t, want, Encode(in), "x=%v", in)
	}
}
