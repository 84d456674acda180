// Package ulaw implements the 8-bit logarithmic companding applied to every
// sample channel the decoder network sees.
//
// Encode and Decode are not exact inverses: a round trip lands within one
// quantization step of the input.
package ulaw

import "math"

const (
	// Levels is the number of symbols in the companded alphabet.
	Levels = 256
	// Silence is the symbol of a zero amplitude.
	Silence = 128

	scaleLinToU = 255.0 / 32768.0
	scaleUToLin = 32768.0 / 255.0
)

var (
	logLevels   = math.Log(256)
	decodeTable [Levels]float64
)

func init() {
	for sym := 0; sym < Levels; sym++ {
		decodeTable[sym] = decode(sym)
	}
}

// Decode maps a symbol in [0,255] to its linear amplitude. It panics when
// symbol is out of range.
func Decode(symbol int) float64 {
	return decodeTable[symbol]
}

func decode(symbol int) float64 {
	u := float64(symbol - Silence)
	s := sign(u)
	u = math.Abs(u)
	return s * scaleUToLin * (math.Exp(u/128*logLevels) - 1)
}

// Encode maps a linear amplitude to a symbol, clipped to [0,255]. Ties round
// to even. NaN input yields Silence.
func Encode(x float64) int {
	s := sign(x)
	x = math.Abs(x)
	u := s * (128 * math.Log(1+scaleLinToU*x) / logLevels)
	v := 128 + math.RoundToEven(u)
	switch {
	case math.IsNaN(v):
		return Silence
	case v < 0:
		return 0
	case v > Levels-1:
		return Levels - 1
	}
	return int(v)
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
