package features

import (
	"fmt"
	"math"
)

// MaxPeriod is the largest index of the encoder's pitch embedding table.
const MaxPeriod = 255

// Frame is one prepared row.
type Frame struct {
	Used    []float32 // masked leading columns, encoder input
	LPC     []float64 // predictor taps
	Voicing float64
	Period  int
}

// Utterance is a prepared feature sequence.
type Utterance struct {
	Layout Layout
	Frames []Frame
}

// Mask zeroes the columns [start, end) of every row in place. The masked
// bands are not produced by the feature extractor and must never reach the
// encoder as anything but zero.
func Mask(m Matrix, start, end int) {
	for f := 0; f < m.Frames(); f++ {
		row := m.Row(f)
		for c := start; c < end && c < len(row); c++ {
			row[c] = 0
		}
	}
}

// PitchPeriod maps the pitch feature onto the embedding index range.
func PitchPeriod(pitch float64) int {
	p := math.Round(0.1 + 50*pitch + 100)
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > MaxPeriod:
		return MaxPeriod
	}
	return int(p)
}

// Prepare masks a copy of m and splits every row into its parts.
func Prepare(m Matrix, layout Layout) (Utterance, error) {
	if err := layout.Validate(); err != nil {
		return Utterance{}, err
	}
	if m.Width != layout.Width {
		return Utterance{}, fmt.Errorf("%w: matrix width %d, layout width %d", ErrMalformedInput, m.Width, layout.Width)
	}
	if len(m.Data)%m.Width != 0 {
		return Utterance{}, fmt.Errorf("%w: %d values is not a multiple of %d", ErrMalformedInput, len(m.Data), m.Width)
	}
	if m.Frames() == 0 {
		return Utterance{}, fmt.Errorf("%w: no frames", ErrMalformedInput)
	}

	masked := Matrix{Width: m.Width, Data: append([]float32(nil), m.Data...)}
	Mask(masked, layout.MaskStart, layout.MaskEnd)

	frames := make([]Frame, masked.Frames())
	lpcStart := layout.LPCStart()
	for i := range frames {
		row := masked.Row(i)
		lpc := make([]float64, layout.LPCOrder)
		for j := range lpc {
			lpc[j] = float64(row[lpcStart+j])
		}
		frames[i] = Frame{
			Used:    row[:layout.Used:layout.Used],
			LPC:     lpc,
			Voicing: float64(row[layout.VoicingIndex]),
			Period:  PitchPeriod(float64(row[layout.PitchIndex])),
		}
	}
	return Utterance{Layout: layout, Frames: frames}, nil
}

func (u Utterance) Len() int { return len(u.Frames) }

// Used returns the encoder feature rows.
func (u Utterance) Used() [][]float32 {
	out := make([][]float32, len(u.Frames))
	for i, f := range u.Frames {
		out[i] = f.Used
	}
	return out
}

// Periods returns the pitch period of every frame.
func (u Utterance) Periods() []int {
	out := make([]int, len(u.Frames))
	for i, f := range u.Frames {
		out[i] = f.Period
	}
	return out
}
