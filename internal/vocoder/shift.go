package vocoder

import (
	"context"
	"math"
)

const (
	// ShiftMax is the largest alignment shift, in samples, tried at a reset.
	ShiftMax = 80
	// ShiftWindow is the number of samples compared per candidate shift.
	ShiftWindow = 80
	// ShiftSmoothing is the exponent of the crossfade curve.
	ShiftSmoothing = 3
)

// heldFrame is a reset frame waiting for the frame after it.
type heldFrame struct {
	frame int
	keep  []int16 // synthesized without the reset
	fresh []int16 // synthesized with the reset
	shift int
}

// holdReset synthesizes the reset frame on a copy that keeps its state and
// on the stream itself with the reset, and picks the shift that best aligns
// the two.
func holdReset(ctx context.Context, stream *Stream) (*heldFrame, error) {
	f := stream.Frame()
	keep, err := stream.Clone().NextFrame(ctx, false)
	if err != nil {
		return nil, err
	}
	fresh, err := stream.NextFrame(ctx, true)
	if err != nil {
		return nil, err
	}
	return &heldFrame{frame: f, keep: keep, fresh: fresh, shift: BestShift(fresh, keep)}, nil
}

// BestShift returns the shift s in [0, ShiftMax] minimizing the L1 distance
// between fresh[s:s+ShiftWindow] and keep[:ShiftWindow]. Ties keep the
// smaller shift. Frames too short for a full window give 0.
func BestShift(fresh, keep []int16) int {
	n := min(len(fresh), len(keep))
	if n < ShiftWindow {
		return 0
	}
	limit := min(ShiftMax, n-ShiftWindow)

	best, bestDist := 0, l1(fresh, keep, 0)
	for s := 1; s <= limit; s++ {
		if d := l1(fresh, keep, s); d < bestDist {
			best, bestDist = s, d
		}
	}
	return best
}

func l1(fresh, keep []int16, shift int) int {
	var d int
	for j := 0; j < ShiftWindow; j++ {
		v := int(fresh[j+shift]) - int(keep[j])
		if v < 0 {
			v = -v
		}
		d += v
	}
	return d
}

func fadeWeight(i, n int) float64 {
	return math.Pow(float64(i)/float64(n), ShiftSmoothing)
}

// head is the delayed reset frame: the state keeping rendition fading into
// the shifted reset rendition. It is shift samples shorter than a frame.
func (h *heldFrame) head() []int16 {
	n := len(h.keep)
	out := make([]int16, n-h.shift)
	for i := range out {
		w := fadeWeight(i, n)
		out[i] = int16((1-w)*float64(h.keep[i]) + w*float64(h.fresh[i+h.shift]))
	}
	return out
}

// fadeInto finishes the crossfade over the first shift samples of the frame
// that follows the reset.
func (h *heldFrame) fadeInto(next []int16) {
	n := len(h.keep)
	for i := 0; i < h.shift && i < len(next); i++ {
		w := fadeWeight(n-h.shift+i, n)
		next[i] = int16((1-w)*float64(h.keep[n-h.shift+i]) + w*float64(next[i]))
	}
}
