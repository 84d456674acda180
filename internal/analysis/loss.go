package analysis

import (
	"fmt"
	"math"

	"github.com/loqalabs/loqa-vocoder/internal/features"
)

const (
	clickLowBands  = 3
	clickHighBands = 3
	clickFloor     = 1.01

	// DefaultMissPenalty is the cost charged for not resetting at a frame.
	DefaultMissPenalty = 10.0
)

// ClickLoss scores how strongly a synthesized frame's band energies overshoot
// the reference frame. Only the leading Bark cepstrum of each row is read.
func ClickLoss(real, fake []float32) float64 {
	r := Spectrum(real)
	f := Spectrum(fake)

	var low float64
	for i := 0; i < clickLowBands; i++ {
		if f[i] > r[i] && r[i] > clickFloor {
			low = math.Max(low, f[i]*f[i]/r[i])
		}
	}
	var high float64
	for i := Bands - clickHighBands; i < Bands; i++ {
		if f[i] > r[i] && r[i] > clickFloor {
			high = math.Max(high, f[i]/r[i])
		}
	}
	return (low + high) * (low + high)
}

// Label is the separator training target of one frame: the click loss caused
// by resetting there, and whether the frame counts at all.
type Label struct {
	Loss   float32
	Weight float32
}

// ErrorLabels scores every frame that follows a reset. The loss of a reset
// frame and the frame after it are summed and attributed to the following
// frame; the sequence is shifted by one frame and closed with a zero label,
// so the result has one label per frame.
func ErrorLabels(real, fake features.Matrix, mask []bool) ([]Label, error) {
	n := real.Frames()
	if fake.Frames() != n || len(mask) != n {
		return nil, fmt.Errorf("%w: %d real frames, %d fake frames, %d mask entries",
			features.ErrMalformedInput, n, fake.Frames(), len(mask))
	}

	labels := make([]Label, 0, n)
	var prev float64
	checkNext := false
	for f := 0; f < n; f++ {
		var l Label
		if checkNext {
			l = Label{Loss: float32(prev + ClickLoss(real.Row(f), fake.Row(f))), Weight: 1}
		}
		if mask[f] {
			prev = ClickLoss(real.Row(f), fake.Row(f))
			checkNext = true
		} else {
			checkNext = false
		}
		if f > 0 {
			labels = append(labels, l)
		}
	}
	return append(labels, Label{}), nil
}

// SeparatorLoss is the weighted objective the separator is trained on:
// resetting with probability p costs p*loss, not resetting costs a fixed
// penalty. The result is averaged over weighted frames.
func SeparatorLoss(probs []float64, labels []Label, penalty float64) (float64, error) {
	if len(probs) != len(labels) {
		return 0, fmt.Errorf("%w: %d probabilities for %d labels", features.ErrMalformedInput, len(probs), len(labels))
	}
	var total, weight float64
	for i, p := range probs {
		w := float64(labels[i].Weight)
		total += (p*float64(labels[i].Loss) + (1-p)*penalty) * w
		weight += w
	}
	if weight == 0 {
		return 0, nil
	}
	return total / weight, nil
}
