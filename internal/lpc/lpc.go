// Package lpc holds the linear predictor and the reconstructed-signal buffer
// it reads its history from.
package lpc

// Order is the number of predictor taps carried in every feature frame.
const Order = 16

// Predict returns -sum(coeffs[i]*history[i]) where history[0] is the most
// recent sample. Terms are accumulated in index order.
func Predict(coeffs, history []float64) float64 {
	n := len(coeffs)
	if len(history) < n {
		n = len(history)
	}
	var acc float64
	for i := 0; i < n; i++ {
		acc += coeffs[i] * history[i]
	}
	return -acc
}

// Buffer is the reconstructed linear signal of one utterance. Slots that were
// never written read as zero.
type Buffer struct {
	samples []float64
}

// NewBuffer allocates a zeroed buffer for n samples.
func NewBuffer(n int) *Buffer {
	return &Buffer{samples: make([]float64, n)}
}

func (b *Buffer) Len() int { return len(b.samples) }

func (b *Buffer) At(k int) float64 { return b.samples[k] }

func (b *Buffer) Set(k int, v float64) { b.samples[k] = v }

// History fills dst with the samples preceding index k, most recent first.
// Positions before the start of the utterance are zero.
func (b *Buffer) History(dst []float64, k int) []float64 {
	for i := range dst {
		j := k - 1 - i
		if j < 0 || j >= len(b.samples) {
			dst[i] = 0
			continue
		}
		dst[i] = b.samples[j]
	}
	return dst
}

// Samples exposes the underlying slice; callers must not grow it.
func (b *Buffer) Samples() []float64 { return b.samples }

// Clone returns an independent copy.
func (b *Buffer) Clone() *Buffer {
	return &Buffer{samples: append([]float64(nil), b.samples...)}
}
