// Package model defines the contracts of the neural components the vocoder
// drives: a frame encoder run once per utterance, a sample decoder run once
// per output sample, and a separator scoring reset frames. Backends live
// behind these interfaces; the vocoder never sees weights or layer graphs.
package model

import (
	"context"
	"fmt"
)

// Levels is the size of the decoder's output distribution.
const Levels = 256

// Variant selects how the encoder's convolutions pad the frame axis.
type Variant string

const (
	// VariantStreaming pads with 'same' semantics: one embedding per frame.
	VariantStreaming Variant = "streaming"
	// VariantTraining pads with 'valid' semantics: two kernel-3 convolutions
	// consume two frames on each side.
	VariantTraining Variant = "training"
)

func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantStreaming, "":
		return VariantStreaming, nil
	case VariantTraining:
		return VariantTraining, nil
	}
	return "", fmt.Errorf("unknown model variant %q", s)
}

// Padding is the frames trimmed from each side of the sequence.
func (v Variant) Padding() int {
	if v == VariantTraining {
		return 2
	}
	return 0
}

// EmbeddedFrames is the number of embeddings produced for n input frames.
func (v Variant) EmbeddedFrames(n int) int {
	out := n - 2*v.Padding()
	if out < 0 {
		return 0
	}
	return out
}

// Spec describes the tensor shapes a backend produces.
type Spec struct {
	Variant      Variant
	UsedFeatures int
	EmbedSize    int
	RNNUnits1    int
	RNNUnits2    int
}

func DefaultSpec() Spec {
	return Spec{
		Variant:      VariantStreaming,
		UsedFeatures: 38,
		EmbedSize:    128,
		RNNUnits1:    384,
		RNNUnits2:    16,
	}
}

func (s Spec) Validate() error {
	if _, err := ParseVariant(string(s.Variant)); err != nil {
		return err
	}
	if s.UsedFeatures <= 0 {
		return fmt.Errorf("used features must be positive")
	}
	if s.EmbedSize <= 0 {
		return fmt.Errorf("embed size must be positive")
	}
	if s.RNNUnits1 <= 0 || s.RNNUnits2 <= 0 {
		return fmt.Errorf("rnn units must be positive")
	}
	return nil
}

// DecodeInput is one sample step: the symbol triple
// [previous output, prediction, previous residual], the current frame's
// embedding, and both recurrent states.
type DecodeInput struct {
	Symbols   [3]int
	Embedding []float32
	State1    []float32
	State2    []float32
}

// DecodeOutput carries the distribution over Levels symbols and the
// replacement states.
type DecodeOutput struct {
	Probs  []float32
	State1 []float32
	State2 []float32
}

// FrameEncoder maps feature rows and pitch periods to frame embeddings.
type FrameEncoder interface {
	EncodeFrames(ctx context.Context, features [][]float32, periods []int) ([][]float32, error)
}

// SampleDecoder runs one autoregressive step.
type SampleDecoder interface {
	DecodeStep(ctx context.Context, in DecodeInput) (DecodeOutput, error)
}

// Separator scores each frame with the probability that synthesis can
// restart there without an audible click.
type Separator interface {
	ResetProbabilities(ctx context.Context, features [][]float32, periods []int) ([]float64, error)
}

// Model bundles the three components of one loaded backend.
type Model interface {
	FrameEncoder
	SampleDecoder
	Separator
	Spec() Spec
	Close() error
}
