package model

import (
	"context"
	"math"
	"sync/atomic"
)

// MockOptions shape the distribution the mock decoder returns.
type MockOptions struct {
	Peak  int     // symbol holding almost all mass
	Floor float64 // mass given to every other symbol
	// VoicingIndex is the feature column the separator reads voicing from.
	VoicingIndex int
}

func DefaultMockOptions() MockOptions {
	return MockOptions{Peak: 128, Floor: 1e-6, VoicingIndex: 37}
}

// Mock is a deterministic backend for tests and dry runs. Embeddings are the
// feature rows cut or zero padded to the embed size, the distribution is a
// near delta at Peak, and the states decay towards the last output symbol.
type Mock struct {
	spec    Spec
	opts    MockOptions
	encodes atomic.Int64
	decodes atomic.Int64
}

func NewMock(spec Spec, opts MockOptions) *Mock {
	if opts.Peak < 0 || opts.Peak >= Levels {
		opts.Peak = DefaultMockOptions().Peak
	}
	if opts.VoicingIndex <= 0 {
		opts.VoicingIndex = DefaultMockOptions().VoicingIndex
	}
	return &Mock{spec: spec, opts: opts}
}

func (m *Mock) Spec() Spec { return m.spec }

func (m *Mock) Close() error { return nil }

// Encodes reports how many times EncodeFrames ran.
func (m *Mock) Encodes() int64 { return m.encodes.Load() }

// Decodes reports how many times DecodeStep ran.
func (m *Mock) Decodes() int64 { return m.decodes.Load() }

func (m *Mock) EncodeFrames(ctx context.Context, features [][]float32, periods []int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.encodes.Add(1)
	pad := m.spec.Variant.Padding()
	n := m.spec.Variant.EmbeddedFrames(len(features))
	out := make([][]float32, n)
	for i := range out {
		emb := make([]float32, m.spec.EmbedSize)
		copy(emb, features[i+pad])
		out[i] = emb
	}
	return out, nil
}

func (m *Mock) DecodeStep(ctx context.Context, in DecodeInput) (DecodeOutput, error) {
	m.decodes.Add(1)
	probs := make([]float32, Levels)
	for i := range probs {
		probs[i] = float32(m.opts.Floor)
	}
	probs[m.opts.Peak] = float32(1 - float64(Levels-1)*m.opts.Floor)

	drive := float32(in.Symbols[0]-128) / 128
	return DecodeOutput{
		Probs:  probs,
		State1: decay(in.State1, m.spec.RNNUnits1, drive),
		State2: decay(in.State2, m.spec.RNNUnits2, drive),
	}, nil
}

// ResetProbabilities scores unvoiced frames as good restart points.
func (m *Mock) ResetProbabilities(ctx context.Context, features [][]float32, periods []int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float64, len(features))
	for i, row := range features {
		voicing := 0.0
		if len(row) > m.opts.VoicingIndex {
			voicing = float64(row[m.opts.VoicingIndex])
		}
		out[i] = math.Min(1, math.Max(0, 1-voicing))
	}
	return out, nil
}

func decay(state []float32, size int, drive float32) []float32 {
	out := make([]float32, size)
	for i := range out {
		var prev float32
		if i < len(state) {
			prev = state[i]
		}
		out[i] = 0.5*prev + 0.5*drive
	}
	return out
}
