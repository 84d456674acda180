package vocoder

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-vocoder/internal/features"
	"github.com/loqalabs/loqa-vocoder/internal/model"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func smallSpec() model.Spec {
	spec := model.DefaultSpec()
	spec.EmbedSize = 8
	spec.RNNUnits1 = 4
	spec.RNNUnits2 = 2
	return spec
}

// featureMatrix builds frames rows of the default layout, letting fill set
// each row.
func featureMatrix(frames int, fill func(f int, row []float32)) features.Matrix {
	layout := features.DefaultLayout()
	data := make([]float32, frames*layout.Width)
	if fill != nil {
		for f := 0; f < frames; f++ {
			fill(f, data[f*layout.Width:(f+1)*layout.Width])
		}
	}
	return features.Matrix{Width: layout.Width, Data: data}
}

func voiced(_ int, row []float32) {
	row[features.DefaultLayout().VoicingIndex] = 1
}

// recorder wraps the mock decoder and keeps a copy of every step's input.
type recorder struct {
	*model.Mock
	mu     sync.Mutex
	inputs []model.DecodeInput
	onStep func(n int)
	mutate func(out *model.DecodeOutput)
	fail   error
}

func newRecorder(peak int) *recorder {
	return &recorder{Mock: model.NewMock(smallSpec(), model.MockOptions{Peak: peak, Floor: 1e-6})}
}

func (r *recorder) DecodeStep(ctx context.Context, in model.DecodeInput) (model.DecodeOutput, error) {
	r.mu.Lock()
	cp := in
	cp.State1 = append([]float32(nil), in.State1...)
	cp.State2 = append([]float32(nil), in.State2...)
	r.inputs = append(r.inputs, cp)
	n := len(r.inputs)
	r.mu.Unlock()

	if r.onStep != nil {
		r.onStep(n)
	}
	if r.fail != nil {
		return model.DecodeOutput{}, r.fail
	}
	out, err := r.Mock.DecodeStep(ctx, in)
	if err == nil && r.mutate != nil {
		r.mutate(&out)
	}
	return out, err
}

// uniform returns a flat distribution so draws depend on the seed.
type uniform struct {
	*model.Mock
}

func newUniform() *uniform {
	return &uniform{Mock: model.NewMock(smallSpec(), model.DefaultMockOptions())}
}

func (u *uniform) DecodeStep(ctx context.Context, in model.DecodeInput) (model.DecodeOutput, error) {
	out, err := u.Mock.DecodeStep(ctx, in)
	for i := range out.Probs {
		out.Probs[i] = 1.0 / model.Levels
	}
	return out, err
}

// badEncoder returns one embedding too few.
type badEncoder struct{}

func (badEncoder) EncodeFrames(_ context.Context, feats [][]float32, _ []int) ([][]float32, error) {
	return make([][]float32, len(feats)-1), nil
}
