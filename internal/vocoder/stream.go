package vocoder

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/loqalabs/loqa-vocoder/internal/features"
	"github.com/loqalabs/loqa-vocoder/internal/lpc"
	"github.com/loqalabs/loqa-vocoder/internal/model"
	"github.com/loqalabs/loqa-vocoder/internal/postfilter"
	"github.com/loqalabs/loqa-vocoder/internal/sampling"
	"github.com/loqalabs/loqa-vocoder/internal/ulaw"
)

// Stream is the synthesis state of one utterance. It produces one frame of
// PCM per NextFrame call and must not be shared between goroutines.
type Stream struct {
	cfg  Config
	spec model.Spec
	dec  model.SampleDecoder
	utt  features.Utterance
	emb  [][]float32
	seed uint64

	frame   int
	signal  *lpc.Buffer
	policy  *sampling.Policy
	filter  *postfilter.Filter
	symbols [3]int
	state1  []float32
	state2  []float32

	history []float64
	probs   []float64
}

func newStream(cfg Config, spec model.Spec, dec model.SampleDecoder, utt features.Utterance, emb [][]float32, seed uint64) *Stream {
	return &Stream{
		cfg:     cfg,
		spec:    spec,
		dec:     dec,
		utt:     utt,
		emb:     emb,
		seed:    seed,
		signal:  lpc.NewBuffer(cfg.FrameSize * utt.Len()),
		policy:  sampling.New(cfg.Sampling),
		filter:  postfilter.New(cfg.PostfilterCoef),
		symbols: [3]int{ulaw.Silence, ulaw.Silence, ulaw.Silence},
		state1:  make([]float32, spec.RNNUnits1),
		state2:  make([]float32, spec.RNNUnits2),
		history: make([]float64, cfg.Layout.LPCOrder),
		probs:   make([]float64, model.Levels),
	}
}

// Frame is the index of the next frame to synthesize.
func (s *Stream) Frame() int { return s.frame }

func (s *Stream) Frames() int { return s.utt.Len() }

func (s *Stream) Done() bool { return s.frame >= s.utt.Len() }

// ResetState zeroes both recurrent states. The signal history, symbol
// triple and post-filter memory carry over.
func (s *Stream) ResetState() {
	s.state1 = make([]float32, s.spec.RNNUnits1)
	s.state2 = make([]float32, s.spec.RNNUnits2)
}

// Clone returns an independent stream positioned at the same frame.
func (s *Stream) Clone() *Stream {
	c := *s
	c.signal = s.signal.Clone()
	c.policy = s.policy.Clone()
	f := *s.filter
	c.filter = &f
	c.state1 = append([]float32(nil), s.state1...)
	c.state2 = append([]float32(nil), s.state2...)
	c.history = make([]float64, len(s.history))
	c.probs = make([]float64, len(s.probs))
	return &c
}

// NextFrame synthesizes the next frame. With reset set the recurrent states
// are zeroed before its first sample. Samples inside the warm-up region are
// emitted as zero without touching the predictor or the decoder.
func (s *Stream) NextFrame(ctx context.Context, reset bool) ([]int16, error) {
	if s.Done() {
		return nil, fmt.Errorf("stream exhausted after %d frames", s.utt.Len())
	}
	f := s.frame
	if reset {
		s.ResetState()
	}

	rng := rand.New(rand.NewPCG(s.seed, uint64(f)))
	cur := s.utt.Frames[f]
	emb := s.emb[f]
	warmup := s.cfg.Warmup()
	out := make([]int16, s.cfg.FrameSize)

	for i := range out {
		k := f*s.cfg.FrameSize + i
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("synthesis stopped at sample %d: %w", k, err)
		}
		if k < warmup {
			continue
		}

		pred := lpc.Predict(cur.LPC, s.signal.History(s.history, k))
		s.symbols[1] = ulaw.Encode(pred)

		res, err := s.dec.DecodeStep(ctx, model.DecodeInput{
			Symbols:   s.symbols,
			Embedding: emb,
			State1:    s.state1,
			State2:    s.state2,
		})
		if err != nil {
			return nil, &ModelError{Stage: "decode", Frame: f, Step: k, Err: err}
		}
		if err := s.checkStep(res, f, k); err != nil {
			return nil, err
		}
		s.state1, s.state2 = res.State1, res.State2

		for j, p := range res.Probs {
			s.probs[j] = float64(p)
		}
		residual := s.policy.Pick(s.probs, cur.Voicing, rng)

		sample := pred + ulaw.Decode(residual)
		s.signal.Set(k, sample)
		s.symbols[0] = ulaw.Encode(sample)
		s.symbols[2] = residual

		out[i] = s.filter.Apply(sample)
	}

	s.frame++
	return out, nil
}

func (s *Stream) checkStep(res model.DecodeOutput, frame, step int) error {
	switch {
	case len(res.Probs) != model.Levels:
		return shapeError("decode", frame, step, "distribution has %d entries, want %d", len(res.Probs), model.Levels)
	case len(res.State1) != s.spec.RNNUnits1:
		return shapeError("decode", frame, step, "state1 has %d units, want %d", len(res.State1), s.spec.RNNUnits1)
	case len(res.State2) != s.spec.RNNUnits2:
		return shapeError("decode", frame, step, "state2 has %d units, want %d", len(res.State2), s.spec.RNNUnits2)
	}
	return nil
}
