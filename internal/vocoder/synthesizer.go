package vocoder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-vocoder/internal/features"
	"github.com/loqalabs/loqa-vocoder/internal/model"
)

// Request is one utterance to synthesize.
type Request struct {
	Features features.Matrix
	// Resets flags frames that restart from zero recurrent state. When nil
	// the synthesizer's planner decides.
	Resets []bool
	// Mode overrides the planner's reset mode when Resets is nil.
	Mode  ResetMode
	Blend Blend
	// Seed overrides the configured seed.
	Seed *uint64
}

// Block is one synthesized frame.
type Block struct {
	Frame int
	PCM   []int16
	Reset bool
}

// Result summarizes a finished utterance.
type Result struct {
	Frames  int
	Samples int
	Resets  []int
	// Dropped counts samples removed by shift blending.
	Dropped int
	Elapsed time.Duration
}

// Synthesizer turns feature matrices into PCM. It holds no per-utterance
// state; concurrent Synthesize calls are independent as long as the backend
// tolerates concurrent use.
type Synthesizer struct {
	cfg      Config
	spec     model.Spec
	enc      model.FrameEncoder
	dec      model.SampleDecoder
	planner  ResetPlanner
	blend    Blend
	observer model.Observer
	logger   *slog.Logger
}

// Option customizes a Synthesizer.
type Option func(*Synthesizer)

// WithEncoder replaces the model's frame encoder, e.g. with a cache.
func WithEncoder(enc model.FrameEncoder) Option {
	return func(s *Synthesizer) { s.enc = enc }
}

// WithResetPlanner sets how reset frames are chosen when a request has none.
func WithResetPlanner(p ResetPlanner) Option {
	return func(s *Synthesizer) { s.planner = p }
}

// WithBlend sets the blend used when a request leaves it empty.
func WithBlend(b Blend) Option {
	return func(s *Synthesizer) { s.blend = b }
}

// WithObserver receives a report after every frame.
func WithObserver(o model.Observer) Option {
	return func(s *Synthesizer) { s.observer = o }
}

func New(cfg Config, m model.Model, logger *slog.Logger, opts ...Option) (*Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("vocoder config: %w", err)
	}
	spec := m.Spec()
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("model spec: %w", err)
	}
	if spec.Variant != model.VariantStreaming {
		return nil, fmt.Errorf("synthesis requires the %s variant, model is %s", model.VariantStreaming, spec.Variant)
	}
	if spec.UsedFeatures != cfg.Layout.Used {
		return nil, fmt.Errorf("model expects %d features, layout provides %d", spec.UsedFeatures, cfg.Layout.Used)
	}

	planner := DefaultResetPlanner()
	planner.Separator = m
	s := &Synthesizer{
		cfg:     cfg,
		spec:    spec,
		enc:     m,
		dec:     m,
		planner: planner,
		blend:   BlendHard,
		logger:  logger.With(slog.String("component", "vocoder")),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.planner.Separator == nil {
		s.planner.Separator = m
	}
	return s, nil
}

func (s *Synthesizer) Config() Config { return s.cfg }

// Open validates the request, runs the frame encoder and returns a stream
// ready for the first frame together with the reset mask.
func (s *Synthesizer) Open(ctx context.Context, req Request) (*Stream, []bool, error) {
	utt, err := features.Prepare(req.Features, s.cfg.Layout)
	if err != nil {
		return nil, nil, err
	}
	if req.Resets != nil && len(req.Resets) != utt.Len() {
		return nil, nil, fmt.Errorf("%w: %d reset flags for %d frames", ErrMalformedInput, len(req.Resets), utt.Len())
	}

	emb, err := s.enc.EncodeFrames(ctx, utt.Used(), utt.Periods())
	if err != nil {
		return nil, nil, &ModelError{Stage: "encode", Frame: 0, Step: -1, Err: err}
	}
	if len(emb) != utt.Len() {
		return nil, nil, shapeError("encode", 0, -1, "%d embeddings for %d frames", len(emb), utt.Len())
	}
	for f, e := range emb {
		if len(e) != s.spec.EmbedSize {
			return nil, nil, shapeError("encode", f, -1, "embedding has %d values, want %d", len(e), s.spec.EmbedSize)
		}
	}

	resets := req.Resets
	if resets == nil {
		planner := s.planner
		if req.Mode != "" {
			planner.Mode = req.Mode
		}
		resets, err = planner.Plan(ctx, req.Features, utt)
		if err != nil {
			return nil, nil, err
		}
	}

	seed := s.cfg.Seed
	if req.Seed != nil {
		seed = *req.Seed
	}
	return newStream(s.cfg, s.spec, s.dec, utt, emb, seed), resets, nil
}

// Synthesize runs a whole utterance, handing every frame to emit as soon as
// it is ready. An emit error stops synthesis and is returned as is.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request, emit func(Block) error) (Result, error) {
	start := time.Now()
	if req.Blend == "" {
		req.Blend = s.blend
	}
	blend, err := ParseBlend(string(req.Blend))
	if err != nil {
		return Result{}, err
	}
	stream, resets, err := s.Open(ctx, req)
	if err != nil {
		return Result{}, err
	}

	var res Result
	send := func(b Block) error {
		if err := emit(b); err != nil {
			return err
		}
		res.Frames++
		res.Samples += len(b.PCM)
		if s.observer != nil {
			s.observer.OnStep(model.Metrics{
				Stage:  "synthesis",
				Step:   b.Frame,
				Values: map[string]float64{"samples": float64(res.Samples), "resets": float64(len(res.Resets))},
			})
		}
		return nil
	}

	var held *heldFrame
	for !stream.Done() {
		f := stream.Frame()
		reset := resets[f]
		if reset {
			res.Resets = append(res.Resets, f)
			s.logger.Debug("reset frame", slog.Int("frame", f), slog.String("blend", string(blend)))
		}

		if reset && blend == BlendShift {
			next, err := holdReset(ctx, stream)
			if err != nil {
				return res, err
			}
			if held != nil {
				// Back to back resets: the earlier one has no following
				// frame to fade into.
				res.Dropped += held.shift
				if err := send(Block{Frame: held.frame, PCM: held.head(), Reset: true}); err != nil {
					return res, err
				}
			}
			held = next
			continue
		}

		var pcm []int16
		if reset && blend == BlendSmooth {
			pcm, err = smoothReset(ctx, stream)
		} else {
			pcm, err = stream.NextFrame(ctx, reset)
		}
		if err != nil {
			return res, err
		}
		if held != nil {
			res.Dropped += held.shift
			if err := send(Block{Frame: held.frame, PCM: held.head(), Reset: true}); err != nil {
				return res, err
			}
			held.fadeInto(pcm)
			held = nil
		}
		if err := send(Block{Frame: f, PCM: pcm, Reset: reset}); err != nil {
			return res, err
		}
	}
	if held != nil {
		res.Dropped += held.shift
		if err := send(Block{Frame: held.frame, PCM: held.head(), Reset: true}); err != nil {
			return res, err
		}
	}

	res.Elapsed = time.Since(start)
	s.logger.Info("utterance synthesized",
		slog.Int("frames", res.Frames),
		slog.Int("samples", res.Samples),
		slog.Int("resets", len(res.Resets)),
		slog.Int("dropped", res.Dropped),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// SynthesizeAll collects the whole utterance into one buffer.
func (s *Synthesizer) SynthesizeAll(ctx context.Context, req Request) ([]int16, Result, error) {
	var pcm []int16
	res, err := s.Synthesize(ctx, req, func(b Block) error {
		pcm = append(pcm, b.PCM...)
		return nil
	})
	if err != nil {
		return nil, res, err
	}
	return pcm, res, nil
}

// smoothReset synthesizes the frame twice, once on a copy that keeps its
// state and once with the reset, and crossfades between them.
func smoothReset(ctx context.Context, stream *Stream) ([]int16, error) {
	keep, err := stream.Clone().NextFrame(ctx, false)
	if err != nil {
		return nil, err
	}
	fresh, err := stream.NextFrame(ctx, true)
	if err != nil {
		return nil, err
	}
	return Crossfade(keep, fresh), nil
}

// Crossfade mixes from a into b across the frame:
// out[i] = ((n-i)*a[i] + i*b[i]) / n, truncated.
func Crossfade(a, b []int16) []int16 {
	n := len(b)
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(((n-i)*int(a[i]) + i*int(b[i])) / n)
	}
	return out
}
