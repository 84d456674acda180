package vocoder

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-vocoder/internal/config"
	"github.com/loqalabs/loqa-vocoder/internal/features"
	"github.com/loqalabs/loqa-vocoder/internal/model"
	"github.com/loqalabs/loqa-vocoder/internal/postfilter"
	"github.com/loqalabs/loqa-vocoder/internal/sampling"
)

// DefaultSeed seeds the per-frame generators when a request sets no seed.
const DefaultSeed = 23

// Config holds the numeric parameters of the synthesis loop.
type Config struct {
	FrameSize      int
	Layout         features.Layout
	PostfilterCoef float64
	Sampling       sampling.Params
	Seed           uint64
}

func DefaultConfig() Config {
	return Config{
		FrameSize:      160,
		Layout:         features.DefaultLayout(),
		PostfilterCoef: postfilter.DefaultCoef,
		Sampling:       sampling.DefaultParams(),
		Seed:           DefaultSeed,
	}
}

func (c Config) Validate() error {
	if c.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive")
	}
	if err := c.Layout.Validate(); err != nil {
		return err
	}
	return nil
}

// Warmup is the number of leading samples that are never synthesized: the
// predictor needs a full history plus one.
func (c Config) Warmup() int { return c.Layout.LPCOrder + 1 }

// FromConfig maps the vocoder section of the runtime configuration.
func FromConfig(c config.VocoderConfig) Config {
	return Config{
		FrameSize: c.FrameSize,
		Layout: features.Layout{
			Width:        c.NbFeatures,
			Used:         c.NbUsedFeatures,
			LPCOrder:     c.LPCOrder,
			MaskStart:    c.MaskedBandStart,
			MaskEnd:      c.MaskedBandEnd,
			PitchIndex:   c.PitchIndex,
			VoicingIndex: c.VoicingIndex,
		},
		PostfilterCoef: c.PostfilterCoef,
		Sampling: sampling.Params{
			TailFloor:       c.Sampling.TailFloor,
			SharpenEpsilon:  c.Sampling.SharpenEpsilon,
			TruncateEpsilon: c.Sampling.TruncateEpsilon,
			SharpenSlope:    c.Sampling.SharpenSlope,
			SharpenOffset:   c.Sampling.SharpenOffset,
		},
		Seed: c.Seed,
	}
}

// Build assembles a Synthesizer from the runtime configuration: layout and
// sampling constants, reset planner, default blend and, when
// service.embedding_cache_size is positive, an embedding cache in front of
// the model's encoder.
func Build(cfg config.Config, m model.Model, logger *slog.Logger, extra ...Option) (*Synthesizer, error) {
	planner, blend, err := PlannerFromConfig(cfg.Reset)
	if err != nil {
		return nil, err
	}
	opts := []Option{WithResetPlanner(planner), WithBlend(blend)}
	if size := cfg.Service.EmbeddingCacheSize; size > 0 {
		cached, err := NewCachedEncoder(m, size)
		if err != nil {
			return nil, fmt.Errorf("embedding cache: %w", err)
		}
		opts = append(opts, WithEncoder(cached))
	}
	return New(FromConfig(cfg.Vocoder), m, logger, append(opts, extra...)...)
}
