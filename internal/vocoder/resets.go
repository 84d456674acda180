package vocoder

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-vocoder/internal/analysis"
	"github.com/loqalabs/loqa-vocoder/internal/config"
	"github.com/loqalabs/loqa-vocoder/internal/features"
	"github.com/loqalabs/loqa-vocoder/internal/model"
)

// ResetMode selects where an utterance restarts from zero recurrent state.
type ResetMode string

const (
	ResetNone     ResetMode = "none"
	ResetRule     ResetMode = "rule"
	ResetNet      ResetMode = "net"
	ResetPeriodic ResetMode = "periodic"
)

func ParseResetMode(s string) (ResetMode, error) {
	switch ResetMode(s) {
	case ResetNone, "":
		return ResetNone, nil
	case ResetRule, ResetNet, ResetPeriodic:
		return ResetMode(s), nil
	}
	return "", fmt.Errorf("unknown reset mode %q", s)
}

// Blend selects how a reset frame is joined to the audio before it.
type Blend string

const (
	// BlendHard plays the reset frame as synthesized.
	BlendHard Blend = "hard"
	// BlendSmooth crossfades linearly from a copy of the stream that did
	// not reset into the stream that did.
	BlendSmooth Blend = "smooth"
	// BlendShift holds the reset frame back by one frame, aligns the reset
	// stream to the stream that kept its state and crossfades into the
	// following frame. The alignment shift is dropped from the output.
	BlendShift Blend = "shift"
)

func ParseBlend(s string) (Blend, error) {
	switch Blend(s) {
	case BlendHard, "":
		return BlendHard, nil
	case BlendSmooth, BlendShift:
		return Blend(s), nil
	}
	return "", fmt.Errorf("unknown blend %q", s)
}

// ResetPlanner computes a per-frame reset mask for an utterance.
type ResetPlanner struct {
	Mode      ResetMode
	Rule      analysis.RuleConfig
	Net       analysis.NetConfig
	Interval  int
	Separator model.Separator
}

func DefaultResetPlanner() ResetPlanner {
	return ResetPlanner{
		Mode:     ResetNone,
		Rule:     analysis.DefaultRuleConfig(),
		Net:      analysis.DefaultNetConfig(),
		Interval: 10,
	}
}

// PlannerFromConfig maps the reset section of the runtime configuration. The
// separator is filled in by New.
func PlannerFromConfig(c config.ResetConfig) (ResetPlanner, Blend, error) {
	mode, err := ParseResetMode(c.Mode)
	if err != nil {
		return ResetPlanner{}, "", err
	}
	blend, err := ParseBlend(c.Blend)
	if err != nil {
		return ResetPlanner{}, "", err
	}
	p := DefaultResetPlanner()
	p.Mode = mode
	p.Rule.MinDistance = c.MinFramesBetween
	p.Net.MinGap = c.MinFramesBetween
	p.Net.Threshold = c.NetThreshold
	p.Net.Consecutive = c.NetConsecutive
	if c.PeriodicInterval > 0 {
		p.Interval = c.PeriodicInterval
	}
	return p, blend, nil
}

// Plan returns one flag per frame of utt. raw is the unmasked feature
// matrix utt was prepared from.
func (p ResetPlanner) Plan(ctx context.Context, raw features.Matrix, utt features.Utterance) ([]bool, error) {
	n := utt.Len()
	switch p.Mode {
	case ResetNone, "":
		return make([]bool, n), nil
	case ResetRule:
		return analysis.ToMask(analysis.RuleResets(raw, p.Rule), n), nil
	case ResetPeriodic:
		return analysis.ToMask(analysis.PeriodicResets(n, p.Interval), n), nil
	case ResetNet:
		if p.Separator == nil {
			return nil, fmt.Errorf("reset mode net requires a separator")
		}
		probs, err := p.Separator.ResetProbabilities(ctx, utt.Used(), utt.Periods())
		if err != nil {
			return nil, &ModelError{Stage: "separate", Frame: 0, Step: -1, Err: err}
		}
		if len(probs) != n {
			return nil, shapeError("separate", 0, -1, "%d probabilities for %d frames", len(probs), n)
		}
		return analysis.ToMask(analysis.NetResets(probs, p.Net), n), nil
	}
	return nil, fmt.Errorf("unknown reset mode %q", p.Mode)
}
