package analysis

import (
	"math"
	"math/rand/v2"

	"github.com/loqalabs/loqa-vocoder/internal/features"
)

// RuleConfig tunes the energy based reset detector.
type RuleConfig struct {
	SilenceEnergy float64 // total energy below which a frame is silent
	HighLowRatio  float64 // high/low band energy ratio marking unvoiced frames
	SilentRun     int     // consecutive silent frames that trigger a reset
	MinDistance   int     // frames that must separate two resets
	HighBands     int
	LowBands      int
}

func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		SilenceEnergy: 500,
		HighLowRatio:  100,
		SilentRun:     4,
		MinDistance:   20,
		HighBands:     4,
		LowBands:      5,
	}
}

// FrameStats summarizes the band energies of one frame.
type FrameStats struct {
	Energy float64
	Ratio  float64 // high band energy over low band energy
}

// Stats computes the per-frame energy statistics of a feature matrix.
func Stats(m features.Matrix, cfg RuleConfig) []FrameStats {
	out := make([]FrameStats, m.Frames())
	for f := range out {
		spec := Spectrum(m.Row(f))
		var high, low, total float64
		for i := 0; i < cfg.HighBands; i++ {
			high += math.Pow(10, spec[Bands-i-1])
		}
		for i := 0; i < cfg.LowBands; i++ {
			low += math.Pow(10, spec[i])
		}
		total = high + low
		for i := cfg.LowBands; i < Bands-cfg.HighBands; i++ {
			total += math.Pow(10, spec[i])
		}
		out[f] = FrameStats{Energy: total, Ratio: high / low}
	}
	return out
}

// RuleResets returns the frames at which synthesis can restart: the end of a
// run of silent frames, or an unvoiced frame whose high/low ratio has started
// to fall. Resets are at least MinDistance frames apart and never fall in the
// first or last MinDistance frames.
func RuleResets(m features.Matrix, cfg RuleConfig) []int {
	return ruleResets(Stats(m, cfg), cfg)
}

func ruleResets(stats []FrameStats, cfg RuleConfig) []int {
	var resets []int
	silent := 0
	lastReset := -1000
	lastUnvoiced := -1000
	// The previous ratio is tracked at integer precision.
	lastRatio := math.Trunc(cfg.HighLowRatio)

	n := len(stats)
	start := max(cfg.MinDistance-cfg.SilentRun, -1)
	for i := start; i < n-cfg.MinDistance; {
		i++
		if stats[i].Energy < cfg.SilenceEnergy {
			silent++
		} else {
			silent = 0
		}
		if stats[i].Ratio > cfg.HighLowRatio {
			lastUnvoiced = i
		} else {
			lastRatio = math.Trunc(cfg.HighLowRatio)
		}

		if i-lastReset <= cfg.MinDistance {
			continue
		}
		if silent == cfg.SilentRun {
			resets = append(resets, i)
			lastReset = i
			continue
		}
		if lastUnvoiced == i {
			if stats[i].Ratio < lastRatio {
				lastRatio = math.Trunc(cfg.HighLowRatio)
				resets = append(resets, i)
				lastReset = i
				continue
			}
			lastRatio = math.Trunc(stats[i].Ratio)
		}
	}
	return resets
}

// NetConfig tunes the separator driven detector.
type NetConfig struct {
	Threshold   float64 // probability a frame must exceed
	Consecutive int     // frames in a row above threshold
	MinFrame    int     // earliest frame that may reset
	MinGap      int     // frames since the previous reset, exclusive
}

func DefaultNetConfig() NetConfig {
	return NetConfig{Threshold: 0.95, Consecutive: 3, MinFrame: 20, MinGap: 20}
}

// NetDetector turns a stream of per-frame reset probabilities into reset
// decisions. Feed frames in order.
type NetDetector struct {
	cfg       NetConfig
	run       int
	lastReset int
}

func NewNetDetector(cfg NetConfig) *NetDetector {
	return &NetDetector{cfg: cfg, lastReset: -1000}
}

// Observe reports whether frame should reset given its probability.
func (d *NetDetector) Observe(frame int, prob float64) bool {
	if frame < d.cfg.MinFrame || frame-d.lastReset <= d.cfg.MinGap || !(prob > d.cfg.Threshold) {
		d.run = 0
		return false
	}
	d.run++
	if d.run != d.cfg.Consecutive {
		return false
	}
	d.lastReset = frame
	return true
}

// NetResets runs a fresh detector over probs.
func NetResets(probs []float64, cfg NetConfig) []int {
	d := NewNetDetector(cfg)
	var out []int
	for f, p := range probs {
		if d.Observe(f, p) {
			out = append(out, f)
		}
	}
	return out
}

// PeriodicResets marks every interval-th frame after the first.
func PeriodicResets(frames, interval int) []int {
	if interval <= 0 {
		return nil
	}
	var out []int
	for f := interval; f < frames; f += interval {
		out = append(out, f)
	}
	return out
}

// RandomResets draws a training mask: once minGap frames have passed since
// the last reset each frame resets with probability prob.
func RandomResets(frames, minGap int, prob float64, rng *rand.Rand) []bool {
	mask := make([]bool, frames)
	since := 0
	for f := range mask {
		if since >= minGap && rng.Float64() < prob {
			mask[f] = true
			since = 0
			continue
		}
		since++
	}
	return mask
}

// ToMask expands frame indices into a per-frame flag slice. Indices outside
// [0, frames) are ignored.
func ToMask(resets []int, frames int) []bool {
	mask := make([]bool, frames)
	for _, f := range resets {
		if f >= 0 && f < frames {
			mask[f] = true
		}
	}
	return mask
}

// FromMask lists the flagged frames.
func FromMask(mask []bool) []int {
	var out []int
	for f, v := range mask {
		if v {
			out = append(out, f)
		}
	}
	return out
}
