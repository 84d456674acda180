package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-vocoder/internal/analysis"
	"github.com/loqalabs/loqa-vocoder/internal/config"
	"github.com/loqalabs/loqa-vocoder/internal/features"
	"github.com/loqalabs/loqa-vocoder/internal/model"
	"github.com/loqalabs/loqa-vocoder/internal/pcmio"
	"github.com/loqalabs/loqa-vocoder/internal/vocoder"
)

var version = "0.1.0-dev"

const usage = `usage:
  lpcnet synth [flags] <features.f32> <output.pcm> [model.yaml]
  lpcnet resets [flags] <features.f32> <resets.msk>
  lpcnet error [flags] <real.f32> <fake.f32> <resets.msk> <out.loss>
  lpcnet validate -file model.yaml
  lpcnet version`

// errUsage marks command line mistakes; they exit with status 2.
var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "synth":
		err = runSynth(ctx, args[1:], stdout, stderr)
	case "resets":
		err = runResets(args[1:], stdout, stderr)
	case "error":
		err = runError(ctx, args[1:], stdout, stderr)
	case "validate":
		err = runValidate(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s\n", args[0], usage)
		return 2
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, usage)
		return 2
	}
	fmt.Fprintln(stderr, err)
	return 1
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func readFeatures(path string, width int) (features.Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return features.Matrix{}, err
	}
	defer f.Close()
	m, err := features.Read(f, width)
	if err != nil {
		return features.Matrix{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func readMask(path string) ([]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	mask, err := pcmio.ReadMask(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mask, nil
}

func runSynth(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("synth", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	wavPath := fs.String("wav", "", "Also write a 16-bit WAV file")
	resetMode := fs.String("resets", "", "Reset mode none|rule|net|periodic (default from config)")
	maskPath := fs.String("mask", "", "Reset mask file, one int16 flag per frame; overrides -resets")
	blend := fs.String("blend", "", "Reset blend hard|smooth|shift (default from config)")
	seed := fs.Int64("seed", -1, "Generator seed (default from config)")
	verbose := fs.Bool("v", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 || fs.NArg() > 3 {
		return fmt.Errorf("%w: synth takes <features.f32> <output.pcm> [model.yaml]", errUsage)
	}
	featurePath, outPath := fs.Arg(0), fs.Arg(1)
	logger := newLogger(stderr, *verbose)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if fs.NArg() == 3 {
		cfg.Model.Manifest = fs.Arg(2)
	}
	if !strings.HasSuffix(outPath, ".pcm") {
		logger.Warn("output file does not end in .pcm; writing raw 16-bit PCM anyway", slog.String("output", outPath))
	}

	m, err := model.Open(model.OptionsFromConfig(cfg.Model, cfg.Vocoder))
	if err != nil {
		return fmt.Errorf("open model: %w", err)
	}
	defer m.Close()
	synth, err := vocoder.Build(cfg, m, logger)
	if err != nil {
		return err
	}

	feats, err := readFeatures(featurePath, cfg.Vocoder.NbFeatures)
	if err != nil {
		return err
	}
	req := vocoder.Request{Features: feats, Blend: vocoder.Blend(*blend)}
	if *resetMode != "" {
		if req.Mode, err = vocoder.ParseResetMode(*resetMode); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
	}
	if *maskPath != "" {
		if req.Resets, err = readMask(*maskPath); err != nil {
			return err
		}
	}
	if *seed >= 0 {
		s := uint64(*seed)
		req.Seed = &s
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)

	var all []int16
	res, err := synth.Synthesize(ctx, req, func(b vocoder.Block) error {
		if *wavPath != "" {
			all = append(all, b.PCM...)
		}
		return pcmio.WritePCM(w, b.PCM)
	})
	if err == nil {
		err = w.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// A partial utterance is not usable.
		_ = os.Remove(outPath)
		return err
	}

	if *wavPath != "" {
		if err := writeWAV(*wavPath, all, cfg.Vocoder.SampleRate); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "%d frames, %d samples, %d resets\n", res.Frames, res.Samples, len(res.Resets))
	return nil
}

func writeWAV(path string, pcm []int16, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pcmio.WriteWAV(f, pcm, sampleRate); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func runResets(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("resets", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	random := fs.Bool("random", false, "Draw a random training mask instead of running the rule detector")
	prob := fs.Float64("prob", 0.2, "Reset probability per eligible frame with -random")
	minGap := fs.Int("min-gap", 10, "Frames between random resets")
	seed := fs.Uint64("seed", vocoder.DefaultSeed, "Generator seed for -random")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: resets takes <features.f32> <resets.msk>", errUsage)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	feats, err := readFeatures(fs.Arg(0), cfg.Vocoder.NbFeatures)
	if err != nil {
		return err
	}

	var mask []bool
	if *random {
		mask = analysis.RandomResets(feats.Frames(), *minGap, *prob, rand.New(rand.NewPCG(*seed, 0)))
	} else {
		rule := analysis.DefaultRuleConfig()
		rule.MinDistance = cfg.Reset.MinFramesBetween
		mask = analysis.ToMask(analysis.RuleResets(feats, rule), feats.Frames())
	}

	out, err := os.Create(fs.Arg(1))
	if err != nil {
		return err
	}
	if err := pcmio.WriteMask(out, mask); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d frames, %d resets: %v\n", len(mask), len(analysis.FromMask(mask)), analysis.FromMask(mask))
	return nil
}

func runError(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("error", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	separator := fs.Bool("separator", false, "Also report the separator loss of the configured model on the real features")
	penalty := fs.Float64("penalty", analysis.DefaultMissPenalty, "Separator cost of a missed reset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 4 {
		return fmt.Errorf("%w: error takes <real.f32> <fake.f32> <resets.msk> <out.loss>", errUsage)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	reference, err := readFeatures(fs.Arg(0), cfg.Vocoder.NbFeatures)
	if err != nil {
		return err
	}
	synthesized, err := readFeatures(fs.Arg(1), cfg.Vocoder.NbFeatures)
	if err != nil {
		return err
	}
	mask, err := readMask(fs.Arg(2))
	if err != nil {
		return err
	}
	labels, err := analysis.ErrorLabels(reference, synthesized, mask)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(fs.Arg(3), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := pcmio.WriteLabels(out, labels); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "appended %d labels to %s\n", len(labels), fs.Arg(3))

	if !*separator {
		return nil
	}
	utt, err := features.Prepare(reference, vocoder.FromConfig(cfg.Vocoder).Layout)
	if err != nil {
		return err
	}
	m, err := model.Open(model.OptionsFromConfig(cfg.Model, cfg.Vocoder))
	if err != nil {
		return fmt.Errorf("open model: %w", err)
	}
	defer m.Close()
	probs, err := m.ResetProbabilities(ctx, utt.Used(), utt.Periods())
	if err != nil {
		return fmt.Errorf("separator: %w", err)
	}
	loss, err := analysis.SeparatorLoss(probs, labels, *penalty)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "separator loss %.6f\n", loss)
	return nil
}

func runValidate(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("file", "model.yaml", "Path to model manifest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, err := model.LoadManifest(*path)
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%s: %w", *path, err)
	}
	fmt.Fprintln(stdout, "manifest valid")
	return nil
}
