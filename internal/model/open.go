package model

import (
	"fmt"

	"github.com/loqalabs/loqa-vocoder/internal/config"
)

// Options select and configure a backend.
type Options struct {
	Mode     string // mock or exec
	Command  string
	Manifest string // optional manifest path overriding the fields above
	Spec     Spec
	Mock     MockOptions
}

// Open builds the configured backend. A manifest, when given, takes
// precedence over Mode, Command and the shape fields of Spec.
func Open(opts Options) (Model, error) {
	mode, command, spec := opts.Mode, opts.Command, opts.Spec
	if opts.Manifest != "" {
		m, err := LoadManifest(opts.Manifest)
		if err != nil {
			return nil, err
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", opts.Manifest, err)
		}
		mode, command, spec = m.Runtime.Mode, m.Runtime.Command, m.Spec(spec)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	switch mode {
	case "", "mock":
		return NewMock(spec, opts.Mock), nil
	case "exec":
		return NewExecModel(command, spec)
	}
	return nil, fmt.Errorf("unsupported model mode %q", mode)
}

// OptionsFromConfig maps the model section of the runtime configuration.
// The feature count and voicing column come from the vocoder layout.
func OptionsFromConfig(c config.ModelConfig, voc config.VocoderConfig) Options {
	mock := DefaultMockOptions()
	mock.VoicingIndex = voc.VoicingIndex
	return Options{
		Mode:     c.Mode,
		Command:  c.Command,
		Manifest: c.Manifest,
		Spec: Spec{
			Variant:      Variant(c.Variant),
			UsedFeatures: voc.NbUsedFeatures,
			EmbedSize:    c.EmbedSize,
			RNNUnits1:    c.RNNUnits1,
			RNNUnits2:    c.RNNUnits2,
		},
		Mock: mock,
	}
}
