package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest describes a packaged vocoder model.
type Manifest struct {
	Metadata Metadata    `yaml:"metadata"`
	Shape    ShapeSpec   `yaml:"shape"`
	Runtime  RuntimeSpec `yaml:"runtime"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type ShapeSpec struct {
	Variant      string `yaml:"variant"`
	UsedFeatures int    `yaml:"used_features"`
	EmbedSize    int    `yaml:"embed_size"`
	RNNUnits1    int    `yaml:"rnn_units1"`
	RNNUnits2    int    `yaml:"rnn_units2"`
	FrameSize    int    `yaml:"frame_size"`
	LPCOrder     int    `yaml:"lpc_order"`
}

type RuntimeSpec struct {
	Mode    string `yaml:"mode"`
	Command string `yaml:"command"`
	Weights string `yaml:"weights,omitempty"`
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Validate ensures manifest contains required fields.
func (m Manifest) Validate() error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	switch m.Runtime.Mode {
	case "mock":
	case "exec":
		if m.Runtime.Command == "" {
			return fmt.Errorf("runtime.command is required for exec")
		}
	case "":
		return fmt.Errorf("runtime.mode is required")
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	if m.Shape.FrameSize < 0 || m.Shape.LPCOrder < 0 {
		return fmt.Errorf("shape.frame_size and shape.lpc_order must not be negative")
	}
	return m.Spec(DefaultSpec()).Validate()
}

// Spec overlays the manifest's shape onto base; zero fields keep base.
func (m Manifest) Spec(base Spec) Spec {
	out := base
	if m.Shape.Variant != "" {
		out.Variant = Variant(m.Shape.Variant)
	}
	if m.Shape.UsedFeatures > 0 {
		out.UsedFeatures = m.Shape.UsedFeatures
	}
	if m.Shape.EmbedSize > 0 {
		out.EmbedSize = m.Shape.EmbedSize
	}
	if m.Shape.RNNUnits1 > 0 {
		out.RNNUnits1 = m.Shape.RNNUnits1
	}
	if m.Shape.RNNUnits2 > 0 {
		out.RNNUnits2 = m.Shape.RNNUnits2
	}
	return out
}
