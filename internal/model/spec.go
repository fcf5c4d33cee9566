package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Variant selects the network topology.
type Variant string

const (
	VariantCNN      Variant = "cnn"
	VariantTransfer Variant = "transfer"
)

// ManifestFile sits in every saved model directory.
const ManifestFile = "model.json"

var ErrUnknownVariant = errors.New("unknown model variant")

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case VariantCNN, VariantTransfer:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
}

// Name is the model name reported to experiment tracking.
func (v Variant) Name() string {
	if v == VariantTransfer {
		return "iris_inceptionv3_transfer"
	}
	return "iris_cnn"
}

// DefaultLearningRate is the Adam step size used when none is configured.
func (v Variant) DefaultLearningRate() float64 {
	if v == VariantTransfer {
		return 1e-4
	}
	return 1e-3
}

// Spec describes a classifier to build.
type Spec struct {
	Variant      Variant `json:"variant"`
	NumClasses   int     `json:"num_classes"`
	InputShape   []int   `json:"input_shape"`
	LearningRate float64 `json:"learning_rate"`
	// BackboneDir caches the pretrained weights of the transfer variant.
	BackboneDir string `json:"-"`
}

func (s Spec) Validate() error {
	if _, err := ParseVariant(string(s.Variant)); err != nil {
		return err
	}
	if s.NumClasses < 2 {
		return fmt.Errorf("need at least 2 classes, got %d", s.NumClasses)
	}
	if len(s.InputShape) != 3 || s.InputShape[2] != 3 {
		return fmt.Errorf("input shape must be (H, W, 3), got %v", s.InputShape)
	}
	if s.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", s.LearningRate)
	}
	if s.Variant == VariantTransfer && s.BackboneDir == "" {
		return errors.New("transfer variant needs a backbone directory")
	}
	return nil
}

// SampleSize is the number of values in one input sample.
func (s Spec) SampleSize() int {
	n := 1
	for _, d := range s.InputShape {
		n *= d
	}
	return n
}

// Manifest is written as model.json next to the checkpoint files.
type Manifest struct {
	Spec
	CreatedAt time.Time `json:"created_at"`
}

func writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644)
}

// ReadManifest loads model.json from a saved model directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}
	return &m, nil
}

// Weights is a host copy of the trainable variables, keyed by scoped name.
type Weights map[string][]float32
