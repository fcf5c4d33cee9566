package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/example/irisdx/internal/config"
	"github.com/example/irisdx/internal/dataset"
	"github.com/example/irisdx/internal/evaluation"
	"github.com/example/irisdx/internal/labels"
	"github.com/example/irisdx/internal/preprocess"
	"github.com/example/irisdx/internal/registry"
	"github.com/example/irisdx/internal/tracking"
	"github.com/example/irisdx/internal/training"
)

// classProcessor turns each image into a constant sample picked by its class
// directory, so the two classes are trivially separable.
type classProcessor struct{}

func (classProcessor) ProcessFile(path string) ([]float32, error) {
	v := float32(0.1)
	if strings.Contains(filepath.Base(filepath.Dir(path)), "B") {
		v = 0.9
	}
	sample := make([]float32, dataset.SampleSize())
	for i := range sample {
		sample[i] = v
	}
	return sample, nil
}

func (classProcessor) ProcessBytes([]byte) ([]float32, error) {
	return make([]float32, dataset.SampleSize()), nil
}

// TestPreprocessTrainEvaluate runs two classes of ten images through every
// batch stage. It needs a working GoMLX backend.
func TestPreprocessTrainEvaluate(t *testing.T) {
	if os.Getenv("GOMLX_BACKEND") == "" {
		t.Skip("GOMLX_BACKEND not set")
	}
	ctx := context.Background()
	logger := zap.NewNop()
	dir, _ := workspace(t)

	cfg := config.Default()
	cfg.RawDir = filepath.Join(dir, "raw")
	cfg.ProcessedPath = filepath.Join(dir, "processed", "dataset_prepared.npz")
	cfg.ModelsDir = filepath.Join(dir, "models")
	cfg.ArtifactsDir = filepath.Join(dir, "artifacts")
	cfg.Train.Variant = "cnn"
	cfg.Train.Epochs = 2
	cfg.Train.BatchSize = 4
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	prep, err := preprocess.New(logger, classProcessor{}).Run(ctx, preprocess.Options{
		RawDir:     cfg.RawDir,
		OutputPath: cfg.ProcessedPath,
		Seed:       cfg.Seed,
	})
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	if prep.Train != 14 || prep.Val != 3 || prep.Test != 3 {
		t.Fatalf("split sizes train=%d val=%d test=%d, want 14/3/3", prep.Train, prep.Val, prep.Test)
	}

	trained, err := training.New(cfg, tracking.Noop{}, training.ClassifierFactory(logger), logger).Run(ctx)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	enc, err := labels.Load(filepath.Join(cfg.ModelsDir, labels.FileName))
	if err != nil {
		t.Fatalf("label classes: %v", err)
	}
	if diff := cmp.Diff([]string{"classA", "classB"}, enc.Classes()); diff != "" {
		t.Fatalf("label classes (-want +got):\n%s", diff)
	}
	resolved, err := registry.Resolve(cfg.ModelsDir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != trained.ModelPath {
		t.Fatalf("Resolve = %s, want %s", resolved, trained.ModelPath)
	}

	evaluated, err := evaluation.New(evaluationLoader(cfg.Train.BackboneDir, logger), tracking.Noop{}, logger).
		Run(ctx, evaluation.Options{
			ProcessedPath: cfg.ProcessedPath,
			ModelsDir:     cfg.ModelsDir,
			ArtifactsDir:  cfg.ArtifactsDir,
		})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if evaluated.Report.ModelPath != trained.ModelPath {
		t.Fatalf("evaluated %s, want %s", evaluated.Report.ModelPath, trained.ModelPath)
	}

	test, err := dataset.LoadTestSplit(cfg.ProcessedPath)
	if err != nil {
		t.Fatalf("LoadTestSplit: %v", err)
	}
	want := make([]int, enc.Len())
	idx, err := enc.Transform(test.Labels)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	for _, i := range idx {
		want[i]++
	}
	got := make([]int, enc.Len())
	for i, row := range evaluated.Report.ConfusionMatrix {
		for _, n := range row {
			got[i] += n
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("confusion row sums (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(evaluated.ReportPath); err != nil {
		t.Fatalf("report not written: %v", err)
	}
}
