package preprocess

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/example/irisdx/internal/dataset"
)

// stubProcessor derives a constant sample from the file name so runs are
// reproducible without OpenCV.
type stubProcessor struct {
	fail map[string]bool
}

func (s stubProcessor) ProcessFile(path string) ([]float32, error) {
	if s.fail[filepath.Base(path)] {
		return nil, errors.New("cannot decode")
	}
	sample := make([]float32, dataset.SampleSize())
	v := float32(len(filepath.Base(path))%10) / 10
	for i := range sample {
		sample[i] = v
	}
	return sample, nil
}

func (s stubProcessor) ProcessBytes([]byte) ([]float32, error) {
	return nil, errors.New("not used")
}

func makeRaw(t *testing.T, perClass int) string {
	t.Helper()
	root := t.TempDir()
	for _, class := range []string{"classA", "classB"} {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		for i := 0; i < perClass; i++ {
			name := filepath.Join(dir, class+strings.Repeat("x", i)+".png")
			if err := os.WriteFile(name, []byte("png"), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
	}
	return root
}

func TestRunTwoClassesOfTen(t *testing.T) {
	raw := makeRaw(t, 10)
	out := filepath.Join(t.TempDir(), "processed", "dataset_prepared.npz")

	var progress bytes.Buffer
	res, err := New(zap.NewNop(), stubProcessor{}).Run(context.Background(), Options{
		RawDir: raw, OutputPath: out, Seed: 42, Progress: &progress,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Train != 14 || res.Val != 3 || res.Test != 3 {
		t.Fatalf("sizes %d/%d/%d, want 14/3/3", res.Train, res.Val, res.Test)
	}
	if res.Skipped != 0 {
		t.Fatalf("unexpected skips: %d", res.Skipped)
	}
	if progress.Len() == 0 {
		t.Fatal("expected progress output")
	}

	archive, err := dataset.LoadArchive(out)
	if err != nil {
		t.Fatalf("LoadArchive: %v", err)
	}
	counts := map[string]int{}
	for _, l := range archive.Train.Labels {
		counts[l]++
	}
	if counts["classA"] != 7 || counts["classB"] != 7 {
		t.Fatalf("train per class = %v, want 7/7", counts)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	raw := makeRaw(t, 10)
	out := filepath.Join(t.TempDir(), "dataset_prepared.npz")
	stage := New(zap.NewNop(), stubProcessor{})

	if _, err := stage.Run(context.Background(), Options{RawDir: raw, OutputPath: out, Seed: 42}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := stage.Run(context.Background(), Options{RawDir: raw, OutputPath: out, Seed: 42}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("rerunning on the same input changed the archive")
	}
}

func TestRunSkipsFailedImages(t *testing.T) {
	raw := makeRaw(t, 10)
	out := filepath.Join(t.TempDir(), "dataset_prepared.npz")
	stage := New(zap.NewNop(), stubProcessor{fail: map[string]bool{"classA.png": true}})

	res, err := stage.Run(context.Background(), Options{RawDir: raw, OutputPath: out, Seed: 42})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped != 1 || res.Processed != 19 {
		t.Fatalf("processed=%d skipped=%d, want 19/1", res.Processed, res.Skipped)
	}
}

func TestRunEmptyInput(t *testing.T) {
	raw := t.TempDir()
	_, err := New(zap.NewNop(), stubProcessor{}).Run(context.Background(), Options{
		RawDir: raw, OutputPath: filepath.Join(t.TempDir(), "x.npz"), Seed: 42,
	})
	if !errors.Is(err, dataset.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestRunMissingRawDir(t *testing.T) {
	_, err := New(zap.NewNop(), stubProcessor{}).Run(context.Background(), Options{
		RawDir: filepath.Join(t.TempDir(), "missing"), OutputPath: filepath.Join(t.TempDir(), "x.npz"),
	})
	if !errors.Is(err, dataset.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
