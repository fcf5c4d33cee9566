package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/example/irisdx/internal/dataset"
	"github.com/example/irisdx/internal/labels"
	"github.com/example/irisdx/internal/registry"
	"github.com/example/irisdx/internal/tracking"
)

type tablePredictor struct {
	probs [][]float32
}

func (p tablePredictor) Predict(x []float32) ([][]float32, error) {
	if len(x) != len(p.probs)*dataset.SampleSize() {
		return nil, errors.New("unexpected input size")
	}
	return p.probs, nil
}

type failingRunner struct{ calls int }

func (f *failingRunner) WithRun(context.Context, string, func(context.Context, tracking.Recorder) error) error {
	f.calls++
	return &tracking.Error{Op: "runs/create", Status: 503}
}

type workspace struct {
	opts      Options
	modelPath string
}

func newWorkspace(t *testing.T, testLabels []string, classes []string) workspace {
	t.Helper()
	root := t.TempDir()
	ws := workspace{opts: Options{
		ProcessedPath: filepath.Join(root, "data", "dataset_prepared.npz"),
		ModelsDir:     filepath.Join(root, "models"),
		ArtifactsDir:  filepath.Join(root, "artifacts"),
	}}
	ws.modelPath = filepath.Join(ws.opts.ModelsDir, "iris_model_final_1", "saved_model")
	if err := os.MkdirAll(ws.modelPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws.modelPath, registry.MarkerFile), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if classes != nil {
		enc, err := labels.FromClasses(classes)
		if err != nil {
			t.Fatal(err)
		}
		if err := enc.Save(filepath.Join(ws.opts.ModelsDir, labels.FileName)); err != nil {
			t.Fatal(err)
		}
	}
	a := &dataset.Archive{Test: dataset.Split{
		Labels:   testLabels,
		Features: make([]float32, len(testLabels)*dataset.SampleSize()),
	}}
	if err := dataset.WriteArchive(ws.opts.ProcessedPath, a); err != nil {
		t.Fatal(err)
	}
	return ws
}

func loaderFor(p Predictor, seen *string) Loader {
	return func(dir string) (Predictor, error) {
		if seen != nil {
			*seen = dir
		}
		return p, nil
	}
}

var fourProbs = [][]float32{{0.9, 0.1}, {0.4, 0.6}, {0.2, 0.8}, {0.3, 0.7}}

func TestRunWritesReportAndPlots(t *testing.T) {
	ws := newWorkspace(t, []string{"classA", "classA", "classB", "classB"}, []string{"classA", "classB"})
	var loaded string
	res, err := New(loaderFor(tablePredictor{probs: fourProbs}, &loaded), nil, zap.NewNop()).
		Run(context.Background(), ws.opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if loaded != ws.modelPath {
		t.Fatalf("loaded %s, want %s", loaded, ws.modelPath)
	}

	if diff := cmp.Diff([][]int{{1, 1}, {0, 2}}, res.Report.ConfusionMatrix); diff != "" {
		t.Fatalf("confusion matrix (-want +got):\n%s", diff)
	}
	if res.Report.Accuracy != 0.75 {
		t.Fatalf("accuracy = %g", res.Report.Accuracy)
	}
	for _, class := range []string{"classA", "classB"} {
		if auc := res.Report.ROCAUC[class]; math.Abs(auc-1) > 1e-9 {
			t.Fatalf("AUC(%s) = %g", class, auc)
		}
	}
	for _, path := range []string{res.ReportPath, res.ConfusionPNG, res.ROCPNG} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("missing output %s: %v", path, err)
		}
	}

	data, err := os.ReadFile(res.ReportPath)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]json.RawMessage
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	for _, key := range []string{"confusion_matrix", "classification_report", "accuracy", "classes", "model_path", "roc_auc"} {
		if _, ok := onDisk[key]; !ok {
			t.Fatalf("report misses %q", key)
		}
	}
}

func TestRunFallsBackToTestLabels(t *testing.T) {
	ws := newWorkspace(t, []string{"b", "b", "a", "a"}, nil)
	probs := [][]float32{{0.1, 0.9}, {0.2, 0.8}, {0.7, 0.3}, {0.6, 0.4}}
	res, err := New(loaderFor(tablePredictor{probs: probs}, nil), nil, zap.NewNop()).
		Run(context.Background(), ws.opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, res.Report.Classes); diff != "" {
		t.Fatalf("classes (-want +got):\n%s", diff)
	}
	if res.Report.Accuracy != 1 {
		t.Fatalf("accuracy = %g", res.Report.Accuracy)
	}
}

func TestRunAcceptsIntegerLabels(t *testing.T) {
	ws := newWorkspace(t, []string{"0", "0", "1", "1"}, []string{"classA", "classB"})
	res, err := New(loaderFor(tablePredictor{probs: fourProbs}, nil), nil, zap.NewNop()).
		Run(context.Background(), ws.opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Report.Accuracy != 0.75 {
		t.Fatalf("accuracy = %g", res.Report.Accuracy)
	}
}

func TestRunFallsBackToNumericClassOrder(t *testing.T) {
	const k = 11
	var testLabels []string
	probs := make([][]float32, k)
	for i := 0; i < k; i++ {
		testLabels = append(testLabels, strconv.Itoa(i))
		probs[i] = make([]float32, k)
		probs[i][i] = 1
	}
	ws := newWorkspace(t, testLabels, nil)
	res, err := New(loaderFor(tablePredictor{probs: probs}, nil), nil, zap.NewNop()).
		Run(context.Background(), ws.opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff(testLabels, res.Report.Classes); diff != "" {
		t.Fatalf("classes (-want +got):\n%s", diff)
	}
	if res.Report.Accuracy != 1 {
		t.Fatalf("accuracy = %g", res.Report.Accuracy)
	}
	if got := res.Report.ConfusionMatrix[2][2]; got != 1 {
		t.Fatalf("confusion[2][2] = %d, want 1", got)
	}
}

func TestRunRejectsUnknownLabel(t *testing.T) {
	ws := newWorkspace(t, []string{"classA", "classA", "classZ", "classB"}, []string{"classA", "classB"})
	_, err := New(loaderFor(tablePredictor{probs: fourProbs}, nil), nil, zap.NewNop()).
		Run(context.Background(), ws.opts)
	if !errors.Is(err, labels.ErrUnseenLabel) {
		t.Fatalf("expected ErrUnseenLabel, got %v", err)
	}
}

func TestRunWithoutModel(t *testing.T) {
	ws := newWorkspace(t, []string{"classA"}, nil)
	if err := os.RemoveAll(filepath.Dir(ws.modelPath)); err != nil {
		t.Fatal(err)
	}
	_, err := New(loaderFor(tablePredictor{}, nil), nil, zap.NewNop()).Run(context.Background(), ws.opts)
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected registry.ErrNotFound, got %v", err)
	}
}

func TestRunSkipsUndefinedROC(t *testing.T) {
	ws := newWorkspace(t, []string{"classA", "classA"}, []string{"classA", "classB"})
	probs := [][]float32{{0.9, 0.1}, {0.8, 0.2}}
	res, err := New(loaderFor(tablePredictor{probs: probs}, nil), nil, zap.NewNop()).
		Run(context.Background(), ws.opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ROCPNG != "" || res.Report.ROCAUC != nil {
		t.Fatalf("expected no ROC output, got %q %v", res.ROCPNG, res.Report.ROCAUC)
	}
	if _, err := os.Stat(res.ReportPath); err != nil {
		t.Fatalf("report not written: %v", err)
	}
}

func TestTrackingFailureIsNotFatal(t *testing.T) {
	ws := newWorkspace(t, []string{"classA", "classA", "classB", "classB"}, []string{"classA", "classB"})
	runner := &failingRunner{}
	if _, err := New(loaderFor(tablePredictor{probs: fourProbs}, nil), runner, zap.NewNop()).
		Run(context.Background(), ws.opts); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("runner called %d times", runner.calls)
	}
}
