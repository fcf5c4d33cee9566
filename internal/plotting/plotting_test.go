package plotting

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/irisdx/internal/metrics"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func assertPNG(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if !bytes.HasPrefix(data, pngMagic) {
		t.Fatalf("%s is not a PNG", path)
	}
}

func TestConfusionMatrixWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifacts", "confusion_matrix.png")
	if err := ConfusionMatrix([][]int{{2, 1}, {0, 3}}, []string{"classA", "classB"}, path); err != nil {
		t.Fatalf("ConfusionMatrix: %v", err)
	}
	assertPNG(t, path)
}

func TestConfusionMatrixRejectsShapeMismatch(t *testing.T) {
	if err := ConfusionMatrix([][]int{{1}}, []string{"a", "b"}, filepath.Join(t.TempDir(), "x.png")); err == nil {
		t.Fatal("expected shape error")
	}
}

func TestROCWritesPNG(t *testing.T) {
	curves, err := metrics.OneVsRestROC(
		[]int{0, 1, 0, 1},
		[][]float32{{0.8, 0.2}, {0.4, 0.6}, {0.3, 0.7}, {0.1, 0.9}},
		[]string{"classA", "classB"},
	)
	if err != nil {
		t.Fatalf("OneVsRestROC: %v", err)
	}
	path := filepath.Join(t.TempDir(), "roc.png")
	if err := ROC(curves, path); err != nil {
		t.Fatalf("ROC: %v", err)
	}
	assertPNG(t, path)
}

func TestROCWithoutCurves(t *testing.T) {
	if err := ROC(nil, filepath.Join(t.TempDir(), "roc.png")); err == nil {
		t.Fatal("expected error")
	}
}
