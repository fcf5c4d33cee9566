package metrics

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

var ErrROCUndefined = errors.New("roc curve undefined")

// ROCCurve is the one-vs-rest curve of a single class.
type ROCCurve struct {
	Class string
	FPR   []float64
	TPR   []float64
	AUC   float64
}

// OneVsRestROC computes a curve for every class that has both positive and
// negative samples in yTrue. Classes without both are skipped; if none can be
// computed the result is ErrROCUndefined.
func OneVsRestROC(yTrue []int, probs [][]float32, classes []string) ([]ROCCurve, error) {
	if len(yTrue) != len(probs) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(yTrue), len(probs))
	}
	if len(classes) < 2 {
		return nil, fmt.Errorf("%w: need at least two classes, got %d", ErrROCUndefined, len(classes))
	}

	var curves []ROCCurve
	for c, name := range classes {
		scores := make([]float64, len(yTrue))
		positive := make([]bool, len(yTrue))
		pos := 0
		for i, row := range probs {
			if c >= len(row) {
				return nil, fmt.Errorf("prediction %d has %d scores, want %d", i, len(row), len(classes))
			}
			scores[i] = float64(row[c])
			positive[i] = yTrue[i] == c
			if positive[i] {
				pos++
			}
		}
		if pos == 0 || pos == len(yTrue) {
			continue
		}

		fpr, tpr := rocPoints(scores, positive)
		curves = append(curves, ROCCurve{
			Class: name,
			FPR:   fpr,
			TPR:   tpr,
			AUC:   integrate.Trapezoidal(fpr, tpr),
		})
	}
	if len(curves) == 0 {
		return nil, fmt.Errorf("%w: no class has both positive and negative samples", ErrROCUndefined)
	}
	return curves, nil
}

// rocPoints returns the curve ordered by increasing false-positive rate.
func rocPoints(scores []float64, positive []bool) (fpr, tpr []float64) {
	y := append([]float64(nil), scores...)
	classes := append([]bool(nil), positive...)
	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ = stat.ROC(nil, y, classes, nil)
	return fpr, tpr
}
