package metrics

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrLengthMismatch = errors.New("label and prediction counts differ")

// Argmax returns the index of the largest value in every row.
func Argmax(probs [][]float32) []int {
	out := make([]int, len(probs))
	for i, row := range probs {
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// Accuracy is the fraction of positions where yTrue and yPred agree.
func Accuracy(yTrue, yPred []int) float64 {
	if len(yTrue) == 0 || len(yTrue) != len(yPred) {
		return 0
	}
	hits := 0
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(yTrue))
}

// ConfusionMatrix counts true class (row) against predicted class (column)
// for classes 0..k-1.
func ConfusionMatrix(yTrue, yPred []int, k int) ([][]int, error) {
	if len(yTrue) != len(yPred) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(yTrue), len(yPred))
	}
	cm := make([][]int, k)
	for i := range cm {
		cm[i] = make([]int, k)
	}
	for i := range yTrue {
		t, p := yTrue[i], yPred[i]
		if t < 0 || t >= k || p < 0 || p >= k {
			return nil, fmt.Errorf("class index out of range at %d: true=%d pred=%d, k=%d", i, t, p, k)
		}
		cm[t][p]++
	}
	return cm, nil
}

// ClassMetrics is one row of a classification report.
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1-score"`
	Support   int     `json:"support"`
}

// Report is a per-class precision/recall/F1 breakdown. Undefined ratios
// (no predictions or no support) are reported as 0.
type Report struct {
	Classes     []string
	PerClass    []ClassMetrics
	Accuracy    float64
	MacroAvg    ClassMetrics
	WeightedAvg ClassMetrics
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// NewReport computes the report for yTrue/yPred over the given class names.
func NewReport(yTrue, yPred []int, classes []string) (*Report, error) {
	cm, err := ConfusionMatrix(yTrue, yPred, len(classes))
	if err != nil {
		return nil, err
	}

	r := &Report{
		Classes:  append([]string(nil), classes...),
		PerClass: make([]ClassMetrics, len(classes)),
		Accuracy: Accuracy(yTrue, yPred),
	}
	total := len(yTrue)
	for c := range classes {
		tp := cm[c][c]
		predicted, support := 0, 0
		for j := range classes {
			predicted += cm[j][c]
			support += cm[c][j]
		}
		m := ClassMetrics{
			Precision: ratio(tp, predicted),
			Recall:    ratio(tp, support),
			Support:   support,
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		r.PerClass[c] = m

		r.MacroAvg.Precision += m.Precision / float64(len(classes))
		r.MacroAvg.Recall += m.Recall / float64(len(classes))
		r.MacroAvg.F1 += m.F1 / float64(len(classes))
		if total > 0 {
			w := float64(support) / float64(total)
			r.WeightedAvg.Precision += m.Precision * w
			r.WeightedAvg.Recall += m.Recall * w
			r.WeightedAvg.F1 += m.F1 * w
		}
	}
	r.MacroAvg.Support = total
	r.WeightedAvg.Support = total
	return r, nil
}

// MarshalJSON keeps the class order followed by accuracy, macro avg and
// weighted avg.
func (r *Report) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(key string, v any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		val, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(val)
		return nil
	}
	for i, c := range r.Classes {
		if err := write(c, r.PerClass[i]); err != nil {
			return nil, err
		}
	}
	if err := write("accuracy", r.Accuracy); err != nil {
		return nil, err
	}
	if err := write("macro avg", r.MacroAvg); err != nil {
		return nil, err
	}
	if err := write("weighted avg", r.WeightedAvg); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// String renders the report as a fixed-width table.
func (r *Report) String() string {
	width := len("weighted avg")
	for _, c := range r.Classes {
		width = max(width, len(c))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%*s %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")
	for i, c := range r.Classes {
		m := r.PerClass[i]
		fmt.Fprintf(&sb, "%*s %9.2f %9.2f %9.2f %9d\n", width, c, m.Precision, m.Recall, m.F1, m.Support)
	}
	sb.WriteByte('\n')
	fmt.Fprintf(&sb, "%*s %9s %9s %9.2f %9d\n", width, "accuracy", "", "", r.Accuracy, r.MacroAvg.Support)
	for _, row := range []struct {
		name string
		m    ClassMetrics
	}{{"macro avg", r.MacroAvg}, {"weighted avg", r.WeightedAvg}} {
		fmt.Fprintf(&sb, "%*s %9.2f %9.2f %9.2f %9d\n", width, row.name, row.m.Precision, row.m.Recall, row.m.F1, row.m.Support)
	}
	return sb.String()
}
