package training

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/example/irisdx/internal/model"
)

// scriptedModel predicts the true class (stored in the first value of each
// sample) with probability quality[epoch], so the loss follows the script.
type scriptedModel struct {
	sampleSize int
	numClasses int
	quality    []float32

	epochs   int
	lr       float64
	batches  []int
	saves    []string
	restored bool
	fitErr   error
}

func (m *scriptedModel) FitEpoch(x []float32, y []int, batchSize int) error {
	if m.fitErr != nil {
		return m.fitErr
	}
	if len(x) != len(y)*m.sampleSize {
		return errors.New("bad input size")
	}
	m.epochs++
	m.batches = append(m.batches, batchSize)
	return nil
}

func (m *scriptedModel) Predict(x []float32) ([][]float32, error) {
	q := m.quality[min(max(m.epochs-1, 0), len(m.quality)-1)]
	n := len(x) / m.sampleSize
	out := make([][]float32, n)
	for i := range out {
		row := make([]float32, m.numClasses)
		for k := range row {
			row[k] = (1 - q) / float32(m.numClasses-1)
		}
		row[int(x[i*m.sampleSize])] = q
		out[i] = row
	}
	return out, nil
}

func (m *scriptedModel) LearningRate() float64 { return m.lr }

func (m *scriptedModel) SetLearningRate(lr float64) error {
	m.lr = lr
	return nil
}

func (m *scriptedModel) Snapshot() (model.Weights, error) {
	return model.Weights{"epochs": {float32(m.epochs)}}, nil
}

func (m *scriptedModel) Restore(w model.Weights) error {
	m.epochs = int(w["epochs"][0])
	m.restored = true
	return nil
}

func (m *scriptedModel) Save(dir string) error {
	m.saves = append(m.saves, dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, model.ManifestFile), []byte(`{}`), 0o644)
}

func (m *scriptedModel) Summary() string { return "scripted model" }

func scriptedData(size int, labels ...int) Data {
	d := Data{Y: labels, X: make([]float32, len(labels)*size)}
	for i, y := range labels {
		d.X[i*size] = float32(y)
	}
	return d
}

func TestEarlyStoppingPatience(t *testing.T) {
	e := NewEarlyStopping(2)
	steps := []struct {
		loss           float64
		improved, stop bool
	}{
		{1.0, true, false},
		{0.9, true, false},
		{0.95, false, false},
		{math.NaN(), false, true},
	}
	for i, s := range steps {
		improved, stop := e.Observe(i, s.loss)
		if improved != s.improved || stop != s.stop {
			t.Fatalf("step %d: got improved=%v stop=%v", i, improved, stop)
		}
	}
	if epoch, loss := e.Best(); epoch != 1 || loss != 0.9 {
		t.Fatalf("best = %d/%g", epoch, loss)
	}
}

func TestReduceLROnPlateauIgnoresTinyImprovements(t *testing.T) {
	r := NewReduceLROnPlateau(0.5, 2)
	lr := 1e-3
	for i, loss := range []float64{1.0, 0.99995, 0.99992} {
		next, reduced := r.Observe(loss, lr)
		if i < 2 && reduced {
			t.Fatalf("reduced too early at step %d", i)
		}
		lr = next
	}
	if lr != 5e-4 {
		t.Fatalf("lr = %g, want 5e-4", lr)
	}
}

func TestBestCheckpointOnlyOnImprovement(t *testing.T) {
	b := NewBestCheckpoint("ckpt")
	got := []bool{b.Observe(1), b.Observe(1), b.Observe(0.5), b.Observe(0.7)}
	want := []bool{true, false, true, false}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("step %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestCrossEntropyClipsProbabilities(t *testing.T) {
	loss := CrossEntropy([][]float32{{0, 1}}, []int{0})
	if want := -math.Log(1e-7); math.Abs(loss-want) > 1e-6 {
		t.Fatalf("loss = %g, want %g", loss, want)
	}
	if !math.IsNaN(CrossEntropy(nil, nil)) {
		t.Fatal("empty input must give NaN")
	}
}

func TestFitStopsEarlyAndRestoresBest(t *testing.T) {
	const size = 4
	m := &scriptedModel{
		sampleSize: size,
		numClasses: 2,
		lr:         1e-3,
		quality:    []float32{0.6, 0.7, 0.8, 0.8, 0.8, 0.8, 0.8, 0.8, 0.8, 0.9},
	}
	var seen []EpochMetrics
	dir := filepath.Join(t.TempDir(), "checkpoint")
	res, err := Fit(context.Background(), m, scriptedData(size, 0, 1, 0, 1), scriptedData(size, 0, 1), FitOptions{
		Epochs:          30,
		BatchSize:       2,
		Patience:        6,
		PlateauPatience: 3,
		PlateauFactor:   0.5,
		CheckpointDir:   dir,
		OnEpoch: func(_ context.Context, em EpochMetrics) error {
			seen = append(seen, em)
			return nil
		},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	if !res.StoppedEarly || len(res.History) != 9 {
		t.Fatalf("expected early stop after 9 epochs, got stopped=%v epochs=%d", res.StoppedEarly, len(res.History))
	}
	if res.BestEpoch != 2 {
		t.Fatalf("best epoch = %d, want 2", res.BestEpoch)
	}
	if !m.restored || m.epochs != 3 {
		t.Fatalf("best weights not restored: restored=%v epochs=%d", m.restored, m.epochs)
	}
	if len(m.saves) != 3 || !res.CheckpointUsed {
		t.Fatalf("expected 3 checkpoint saves, got %d", len(m.saves))
	}
	if len(seen) != len(res.History) {
		t.Fatalf("OnEpoch called %d times", len(seen))
	}

	// Plateau after epoch 2: reduced once after epoch 5 and once after epoch 8.
	for i, em := range res.History {
		want := 1e-3
		if i >= 6 {
			want = 5e-4
		}
		if math.Abs(em.LR-want) > 1e-12 {
			t.Fatalf("epoch %d lr = %g, want %g", i, em.LR, want)
		}
	}
	if math.Abs(m.lr-2.5e-4) > 1e-12 {
		t.Fatalf("final lr = %g", m.lr)
	}
	if want := -math.Log(0.8); math.Abs(res.BestValLoss-want) > 1e-6 {
		t.Fatalf("best val loss = %g, want %g", res.BestValLoss, want)
	}
}

func TestFitRunsAllEpochsWhileImproving(t *testing.T) {
	const size = 2
	m := &scriptedModel{sampleSize: size, numClasses: 3, lr: 1e-4, quality: []float32{0.4, 0.5, 0.6}}
	res, err := Fit(context.Background(), m, scriptedData(size, 0, 1, 2), scriptedData(size, 2, 1), FitOptions{
		Epochs: 3, BatchSize: 32, Patience: 6, PlateauPatience: 3, PlateauFactor: 0.5,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if res.StoppedEarly || len(res.History) != 3 || m.restored {
		t.Fatalf("unexpected result %+v restored=%v", res, m.restored)
	}
	last := res.History[2]
	if last.Accuracy != 1 || last.ValAccuracy != 1 {
		t.Fatalf("accuracy = %g/%g", last.Accuracy, last.ValAccuracy)
	}
}

func TestFitAugmentsEveryEpoch(t *testing.T) {
	const size = 3
	m := &scriptedModel{sampleSize: size, numClasses: 2, lr: 1e-3, quality: []float32{0.7}}
	calls := 0
	_, err := Fit(context.Background(), m, scriptedData(size, 0, 1), scriptedData(size, 1), FitOptions{
		Epochs: 2, BatchSize: 1, Patience: 6, PlateauPatience: 3, PlateauFactor: 0.5,
		Augment: func(s []float32) ([]float32, error) {
			calls++
			return append([]float32(nil), s...), nil
		},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if calls != 4 {
		t.Fatalf("augment called %d times, want 4", calls)
	}
}

func TestFitPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	m := &scriptedModel{sampleSize: 1, numClasses: 2, lr: 1e-3, quality: []float32{0.7}, fitErr: boom}
	_, err := Fit(context.Background(), m, scriptedData(1, 0, 1), scriptedData(1, 1), FitOptions{Epochs: 1, BatchSize: 1}, zap.NewNop())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped fit error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.fitErr = nil
	if _, err := Fit(ctx, m, scriptedData(1, 0), scriptedData(1, 1), FitOptions{Epochs: 1}, zap.NewNop()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := Fit(context.Background(), m, Data{}, scriptedData(1, 1), FitOptions{Epochs: 1}, zap.NewNop()); err == nil {
		t.Fatal("expected error for empty training data")
	}
}
