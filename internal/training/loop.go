package training

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/example/irisdx/internal/metrics"
	"github.com/example/irisdx/internal/model"
)

// Model is what the loop needs from a classifier. *model.Classifier
// implements it.
type Model interface {
	FitEpoch(x []float32, y []int, batchSize int) error
	Predict(x []float32) ([][]float32, error)
	LearningRate() float64
	SetLearningRate(lr float64) error
	Snapshot() (model.Weights, error)
	Restore(w model.Weights) error
	Save(dir string) error
	Summary() string
}

// Data is an encoded split.
type Data struct {
	X []float32
	Y []int
}

// EpochMetrics is one entry of the training history.
type EpochMetrics struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
	LR          float64 `json:"lr"`
}

// FitOptions configures Fit.
type FitOptions struct {
	Epochs          int
	BatchSize       int
	Patience        int
	PlateauPatience int
	PlateauFactor   float64
	// CheckpointDir receives the best model; empty disables checkpointing.
	CheckpointDir string
	// Augment, when set, transforms every training sample once per epoch.
	Augment func(sample []float32) ([]float32, error)
	// OnEpoch is called after the policies ran for the epoch.
	OnEpoch func(ctx context.Context, m EpochMetrics) error
}

// FitResult describes how training ended.
type FitResult struct {
	History        []EpochMetrics
	StoppedEarly   bool
	BestEpoch      int
	BestValLoss    float64
	CheckpointUsed bool
}

const probEpsilon = 1e-7

// CrossEntropy is the mean negative log-probability of the true class, with
// probabilities clipped to [1e-7, 1-1e-7].
func CrossEntropy(probs [][]float32, y []int) float64 {
	if len(y) == 0 {
		return math.NaN()
	}
	total := 0.0
	for i, row := range probs {
		p := math.Min(math.Max(float64(row[y[i]]), probEpsilon), 1-probEpsilon)
		total -= math.Log(p)
	}
	return total / float64(len(y))
}

// Evaluate predicts d and returns loss, accuracy and the probabilities.
func Evaluate(m Model, d Data) (loss, acc float64, probs [][]float32, err error) {
	probs, err = m.Predict(d.X)
	if err != nil {
		return 0, 0, nil, err
	}
	if len(probs) != len(d.Y) {
		return 0, 0, nil, fmt.Errorf("%w: %d predictions for %d labels", metrics.ErrLengthMismatch, len(probs), len(d.Y))
	}
	return CrossEntropy(probs, d.Y), metrics.Accuracy(d.Y, metrics.Argmax(probs)), probs, nil
}

func augmentAll(x []float32, size int, fn func([]float32) ([]float32, error)) ([]float32, error) {
	out := make([]float32, 0, len(x))
	for start := 0; start < len(x); start += size {
		s, err := fn(x[start : start+size])
		if err != nil {
			return nil, err
		}
		out = append(out, s...)
	}
	return out, nil
}

// Fit trains m for at most opts.Epochs epochs. After every epoch train and
// validation loss/accuracy are measured and early stopping, learning-rate
// reduction and best-model checkpointing all look at the validation loss.
// When early stopping triggers, the best weights are restored.
func Fit(ctx context.Context, m Model, train, val Data, opts FitOptions, logger *zap.Logger) (*FitResult, error) {
	if len(train.Y) == 0 || len(val.Y) == 0 {
		return nil, fmt.Errorf("fit needs training and validation samples, got %d and %d", len(train.Y), len(val.Y))
	}
	sampleSize := len(train.X) / len(train.Y)

	stopper := NewEarlyStopping(opts.Patience)
	plateau := NewReduceLROnPlateau(opts.PlateauFactor, opts.PlateauPatience)
	var checkpoint *BestCheckpoint
	if opts.CheckpointDir != "" {
		checkpoint = NewBestCheckpoint(opts.CheckpointDir)
	}

	res := &FitResult{BestEpoch: -1}
	var best model.Weights
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		x := train.X
		if opts.Augment != nil {
			var err error
			if x, err = augmentAll(train.X, sampleSize, opts.Augment); err != nil {
				return nil, fmt.Errorf("augment epoch %d: %w", epoch, err)
			}
		}
		lr := m.LearningRate()
		if err := m.FitEpoch(x, train.Y, opts.BatchSize); err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		em := EpochMetrics{Epoch: epoch, LR: lr}
		var err error
		if em.Loss, em.Accuracy, _, err = Evaluate(m, train); err != nil {
			return nil, fmt.Errorf("evaluate train after epoch %d: %w", epoch, err)
		}
		if em.ValLoss, em.ValAccuracy, _, err = Evaluate(m, val); err != nil {
			return nil, fmt.Errorf("evaluate val after epoch %d: %w", epoch, err)
		}
		res.History = append(res.History, em)
		logger.Info("epoch finished",
			zap.Int("epoch", epoch+1),
			zap.Float64("loss", em.Loss),
			zap.Float64("accuracy", em.Accuracy),
			zap.Float64("val_loss", em.ValLoss),
			zap.Float64("val_accuracy", em.ValAccuracy),
			zap.Float64("lr", em.LR),
		)

		improved, stop := stopper.Observe(epoch, em.ValLoss)
		if improved {
			if best, err = m.Snapshot(); err != nil {
				return nil, fmt.Errorf("snapshot weights: %w", err)
			}
		}
		if next, reduced := plateau.Observe(em.ValLoss, lr); reduced {
			if err := m.SetLearningRate(next); err != nil {
				return nil, fmt.Errorf("reduce learning rate: %w", err)
			}
			logger.Info("reducing learning rate", zap.Float64("from", lr), zap.Float64("to", next))
		}
		if checkpoint != nil && checkpoint.Observe(em.ValLoss) {
			if err := m.Save(checkpoint.Dir); err != nil {
				return nil, fmt.Errorf("save checkpoint: %w", err)
			}
			res.CheckpointUsed = true
			logger.Debug("checkpoint saved", zap.String("path", checkpoint.Dir), zap.Float64("val_loss", em.ValLoss))
		}
		if opts.OnEpoch != nil {
			if err := opts.OnEpoch(ctx, em); err != nil {
				return nil, err
			}
		}

		if stop {
			res.StoppedEarly = true
			logger.Info("early stopping", zap.Int("epoch", epoch+1))
			if best != nil {
				if err := m.Restore(best); err != nil {
					return nil, fmt.Errorf("restore best weights: %w", err)
				}
			}
			break
		}
	}
	res.BestEpoch, res.BestValLoss = stopper.Best()
	return res, nil
}
