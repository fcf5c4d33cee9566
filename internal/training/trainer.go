package training

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/example/irisdx/internal/config"
	"github.com/example/irisdx/internal/dataset"
	"github.com/example/irisdx/internal/labels"
	"github.com/example/irisdx/internal/logging"
	"github.com/example/irisdx/internal/metrics"
	"github.com/example/irisdx/internal/model"
	"github.com/example/irisdx/internal/registry"
	"github.com/example/irisdx/internal/tracking"
)

// Factory builds an untrained model for spec.
type Factory func(spec model.Spec) (Model, error)

// ClassifierFactory builds GoMLX classifiers.
func ClassifierFactory(logger *zap.Logger) Factory {
	return func(spec model.Spec) (Model, error) {
		return model.New(spec, logger)
	}
}

// Result is the summary printed after a successful run.
type Result struct {
	RunID          string
	ModelPath      string
	CheckpointPath string
	TestAccuracy   float64
	TestLoss       float64
	StoppedEarly   bool
	Epochs         int
	Classes        []string
	Confusion      [][]int

	// RegisteredVersion is empty unless the model was registered.
	RegisteredVersion string

	stamp int64
}

func (r *Result) Describe() string {
	run := r.RunID
	if run == "" {
		run = "(tracking disabled)"
	}
	return fmt.Sprintf("run %s: model %s, checkpoint %s, test accuracy %.4f, test loss %.4f",
		run, r.ModelPath, r.CheckpointPath, r.TestAccuracy, r.TestLoss)
}

// Stage trains one model per Run.
type Stage struct {
	cfg     *config.Config
	runner  tracking.Runner
	factory Factory
	augment func([]float32) ([]float32, error)
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Stage)

// WithAugmenter transforms every training sample once per epoch.
func WithAugmenter(fn func([]float32) ([]float32, error)) Option {
	return func(s *Stage) { s.augment = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Stage) { s.now = now }
}

func New(cfg *config.Config, runner tracking.Runner, factory Factory, logger *zap.Logger, opts ...Option) *Stage {
	s := &Stage{cfg: cfg, runner: runner, factory: factory, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type encodedSplits struct {
	encoder          *labels.Encoder
	train, val, test Data
}

func encode(a *dataset.Archive) (*encodedSplits, error) {
	enc, err := labels.Fit(a.Train.Labels)
	if err != nil {
		return nil, err
	}
	out := &encodedSplits{encoder: enc}
	for _, s := range []struct {
		split dataset.Split
		dst   *Data
		name  string
	}{
		{a.Train, &out.train, "train"},
		{a.Val, &out.val, "val"},
		{a.Test, &out.test, "test"},
	} {
		y, err := enc.Transform(s.split.Labels)
		if err != nil {
			return nil, fmt.Errorf("encode %s labels: %w", s.name, err)
		}
		*s.dst = Data{X: s.split.Features, Y: y}
	}
	return out, nil
}

func (s *Stage) spec(numClasses int) (model.Spec, error) {
	variant, err := model.ParseVariant(s.cfg.Train.Variant)
	if err != nil {
		return model.Spec{}, err
	}
	lr := s.cfg.Train.LearningRate
	if lr == 0 {
		lr = variant.DefaultLearningRate()
	}
	return model.Spec{
		Variant:      variant,
		NumClasses:   numClasses,
		InputShape:   []int{dataset.ImageSize, dataset.ImageSize, dataset.Channels},
		LearningRate: lr,
		BackboneDir:  s.cfg.Train.BackboneDir,
	}, nil
}

// Run loads the prepared archive, trains, evaluates on the test split,
// persists the model and records everything in one tracked run.
func (s *Stage) Run(ctx context.Context) (*Result, error) {
	archive, err := dataset.LoadArchive(s.cfg.ProcessedPath)
	if err != nil {
		return nil, logging.NewOperationError("train.load", s.cfg.ProcessedPath, err)
	}
	splits, err := encode(archive)
	if err != nil {
		return nil, logging.NewOperationError("train.encode", s.cfg.ProcessedPath, err)
	}
	spec, err := s.spec(splits.encoder.Len())
	if err != nil {
		return nil, logging.NewOperationError("train.spec", s.cfg.Train.Variant, err)
	}

	ts := s.now().Unix()
	runName := fmt.Sprintf("run_%d", ts)
	res := &Result{
		stamp:          ts,
		ModelPath:      filepath.Join(s.cfg.ModelsDir, fmt.Sprintf("iris_model_final_%d", ts), "saved_model"),
		CheckpointPath: filepath.Join(s.cfg.ModelsDir, fmt.Sprintf("iris_model_checkpoint_%d", ts)),
	}
	logger := logging.WithOperation(s.logger, "train", runName)
	logger.Info("training started",
		zap.String("variant", string(spec.Variant)),
		zap.Strings("classes", splits.encoder.Classes()),
		zap.Int("train", len(splits.train.Y)),
		zap.Int("val", len(splits.val.Y)),
		zap.Int("test", len(splits.test.Y)),
	)

	err = s.runner.WithRun(ctx, runName, func(ctx context.Context, run tracking.Recorder) error {
		res.RunID = run.ID()
		return s.train(ctx, run, spec, splits, res, logger)
	})
	if err != nil {
		return nil, logging.NewOperationError("train.run", runName, err)
	}
	return res, nil
}

func (s *Stage) train(ctx context.Context, run tracking.Recorder, spec model.Spec, splits *encodedSplits, res *Result, logger *zap.Logger) error {
	tc := s.cfg.Train
	err := run.LogParams(ctx, map[string]any{
		"epochs":        tc.Epochs,
		"batch_size":    tc.BatchSize,
		"input_shape":   fmt.Sprint(spec.InputShape),
		"num_classes":   spec.NumClasses,
		"model_name":    spec.Variant.Name(),
		"variant":       string(spec.Variant),
		"learning_rate": spec.LearningRate,
		"seed":          s.cfg.Seed,
		"augment":       s.augment != nil,
	})
	if err != nil {
		return err
	}

	m, err := s.factory(spec)
	if err != nil {
		return fmt.Errorf("build model: %w", err)
	}

	fit, err := Fit(ctx, m, splits.train, splits.val, FitOptions{
		Epochs:          tc.Epochs,
		BatchSize:       tc.BatchSize,
		Patience:        tc.Patience,
		PlateauPatience: tc.PlateauWindow,
		PlateauFactor:   tc.PlateauFactor,
		CheckpointDir:   res.CheckpointPath,
		Augment:         s.augment,
		OnEpoch: func(ctx context.Context, em EpochMetrics) error {
			for _, kv := range []struct {
				key   string
				value float64
			}{
				{"loss", em.Loss},
				{"accuracy", em.Accuracy},
				{"val_loss", em.ValLoss},
				{"val_accuracy", em.ValAccuracy},
				{"lr", em.LR},
			} {
				if err := run.LogMetric(ctx, kv.key, kv.value, em.Epoch); err != nil {
					return err
				}
			}
			return nil
		},
	}, logger)
	if err != nil {
		return err
	}
	res.StoppedEarly, res.Epochs = fit.StoppedEarly, len(fit.History)

	if err := run.LogText(ctx, m.Summary(), "model_summary.txt"); err != nil {
		return err
	}

	loss, acc, probs, err := Evaluate(m, splits.test)
	if err != nil {
		return fmt.Errorf("evaluate test split: %w", err)
	}
	res.TestLoss, res.TestAccuracy = loss, acc
	logger.Info("test evaluation", zap.Float64("test_loss", loss), zap.Float64("test_accuracy", acc))
	if err := run.LogMetric(ctx, "test_loss", loss, 0); err != nil {
		return err
	}
	if err := run.LogMetric(ctx, "test_accuracy", acc, 0); err != nil {
		return err
	}

	classes := splits.encoder.Classes()
	pred := metrics.Argmax(probs)
	report, err := metrics.NewReport(splits.test.Y, pred, classes)
	if err != nil {
		return err
	}
	cm, err := metrics.ConfusionMatrix(splits.test.Y, pred, len(classes))
	if err != nil {
		return err
	}
	res.Classes, res.Confusion = classes, cm
	logger.Debug("classification report\n" + report.String())
	if err := run.LogDict(ctx, report, "classification_report.json"); err != nil {
		return err
	}
	if err := run.LogDict(ctx, map[string]any{"confusion_matrix": cm, "classes": classes}, "confusion_matrix.json"); err != nil {
		return err
	}
	classJSON, err := json.Marshal(classes)
	if err != nil {
		return err
	}
	if err := run.LogText(ctx, string(classJSON), labels.FileName); err != nil {
		return err
	}

	if err := m.Save(res.ModelPath); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	if err := splits.encoder.Save(filepath.Join(s.cfg.ModelsDir, labels.FileName)); err != nil {
		return fmt.Errorf("save label classes: %w", err)
	}
	if err := registry.Publish(s.cfg.ModelsDir, res.ModelPath, s.now()); err != nil {
		return fmt.Errorf("publish model: %w", err)
	}
	logger.Info("model saved", zap.String("path", res.ModelPath))

	uri, err := run.LogModel(ctx, res.ModelPath, fmt.Sprintf("models/iris_model_%d", res.stamp))
	if err != nil {
		return err
	}
	if uri != "" {
		logger.Info("model logged", zap.String("uri", uri))
		if name := s.cfg.Train.RegisteredModel; name != "" {
			version, err := run.RegisterModel(ctx, name, uri)
			if err != nil {
				return err
			}
			res.RegisteredVersion = version
			logger.Info("model registered", zap.String("name", name), zap.String("version", version))
		}
	}
	return run.LogArtifact(ctx, res.ModelPath, "saved_models")
}
