package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/example/irisdx/internal/dataset"
	"github.com/example/irisdx/internal/labels"
	"github.com/example/irisdx/internal/logging"
	"github.com/example/irisdx/internal/metrics"
	"github.com/example/irisdx/internal/plotting"
	"github.com/example/irisdx/internal/registry"
	"github.com/example/irisdx/internal/tracking"
)

const (
	ReportFile    = "evaluation_report.json"
	ConfusionFile = "confusion_matrix.png"
	ROCFile       = "roc.png"
)

// Predictor scores samples laid out back to back.
type Predictor interface {
	Predict(x []float32) ([][]float32, error)
}

// Loader opens the model stored in dir.
type Loader func(dir string) (Predictor, error)

// Report is written to evaluation_report.json.
type Report struct {
	ConfusionMatrix      [][]int            `json:"confusion_matrix"`
	ClassificationReport *metrics.Report    `json:"classification_report"`
	Accuracy             float64            `json:"accuracy"`
	Classes              []string           `json:"classes"`
	ModelPath            string             `json:"model_path"`
	ROCAUC               map[string]float64 `json:"roc_auc,omitempty"`
}

// Result lists the report and the files written.
type Result struct {
	Report       *Report
	ReportPath   string
	ConfusionPNG string
	// ROCPNG is empty when no curve could be drawn.
	ROCPNG string
}

type Options struct {
	ProcessedPath string
	ModelsDir     string
	ArtifactsDir  string
}

// Stage evaluates the newest model on the held-out test split.
type Stage struct {
	load   Loader
	runner tracking.Runner
	logger *zap.Logger
	now    func() time.Time
}

// New returns an evaluation stage. runner receives the artifacts; tracking
// failures are logged and never fail the evaluation.
func New(load Loader, runner tracking.Runner, logger *zap.Logger) *Stage {
	if runner == nil {
		runner = tracking.Noop{}
	}
	return &Stage{load: load, runner: runner, logger: logger, now: time.Now}
}

// classNames prefers the class list saved by the trainer and falls back to
// the distinct test labels, ordered the way labels.Fit orders them.
func (s *Stage) classNames(modelsDir string, test dataset.Split) (*labels.Encoder, error) {
	path := filepath.Join(modelsDir, labels.FileName)
	enc, err := labels.Load(path)
	if err == nil {
		return enc, nil
	}
	s.logger.Warn("label classes unavailable, using test labels", zap.String("path", path), zap.Error(err))
	return labels.Fit(test.Labels)
}

func (s *Stage) Run(ctx context.Context, opts Options) (*Result, error) {
	modelPath, err := registry.Resolve(opts.ModelsDir)
	if err != nil {
		return nil, logging.NewOperationError("evaluate.discover", opts.ModelsDir, err)
	}
	logger := logging.WithOperation(s.logger, "evaluate", modelPath)
	logger.Info("evaluating model")

	test, err := dataset.LoadTestSplit(opts.ProcessedPath)
	if err != nil {
		return nil, logging.NewOperationError("evaluate.load", opts.ProcessedPath, err)
	}
	enc, err := s.classNames(opts.ModelsDir, test)
	if err != nil {
		return nil, logging.NewOperationError("evaluate.classes", opts.ModelsDir, err)
	}
	yTrue, err := enc.Coerce(test.Labels)
	if err != nil {
		return nil, logging.NewOperationError("evaluate.labels", opts.ProcessedPath, err)
	}

	predictor, err := s.load(modelPath)
	if err != nil {
		return nil, logging.NewOperationError("evaluate.model", modelPath, err)
	}
	probs, err := predictor.Predict(test.Features)
	if err != nil {
		return nil, logging.NewOperationError("evaluate.predict", modelPath, err)
	}
	if len(probs) != len(yTrue) {
		return nil, logging.NewOperationError("evaluate.predict", modelPath,
			fmt.Errorf("%w: %d predictions for %d samples", metrics.ErrLengthMismatch, len(probs), len(yTrue)))
	}
	if len(probs) > 0 && len(probs[0]) != enc.Len() {
		return nil, logging.NewOperationError("evaluate.predict", modelPath,
			fmt.Errorf("model scores %d classes, label classes list %d", len(probs[0]), enc.Len()))
	}

	classes := enc.Classes()
	yPred := metrics.Argmax(probs)
	cm, err := metrics.ConfusionMatrix(yTrue, yPred, len(classes))
	if err != nil {
		return nil, logging.NewOperationError("evaluate.metrics", modelPath, err)
	}
	cr, err := metrics.NewReport(yTrue, yPred, classes)
	if err != nil {
		return nil, logging.NewOperationError("evaluate.metrics", modelPath, err)
	}
	report := &Report{
		ConfusionMatrix:      cm,
		ClassificationReport: cr,
		Accuracy:             cr.Accuracy,
		Classes:              classes,
		ModelPath:            modelPath,
	}
	logger.Info("evaluation finished", zap.Float64("accuracy", report.Accuracy))
	logger.Debug("classification report\n" + cr.String())

	if err := os.MkdirAll(opts.ArtifactsDir, 0o755); err != nil {
		return nil, logging.NewOperationError("evaluate.write", opts.ArtifactsDir, err)
	}
	res := &Result{
		Report:       report,
		ReportPath:   filepath.Join(opts.ArtifactsDir, ReportFile),
		ConfusionPNG: filepath.Join(opts.ArtifactsDir, ConfusionFile),
	}
	if err := plotting.ConfusionMatrix(cm, classes, res.ConfusionPNG); err != nil {
		return nil, logging.NewOperationError("evaluate.plot", res.ConfusionPNG, err)
	}

	curves, err := metrics.OneVsRestROC(yTrue, probs, classes)
	if err == nil {
		rocPath := filepath.Join(opts.ArtifactsDir, ROCFile)
		err = plotting.ROC(curves, rocPath)
		if err == nil {
			res.ROCPNG = rocPath
			report.ROCAUC = make(map[string]float64, len(curves))
			for _, c := range curves {
				report.ROCAUC[c.Class] = c.AUC
			}
		}
	}
	if err != nil {
		logger.Warn("skipping ROC curve", zap.Error(err))
	}

	if err := writeReport(res.ReportPath, report); err != nil {
		return nil, logging.NewOperationError("evaluate.write", res.ReportPath, err)
	}
	logger.Info("evaluation report written", zap.String("path", res.ReportPath))

	s.track(ctx, res, logger)
	return res, nil
}

func writeReport(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *Stage) track(ctx context.Context, res *Result, logger *zap.Logger) {
	name := fmt.Sprintf("evaluation_%d", s.now().Unix())
	err := s.runner.WithRun(ctx, name, func(ctx context.Context, run tracking.Recorder) error {
		if err := run.LogParam(ctx, "model_path", res.Report.ModelPath); err != nil {
			return err
		}
		if err := run.LogMetric(ctx, "accuracy", res.Report.Accuracy, 0); err != nil {
			return err
		}
		for _, path := range []string{res.ReportPath, res.ConfusionPNG, res.ROCPNG} {
			if path == "" {
				continue
			}
			if err := run.LogArtifact(ctx, path, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("failed to track evaluation", zap.Error(err))
	}
}
