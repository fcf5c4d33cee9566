package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/irisdx/internal/config"
	"github.com/example/irisdx/internal/dataset"
	"github.com/example/irisdx/internal/evaluation"
	"github.com/example/irisdx/internal/imaging"
	"github.com/example/irisdx/internal/inference"
	"github.com/example/irisdx/internal/logging"
	"github.com/example/irisdx/internal/model"
	"github.com/example/irisdx/internal/tracking"
	"github.com/example/irisdx/internal/training"
)

func newTrainCmd(a *app) *cobra.Command {
	var (
		epochs     int
		batchSize  int
		experiment string
		variant    string
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a classifier on the prepared archive and track the run",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("epochs") {
				a.cfg.Train.Epochs = epochs
			}
			if flags.Changed("batch-size") {
				a.cfg.Train.BatchSize = batchSize
			}
			if flags.Changed("experiment-name") {
				a.cfg.ExperimentName = experiment
			}
			if flags.Changed("variant") {
				a.cfg.Train.Variant = variant
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			runner, err := tracking.NewRunner(ctx, a.cfg.TrackingURI, a.cfg.ExperimentName, a.logger)
			if err != nil {
				return logging.NewOperationError("train.tracking", a.cfg.ExperimentName, err)
			}
			var opts []training.Option
			if a.cfg.Train.Augment() {
				opts = append(opts, training.WithAugmenter(imaging.NewAugmenter(dataset.ImageSize, a.cfg.Seed).Apply))
			}
			stage := training.New(a.cfg, runner, training.ClassifierFactory(a.logger), a.logger, opts...)
			res, err := stage.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Describe())
			return nil
		}),
	}
	flags := cmd.Flags()
	flags.IntVar(&epochs, "epochs", 0, "maximum number of epochs")
	flags.IntVar(&batchSize, "batch-size", 0, "samples per training step")
	flags.StringVar(&experiment, "experiment-name", "", "tracking experiment (default $"+config.EnvExperimentName+")")
	flags.StringVar(&variant, "variant", "", "model variant: cnn or transfer")
	return cmd
}

func newEvaluateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the newest model on the test split",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			runner, err := tracking.NewRunner(ctx, a.cfg.TrackingURI, config.EvaluationExperiment, a.logger)
			if err != nil {
				// Evaluation never fails on tracking.
				a.logger.Warn("tracking unavailable, continuing without it", zap.Error(err))
				runner = tracking.Noop{}
			}
			stage := evaluation.New(evaluationLoader(a.cfg.Train.BackboneDir, a.logger), runner, a.logger)
			res, err := stage.Run(ctx, evaluation.Options{
				ProcessedPath: a.cfg.ProcessedPath,
				ModelsDir:     a.cfg.ModelsDir,
				ArtifactsDir:  a.cfg.ArtifactsDir,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accuracy %.4f on %s, report %s\n",
				res.Report.Accuracy, res.Report.ModelPath, res.ReportPath)
			return nil
		}),
	}
}

func newPredictCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "predict <image>",
		Short: "Classify one image with the newest model",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			p := inference.New(a.cfg.ModelsDir, imaging.NewPipeline(a.logger, imaging.DefaultParams()), inferenceLoader(a.cfg.Train.BackboneDir, a.logger), a.logger)
			if err := p.Reload(); err != nil {
				return logging.NewOperationError("predict.load", a.cfg.ModelsDir, err)
			}
			pred, err := p.PredictFile(args[0])
			if err != nil {
				return logging.NewOperationError("predict.image", args[0], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pred)
		}),
	}
}

func evaluationLoader(backboneDir string, logger *zap.Logger) evaluation.Loader {
	return func(dir string) (evaluation.Predictor, error) {
		c, err := model.Load(dir, backboneDir, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func inferenceLoader(backboneDir string, logger *zap.Logger) inference.Loader {
	return func(dir string) (inference.Model, error) {
		c, err := model.Load(dir, backboneDir, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
