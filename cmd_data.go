package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/irisdx/internal/dataset"
	"github.com/example/irisdx/internal/imaging"
	"github.com/example/irisdx/internal/logging"
	"github.com/example/irisdx/internal/preprocess"
)

func newMetadataCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metadata",
		Short: "Record size and color mode of every raw image",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			images, err := dataset.ListRaw(a.cfg.RawDir)
			if err != nil {
				return logging.NewOperationError("metadata.list", a.cfg.RawDir, err)
			}
			items := dataset.CollectMetadata(a.logger, images)
			if err := dataset.WriteMetadata(a.cfg.MetadataPath, items); err != nil {
				return logging.NewOperationError("metadata.write", a.cfg.MetadataPath, err)
			}
			a.logger.Info("metadata written",
				zap.String("path", a.cfg.MetadataPath),
				zap.Int("images", len(items)),
				zap.Int("skipped", len(images)-len(items)),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d images)\n", a.cfg.MetadataPath, len(items))
			return nil
		}),
	}
}

func newSplitCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Copy raw images into train/val/test directories",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("out") {
				a.cfg.SplitDir = out
			}
			images, err := dataset.ListRaw(a.cfg.RawDir)
			if err != nil {
				return logging.NewOperationError("split.list", a.cfg.RawDir, err)
			}
			fs, err := dataset.PartitionFiles(images, dataset.DefaultRatios, a.cfg.Seed)
			if err != nil {
				return logging.NewOperationError("split.partition", a.cfg.RawDir, err)
			}
			if err := dataset.CopySplit(fs, a.cfg.SplitDir); err != nil {
				return logging.NewOperationError("split.copy", a.cfg.SplitDir, err)
			}
			a.logger.Info("raw files split",
				zap.String("dir", a.cfg.SplitDir),
				zap.Int("train", len(fs.Train)),
				zap.Int("val", len(fs.Val)),
				zap.Int("test", len(fs.Test)),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "split %d files into %s (train=%d val=%d test=%d)\n",
				len(images), a.cfg.SplitDir, len(fs.Train), len(fs.Val), len(fs.Test))
			return nil
		}),
	}
	cmd.Flags().StringVar(&out, "out", "", "output directory (overrides split_dir)")
	return cmd
}

func newPreprocessCmd(a *app) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Segment, clean and normalize raw images into the dataset archive",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			opts := preprocess.Options{
				RawDir:     a.cfg.RawDir,
				OutputPath: a.cfg.ProcessedPath,
				Seed:       a.cfg.Seed,
			}
			if !quiet {
				opts.Progress = cmd.ErrOrStderr()
			}
			stage := preprocess.New(a.logger, imaging.NewPipeline(a.logger, imaging.DefaultParams()))
			res, err := stage.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Describe())
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide the progress bar")
	return cmd
}
