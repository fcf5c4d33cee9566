package preprocess

import (
	"context"
	"fmt"
	"io"

	"github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"

	"github.com/example/irisdx/internal/dataset"
	"github.com/example/irisdx/internal/imaging"
	"github.com/example/irisdx/internal/logging"
)

// HoldOut is the share of samples that leave training; it is split evenly
// into validation and test.
const HoldOut = 0.3

const progressBar pb.ProgressBarTemplate = `{{with string . "prefix"}}{{.}} {{end}}{{counters . }} {{bar . }} {{percent . }}`

// Options controls one preprocessing run.
type Options struct {
	RawDir     string
	OutputPath string
	Seed       int64
	// Progress receives the progress bar; nil disables it.
	Progress io.Writer
}

// Result summarises what was written.
type Result struct {
	Path      string
	Processed int
	Skipped   int
	Train     int
	Val       int
	Test      int
	Classes   []string
}

type Stage struct {
	processor imaging.Processor
	logger    *zap.Logger
}

func New(logger *zap.Logger, processor imaging.Processor) *Stage {
	return &Stage{processor: processor, logger: logger}
}

// Run processes every raw image, splits the survivors 70/15/15 per class and
// writes the archive to opts.OutputPath, replacing any previous one.
func (s *Stage) Run(ctx context.Context, opts Options) (*Result, error) {
	images, err := dataset.ListRaw(opts.RawDir)
	if err != nil {
		return nil, logging.NewOperationError("preprocess.list", opts.RawDir, err)
	}

	progress := opts.Progress
	if progress == nil {
		progress = io.Discard
	}
	bar := progressBar.New(len(images))
	bar.SetWriter(progress)
	bar.Set("prefix", "preprocessing:")
	bar.Start()

	all := dataset.Split{}
	skipped := 0
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			bar.Finish()
			return nil, err
		}
		sample, err := s.processor.ProcessFile(img.Path)
		bar.Increment()
		if err != nil {
			skipped++
			logging.WithOperation(s.logger, "preprocess.image", img.Rel).
				Warn("failed to process image", zap.Error(err))
			continue
		}
		if len(sample) != dataset.SampleSize() {
			skipped++
			logging.WithOperation(s.logger, "preprocess.image", img.Rel).
				Warn("unexpected sample size", zap.Int("values", len(sample)))
			continue
		}
		all.Features = append(all.Features, sample...)
		all.Labels = append(all.Labels, img.Label)
	}
	bar.Finish()

	if all.Len() == 0 {
		return nil, logging.NewOperationError("preprocess.collect", opts.RawDir, dataset.ErrEmpty)
	}

	train, val, test, err := dataset.ThreeWaySplit(all.Labels, HoldOut, opts.Seed)
	if err != nil {
		return nil, logging.NewOperationError("preprocess.split", opts.RawDir, err)
	}

	archive := &dataset.Archive{
		Train: all.Subset(train),
		Val:   all.Subset(val),
		Test:  all.Subset(test),
	}
	if err := dataset.WriteArchive(opts.OutputPath, archive); err != nil {
		return nil, logging.NewOperationError("preprocess.write", opts.OutputPath, err)
	}

	_, classes := dataset.GroupByLabel(images)
	res := &Result{
		Path:      opts.OutputPath,
		Processed: all.Len(),
		Skipped:   skipped,
		Train:     archive.Train.Len(),
		Val:       archive.Val.Len(),
		Test:      archive.Test.Len(),
		Classes:   classes,
	}
	s.logger.Info("dataset prepared",
		zap.String("path", res.Path),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("train", res.Train),
		zap.Int("val", res.Val),
		zap.Int("test", res.Test),
	)
	return res, nil
}

// Describe renders a one-line summary for the CLI.
func (r *Result) Describe() string {
	return fmt.Sprintf("wrote %s: %d processed, %d skipped (train=%d val=%d test=%d)",
		r.Path, r.Processed, r.Skipped, r.Train, r.Val, r.Test)
}
