package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/irisdx/internal/config"
	"github.com/example/irisdx/internal/logging"
)

// app carries what every subcommand needs once the root flags are parsed.
type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "irisdx",
		Short:         "Iris image diagnostic pipeline",
		Long:          `irisdx prepares iris images, trains and evaluates a classifier, and serves diagnoses.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(a.verbose)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file (default $"+config.EnvConfigPath+")")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newMetadataCmd(a),
		newSplitCmd(a),
		newPreprocessCmd(a),
		newTrainCmd(a),
		newEvaluateCmd(a),
		newPredictCmd(a),
		newServeCmd(a),
		newTokenCmd(a),
	)
	return root
}

// run wraps a stage so failures are logged once with their operation and
// reported on stderr.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err != nil {
			a.logger.Error("command failed", append(logging.ErrorFields(err), zap.String("command", cmd.Name()))...)
			fmt.Fprintf(cmd.ErrOrStderr(), "irisdx %s: %v\n", cmd.Name(), err)
		}
		return err
	}
}
