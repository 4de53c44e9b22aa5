package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openfluke/loompatch/config"
	"github.com/openfluke/loompatch/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loompatch",
		Short: "Activation patching for loom transformers",
		Long: `loompatch measures how much of a behaviour difference between two prompts
each layer and token position is responsible for.

Activations are captured from a source prompt and spliced, one layer and one
position at a time, into a run on a destination prompt. Every cell of the
resulting matrix is the normalized recovery of the correct-vs-incorrect logit
difference.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to loompatch.yaml")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newPatchCmd(),
		newInspectCmd(),
		newExportCmd(),
		newDevicesCmd(),
	)
	return rootCmd
}

// loadConfig reads --config and builds the logger it describes.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
