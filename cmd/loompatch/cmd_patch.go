package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfluke/loompatch/backend"
	"github.com/openfluke/loompatch/backend/remote"
	"github.com/openfluke/loompatch/patching"
	"github.com/openfluke/loompatch/registry"
	"github.com/openfluke/loompatch/server"
)

func newPatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Run one activation patching request and print the recovery matrix",
		Example: `  loompatch patch -c loompatch.yaml --model tiny --submodule mlp \
    --source "The Eiffel Tower is in" --destination "The Colosseum is in" \
    --correct 12366 --incorrect 10598 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			flags := cmd.Flags()
			model, _ := flags.GetString("model")
			remoteURL, _ := flags.GetString("remote")
			scheduleName, _ := flags.GetString("schedule")
			spec := patching.PatchSpec{ModelID: model, PatchTokens: true}
			spec.Submodule, _ = flags.GetString("submodule")
			spec.SourcePrompt, _ = flags.GetString("source")
			spec.DestinationPrompt, _ = flags.GetString("destination")
			spec.CorrectID, _ = flags.GetInt("correct")
			spec.IncorrectID, _ = flags.GetInt("incorrect")

			schedule, err := patching.ParseSchedule(scheduleName)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var be backend.ExecutionBackend
			if remoteURL != "" {
				be, err = remote.New(remoteURL, model, remote.WithLogger(logger))
				if err != nil {
					return err
				}
			} else {
				models := registry.New(cfg.Models, logger)
				defer models.Close()
				m, err := models.Get(ctx, model)
				if err != nil {
					return err
				}
				be = m.Backend()
			}

			resp, err := server.Patch(ctx, be, spec,
				patching.WithLogger(logger),
				patching.WithSchedule(schedule))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut, _ := flags.GetBool("json"); jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			printMatrix(out, resp)
			return nil
		},
	}
	cmd.Flags().String("model", "", "Model name from the config")
	cmd.Flags().String("submodule", "blocks", "Part of each layer to patch: attn, mlp or blocks")
	cmd.Flags().String("source", "", "Source (clean) prompt")
	cmd.Flags().String("destination", "", "Destination (corrupted) prompt")
	cmd.Flags().Int("correct", 0, "Vocabulary id of the correct answer")
	cmd.Flags().Int("incorrect", 0, "Vocabulary id of the incorrect answer")
	cmd.Flags().String("remote", "", "Execute on the remote service at this URL")
	cmd.Flags().String("schedule", "layer-major", "Pass order: layer-major or position-major")
	cmd.MarkFlagRequired("model")
	cmd.MarkFlagRequired("correct")
	cmd.MarkFlagRequired("incorrect")
	return cmd
}

func printMatrix(w io.Writer, resp *server.PatchResponse) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprint(tw, "layer\t")
	for _, label := range resp.ColLabels {
		fmt.Fprintf(tw, "%q\t", label)
	}
	fmt.Fprintln(tw)
	for i, row := range resp.Results {
		fmt.Fprintf(tw, "%s\t", resp.RowLabels[i])
		for _, s := range row {
			fmt.Fprintf(tw, "%.3f\t", s)
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%s %s, source diff %.4f, destination diff %.4f, %d passes in %dms\n",
		resp.Model, resp.Submodule, resp.SourceDiff, resp.DestinationDiff, resp.Passes, resp.DurationMS)
}
