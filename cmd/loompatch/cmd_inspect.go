package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfluke/loompatch/registry"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Load a model and print its blueprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			name, _ := cmd.Flags().GetString("model")
			models := registry.New(cfg.Models, logger)
			defer models.Close()
			m, err := models.Get(cmd.Context(), name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(m.Blueprint)
			}

			bp := m.Blueprint
			fmt.Fprintf(out, "%s (%s) on %s\n", bp.ID, bp.ModelType, m.Device)
			fmt.Fprintf(out, "  layers %d, hidden %d, heads %d/%d, intermediate %d, vocab %d\n",
				bp.NumLayers, bp.HiddenSize, bp.NumHeads, bp.NumKVHeads, bp.Intermediate, bp.VocabSize)
			fmt.Fprintf(out, "  parameters %d\n", bp.TotalParams)
			for _, l := range bp.Layers {
				fmt.Fprintf(out, "  layer %d: %v (%d params)\n", l.Index, l.Sites, l.Parameters)
			}
			return nil
		},
	}
	cmd.Flags().String("model", "", "Model name from the config")
	cmd.MarkFlagRequired("model")
	return cmd
}
