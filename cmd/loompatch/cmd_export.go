package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfluke/loompatch/nn"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-synthetic",
		Short: "Write a seeded random model as a HuggingFace safetensors directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			var c nn.TransformerConfig
			c.NumLayers, _ = flags.GetInt("layers")
			c.HiddenSize, _ = flags.GetInt("hidden")
			c.NumHeads, _ = flags.GetInt("heads")
			c.NumKVHeads, _ = flags.GetInt("kv-heads")
			c.IntermediateSize, _ = flags.GetInt("intermediate")
			c.VocabSize, _ = flags.GetInt("vocab")
			seed, _ := flags.GetInt64("seed")
			dtype, _ := flags.GetString("dtype")

			if c.NumKVHeads == 0 {
				c.NumKVHeads = c.NumHeads
			}
			if c.IntermediateSize == 0 {
				c.IntermediateSize = 2 * c.HiddenSize
			}

			model, err := nn.NewSyntheticTransformer(c, seed)
			if err != nil {
				return err
			}
			if err := nn.ExportHuggingFace(model, args[0], dtype); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d-layer %s model to %s\n", c.NumLayers, dtype, args[0])
			return nil
		},
	}
	cmd.Flags().Int("layers", 2, "Number of decoder layers")
	cmd.Flags().Int("hidden", 64, "Hidden size")
	cmd.Flags().Int("heads", 4, "Attention heads")
	cmd.Flags().Int("kv-heads", 0, "Key/value heads (default: heads)")
	cmd.Flags().Int("intermediate", 0, "MLP width (default: 2x hidden)")
	cmd.Flags().Int("vocab", 256, "Vocabulary size")
	cmd.Flags().Int64("seed", 1, "Weight seed")
	cmd.Flags().String("dtype", "F32", "Stored dtype: F32, F16 or BF16")
	return cmd
}
