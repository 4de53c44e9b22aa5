package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfluke/loompatch/gpu"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Describe the GPU adapter used for device: gpu models",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := gpu.Probe()
			if err != nil {
				return fmt.Errorf("no usable GPU: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			fmt.Fprintf(out, "%s (%s, %s)\n", rep.Name, rep.AdapterType, rep.Backend)
			fmt.Fprintf(out, "  vendor %s device %s driver %q\n", rep.VendorID, rep.DeviceID, rep.Driver)
			fmt.Fprintf(out, "  workgroup %d, max binding %d bytes\n", rep.Workgroup, rep.Limits.MaxStorageBufferBindingSize)
			return nil
		},
	}
}
