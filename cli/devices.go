package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/d1nch8g/ptt/pa"
)

// DevicesCmd lists the audio devices PortAudio can see
func DevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input and output devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := pa.Devices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No audio devices found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tHOST API\tIN\tOUT\tRATE")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.0f\n", d.Name, d.HostAPI, d.InputChannels, d.OutputChannels, d.SampleRate)
			}
			return w.Flush()
		},
	}
}
