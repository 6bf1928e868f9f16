package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/corral/internal/corralctl"
)

func cancelCmd(a *corralctl.App) *cobra.Command {
	var signal string
	cmd := &cobra.Command{
		Use:   "cancel job[.step]...",
		Short: "Cancels jobs or signals job steps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, ids []string) error {
			return a.Cancel(ids, signal)
		},
	}
	cmd.Flags().StringVar(&signal, "signal", "", "signal to send instead of cancelling, by name or number")
	return cmd
}
