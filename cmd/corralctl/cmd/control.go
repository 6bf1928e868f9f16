package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/corral/internal/corralctl"
)

func pingCmd(a *corralctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Checks the controller is answering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.Ping()
		},
	}
}

func reconfigureCmd(a *corralctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "reconfigure",
		Short: "Makes the controller reread its configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.Reconfigure()
		},
	}
}

func shutdownCmd(a *corralctl.App) *cobra.Command {
	var immediate bool
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stops the controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.Shutdown(immediate)
		},
	}
	cmd.Flags().BoolVar(&immediate, "immediate", false, "skip the final state checkpoint")
	return cmd
}
