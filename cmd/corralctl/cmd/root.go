package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/corral/internal/common"
	"github.com/armadaproject/corral/internal/corralctl"
	"github.com/armadaproject/corral/pkg/client"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	app := corralctl.New(nil)
	var defaults string
	cmd := &cobra.Command{
		Use:          "corralctl",
		SilenceUsage: true,
		Short:        "corralctl submits, runs and inspects jobs of a corral cluster.",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := client.LoadCommandlineArgsFromConfigFile(defaults); err != nil {
				return err
			}
			if err := common.BindCommandlineArguments(cmd); err != nil {
				return err
			}
			c, _, err := client.ExtractCommandlineClient()
			if err != nil {
				return err
			}
			app.Controller = c
			return nil
		},
	}
	common.AddConfigFlag(cmd)
	cmd.PersistentFlags().StringVar(&defaults, "defaults", "", "YAML file of flag defaults (default: ~/.corralctl.yaml)")

	cmd.AddCommand(
		submitCmd(app),
		runCmd(app),
		cancelCmd(app),
		queueCmd(app),
		nodesCmd(app),
		partitionsCmd(app),
		updateCmd(app),
		pingCmd(app),
		reconfigureCmd(app),
		shutdownCmd(app),
	)
	return cmd
}
