package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/corral/internal/common"
	"github.com/armadaproject/corral/internal/controller"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "corralctld",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "The corral controller",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return common.BindCommandlineArguments(cmd)
		},
		RunE: runController,
	}
	common.AddConfigFlag(cmd)
	cmd.AddCommand(checkConfigCmd())
	return cmd
}

func runController(_ *cobra.Command, _ []string) error {
	cfg, path, err := common.LoadConfig()
	if err != nil {
		return err
	}
	return controller.Run(cfg, path)
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validates the cluster configuration file and prints the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := common.LoadConfig()
			if err != nil {
				return err
			}
			cmd.Println(cfg.String())
			return nil
		},
	}
}
