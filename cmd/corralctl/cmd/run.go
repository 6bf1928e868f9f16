package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/armadaproject/corral/internal/common/app"
	"github.com/armadaproject/corral/internal/corralctl"
)

func runCmd(a *corralctl.App) *cobra.Command {
	args := corralctl.RunArgs{}
	cmd := &cobra.Command{
		Use:   "run [flags] command [args...]",
		Short: "Runs a command as an interactive job",
		Long:  `Allocates resources and runs the command on them, connecting its tasks to this terminal. The job is cancelled on interrupt.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			args.Argv = positional
			code, err := a.Run(app.CreateContextWithShutdown(), args)
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	addJobFlags(cmd.Flags(), &args.JobArgs)
	cmd.Flags().BoolVarP(&args.Labelled, "label", "l", false, "prefix output lines with the task id")
	cmd.Flags().StringVar(&args.AdvertiseHost, "advertise-host", "", "host name node agents use to reach this process (default: this host's name)")
	return cmd
}
