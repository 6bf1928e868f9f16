package cmd

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/armadaproject/corral/internal/agent"
	"github.com/armadaproject/corral/internal/common"
)

const nodeNameFlag = "node-name"

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "corrald",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "The corral node agent",
	}
	cmd.AddCommand(
		runCmd(),
		stepExecCmd(),
	)
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the agent for this node",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return common.BindCommandlineArguments(cmd)
		},
		RunE: runAgent,
	}
	common.AddConfigFlag(cmd)
	cmd.Flags().String(nodeNameFlag, "", "name of this node in the cluster configuration (default: short host name)")
	return cmd
}

func runAgent(_ *cobra.Command, _ []string) error {
	config, _, err := common.LoadConfig()
	if err != nil {
		return err
	}
	nodeName := viper.GetString(nodeNameFlag)
	if nodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			return errors.WithStack(err)
		}
		nodeName, _, _ = strings.Cut(host, ".")
	}
	return agent.Run(config, nodeName)
}

// stepExecCmd applies resource limits and then executes a task. The agent runs it between fork and exec when
// TaskSpawnType is spawn/helper.
func stepExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:                agent.StepExecCommand + " [--rlimit resource:cur:max]... -- program [args]...",
		Short:              "Executes a task with resource limits applied",
		Hidden:             true,
		DisableFlagParsing: true,
		Run: func(_ *cobra.Command, args []string) {
			err := agent.StepExec(args)
			_, _ = os.Stderr.WriteString("corrald stepexec: " + err.Error() + "\n")
			// The exit status a shell uses for a command it cannot run.
			os.Exit(127)
		},
	}
}
