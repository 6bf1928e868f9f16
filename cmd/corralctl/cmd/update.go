package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/corral/internal/corralctl"
)

func updateCmd(a *corralctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Changes nodes or partitions",
	}
	cmd.AddCommand(updateNodeCmd(a), updatePartitionCmd(a))
	return cmd
}

func updateNodeCmd(a *corralctl.App) *cobra.Command {
	args := corralctl.UpdateNodeArgs{}
	var features string
	cmd := &cobra.Command{
		Use:   "node hostlist",
		Short: "Changes the state of nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			args.Names = positional[0]
			if cmd.Flags().Changed("features") {
				args.Features = &features
			}
			return a.UpdateNode(args)
		},
	}
	cmd.Flags().StringVar(&args.State, "state", "", "new state: DRAIN, RESUME, DOWN, FAIL, IDLE, POWER_DOWN or POWER_UP")
	cmd.Flags().StringVar(&args.Reason, "reason", "", "reason, required for DRAIN, DOWN and FAIL")
	cmd.Flags().StringVar(&features, "features", "", "comma separated features replacing the current ones")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func updatePartitionCmd(a *corralctl.App) *cobra.Command {
	args := corralctl.UpdatePartitionArgs{}
	var (
		state, maxTime, shared       string
		maxNodes, minNodes, priority uint32
		isDefault                    bool
	)
	cmd := &cobra.Command{
		Use:   "partition name",
		Short: "Changes the attributes of a partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			args.Name = positional[0]
			flags := cmd.Flags()
			if flags.Changed("state") {
				args.State = &state
			}
			if flags.Changed("max-time") {
				args.MaxTime = &maxTime
			}
			if flags.Changed("shared") {
				args.Shared = &shared
			}
			if flags.Changed("max-nodes") {
				args.MaxNodes = &maxNodes
			}
			if flags.Changed("min-nodes") {
				args.MinNodes = &minNodes
			}
			if flags.Changed("priority") {
				args.Priority = &priority
			}
			if flags.Changed("default") {
				args.Default = &isDefault
			}
			return a.UpdatePartition(args)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "UP, DOWN, DRAIN or INACTIVE")
	cmd.Flags().StringVar(&maxTime, "max-time", "", "maximum time limit of jobs")
	cmd.Flags().StringVar(&shared, "shared", "", "NO, YES, FORCE or EXCLUSIVE")
	cmd.Flags().Uint32Var(&maxNodes, "max-nodes", 0, "maximum nodes per job")
	cmd.Flags().Uint32Var(&minNodes, "min-nodes", 0, "minimum nodes per job")
	cmd.Flags().Uint32Var(&priority, "priority", 0, "scheduling priority")
	cmd.Flags().BoolVar(&isDefault, "default", false, "make this the default partition")
	return cmd
}
