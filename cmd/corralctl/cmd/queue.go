package cmd

import (
	"os/user"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/armadaproject/corral/internal/corralctl"
)

func queueCmd(a *corralctl.App) *cobra.Command {
	args := corralctl.QueueArgs{}
	var userName string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Lists jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userName != "" {
				uid, err := lookupUid(userName)
				if err != nil {
					return err
				}
				args.UserId = &uid
			}
			return a.Queue(args)
		},
	}
	cmd.Flags().StringVarP(&userName, "user", "u", "", "only jobs of this user name or uid")
	cmd.Flags().StringVarP(&args.Partition, "partition", "p", "", "only jobs in this partition")
	cmd.Flags().StringSliceVarP(&args.States, "states", "t", nil, "only jobs in these states")
	cmd.Flags().BoolVarP(&args.Steps, "steps", "s", false, "list the steps of each job")
	return cmd
}

func lookupUid(name string) (uint32, error) {
	if uid, err := strconv.ParseUint(name, 10, 32); err == nil {
		return uint32(uid), nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	return uint32(uid), errors.WithStack(err)
}

func nodesCmd(a *corralctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes [hostlist]",
		Short: "Lists nodes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Nodes(firstOrEmpty(args))
		},
	}
}

func partitionsCmd(a *corralctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "partitions [name]",
		Short: "Lists partitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Partitions(firstOrEmpty(args))
		},
	}
}

func firstOrEmpty(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
