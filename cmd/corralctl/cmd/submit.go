package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/armadaproject/corral/internal/corralctl"
)

// addJobFlags adds the resource request flags shared by submit and run.
func addJobFlags(flags *pflag.FlagSet, args *corralctl.JobArgs) {
	flags.StringVarP(&args.Name, "job-name", "J", "", "name of the job")
	flags.StringVarP(&args.Partition, "partition", "p", "", "partition to run in (default: the default partition)")
	flags.StringVarP(&args.Account, "account", "A", "", "account to charge")
	flags.Uint32VarP(&args.Nodes, "nodes", "N", 0, "minimum number of nodes")
	flags.Uint32Var(&args.MaxNodes, "max-nodes", 0, "maximum number of nodes")
	flags.Uint32VarP(&args.Tasks, "ntasks", "n", 0, "number of tasks (default: one per node)")
	flags.Uint32VarP(&args.CpusPerTask, "cpus-per-task", "c", 0, "CPUs per task")
	flags.Uint64Var(&args.MemoryMB, "mem", 0, "minimum real memory per node in MB")
	flags.Uint64Var(&args.TmpDiskMB, "tmp", 0, "minimum temporary disk per node in MB")
	flags.StringSliceVarP(&args.Features, "constraint", "C", nil, "required node features")
	flags.StringVarP(&args.NodeList, "nodelist", "w", "", "hostlist of nodes the job must use")
	flags.StringVarP(&args.Exclude, "exclude", "x", "", "hostlist of nodes the job must not use")
	flags.BoolVar(&args.Contiguous, "contiguous", false, "require nodes adjacent in the configuration")
	flags.BoolVarP(&args.Shared, "share", "s", false, "allow sharing nodes with other jobs")
	flags.BoolVarP(&args.Immediate, "immediate", "I", false, "fail unless resources are available now")
	flags.StringVarP(&args.TimeLimit, "time", "t", "", "time limit, e.g. 30, 1:00:00 or 2-00")
	flags.StringVarP(&args.WorkDir, "chdir", "D", "", "working directory (default: the current directory)")
	flags.Int32Var(&args.Nice, "nice", 0, "priority adjustment")
}

func submitCmd(a *corralctl.App) *cobra.Command {
	args := corralctl.SubmitArgs{}
	cmd := &cobra.Command{
		Use:   "submit [script [args...]]",
		Short: "Queues a batch script",
		Long:  `Queues a batch script. The script is read from standard input if no file, or "-", is given.`,
		RunE: func(cmd *cobra.Command, positional []string) error {
			if len(positional) > 0 {
				args.Script = positional[0]
				args.Args = positional[1:]
			}
			return a.Submit(args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	addJobFlags(cmd.Flags(), &args.JobArgs)
	cmd.Flags().StringVarP(&args.Stdin, "input", "i", "", "file the script reads as standard input")
	cmd.Flags().StringVarP(&args.Stdout, "output", "o", "", "file for standard output; %j expands to the job id")
	cmd.Flags().StringVarP(&args.Stderr, "error", "e", "", "file for standard error (default: the output file)")
	return cmd
}
