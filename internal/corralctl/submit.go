package corralctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/client"
	"github.com/armadaproject/corral/pkg/wire"
)

// JobArgs are the resource request flags shared by submit and run.
type JobArgs struct {
	Name        string
	Partition   string
	Account     string
	Nodes       uint32
	MaxNodes    uint32
	Tasks       uint32
	CpusPerTask uint32
	MemoryMB    uint64
	TmpDiskMB   uint64
	Features    []string
	NodeList    string
	Exclude     string
	Contiguous  bool
	Shared      bool
	Immediate   bool
	TimeLimit   string
	WorkDir     string
	Nice        int32
}

// descriptor builds the job request for args, carrying over the caller's environment.
func (a *App) descriptor(args JobArgs) (api.JobDescriptor, error) {
	limit, err := api.ParseTimeLimit(args.TimeLimit)
	if err != nil {
		return api.JobDescriptor{}, err
	}
	workDir := args.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return api.JobDescriptor{}, errors.WithStack(err)
		}
	}
	return api.JobDescriptor{
		Name:         args.Name,
		Partition:    args.Partition,
		Account:      args.Account,
		MinNodes:     args.Nodes,
		MaxNodes:     args.MaxNodes,
		NumTasks:     args.Tasks,
		CpusPerTask:  args.CpusPerTask,
		MinMemoryMB:  args.MemoryMB,
		MinTmpDiskMB: args.TmpDiskMB,
		Features:     args.Features,
		Contiguous:   args.Contiguous,
		ReqNodes:     args.NodeList,
		ExcNodes:     args.Exclude,
		TimeLimit:    limit,
		WorkDir:      workDir,
		Env:          a.Environ(),
		Shared:       args.Shared,
		Immediate:    args.Immediate,
		Nice:         args.Nice,
	}, nil
}

type SubmitArgs struct {
	JobArgs
	Script string
	// Arguments passed to the script
	Args   []string
	Stdin  string
	Stdout string
	Stderr string
}

// Submit queues the batch script at args.Script, or read from In if it is empty or "-".
func (a *App) Submit(args SubmitArgs) error {
	script, err := a.readScript(args.Script)
	if err != nil {
		return err
	}
	job, err := a.descriptor(args.JobArgs)
	if err != nil {
		return err
	}
	if job.Name == "" {
		job.Name = scriptName(args.Script)
	}
	job.Script = script
	job.Argv = args.Args
	job.Stdin = args.Stdin
	job.Stdout = args.Stdout
	job.Stderr = args.Stderr

	ctx, cancel := contextWithDefaultTimeout()
	defer cancel()
	resp, err := a.Controller.Submit(ctx, job)
	if err != nil {
		return errors.WithMessage(err, "batch job submission failed")
	}
	fmt.Fprintf(a.Out, "Submitted batch job %d\n", resp.JobId)
	return nil
}

func (a *App) readScript(path string) (string, error) {
	var b []byte
	var err error
	if path == "" || path == "-" {
		b, err = io.ReadAll(a.In)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", errors.Wrap(err, "reading batch script")
	}
	if len(b) == 0 {
		return "", errors.New("batch script is empty")
	}
	return string(b), nil
}

func scriptName(path string) string {
	if path == "" || path == "-" {
		return "corral_script"
	}
	return path[strings.LastIndex(path, "/")+1:]
}

type RunArgs struct {
	JobArgs
	Argv     []string
	Labelled bool
	// Host agents connect back to for I/O
	AdvertiseHost string
}

// Run runs Argv as an interactive step in a new allocation with its I/O on In, Out and Err. It returns the
// exit code the command line tool should exit with.
func (a *App) Run(ctx context.Context, args RunArgs) (int, error) {
	if len(args.Argv) == 0 {
		return 1, errors.New("no command given")
	}
	job, err := a.descriptor(args.JobArgs)
	if err != nil {
		return 1, err
	}
	if job.Name == "" {
		job.Name = scriptName(args.Argv[0])
	}
	step := wire.StepLaunchSpec{
		Name:        job.Name,
		NumTasks:    args.Tasks,
		NumNodes:    args.Nodes,
		CpusPerTask: args.CpusPerTask,
		Argv:        args.Argv,
		Env:         job.Env,
		WorkDir:     job.WorkDir,
	}
	result, err := a.Controller.Run(ctx, job, step, client.RunOptions{
		Stdin:         a.In,
		Stdout:        a.Out,
		Stderr:        a.Err,
		Labelled:      args.Labelled,
		AdvertiseHost: args.AdvertiseHost,
	})
	if err != nil {
		return 1, err
	}
	return exitCode(result.ReturnCode), nil
}

// exitCode converts a wait status to the status a shell would report.
func exitCode(status uint32) int {
	if signal := status & 0x7f; signal != 0 {
		return 128 + int(signal)
	}
	return int(status>>8) & 0xff
}
