package agent

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/armadaproject/corral/pkg/wire"
)

// StepExecCommand is the corrald subcommand the helper spawner runs.
const StepExecCommand = "stepexec"

func stepExecArgs(limits []wire.Rlimit, argv []string) []string {
	args := make([]string, 0, 2*len(limits)+1+len(argv))
	for _, l := range limits {
		args = append(args, "--rlimit", formatRlimit(l))
	}
	args = append(args, "--")
	return append(args, argv...)
}

func formatRlimit(l wire.Rlimit) string {
	return fmt.Sprintf("%d:%d:%d", l.Resource, l.Cur, l.Max)
}

func parseRlimit(s string) (wire.Rlimit, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return wire.Rlimit{}, errors.Errorf("resource limit %q is not resource:cur:max", s)
	}
	resource, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return wire.Rlimit{}, errors.Wrapf(err, "resource limit %q", s)
	}
	cur, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return wire.Rlimit{}, errors.Wrapf(err, "resource limit %q", s)
	}
	max, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return wire.Rlimit{}, errors.Wrapf(err, "resource limit %q", s)
	}
	return wire.Rlimit{Resource: uint32(resource), Cur: cur, Max: max}, nil
}

// parseStepExecArgs splits the helper's arguments into resource limits and the task's argv.
func parseStepExecArgs(args []string) ([]wire.Rlimit, []string, error) {
	var limits []wire.Rlimit
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--":
			argv := args[i+1:]
			if len(argv) == 0 {
				return nil, nil, errors.New("no program given after --")
			}
			return limits, argv, nil
		case "--rlimit":
			if i+1 == len(args) {
				return nil, nil, errors.New("--rlimit needs a value")
			}
			l, err := parseRlimit(args[i+1])
			if err != nil {
				return nil, nil, err
			}
			limits = append(limits, l)
			i++
		default:
			return nil, nil, errors.Errorf("unexpected argument %q", args[i])
		}
	}
	return nil, nil, errors.New("missing -- before the program")
}

// StepExec applies resource limits to the current process and replaces it with the task. It only returns on
// failure.
func StepExec(args []string) error {
	limits, argv, err := parseStepExecArgs(args)
	if err != nil {
		return err
	}
	for _, l := range limits {
		// syscall.Setrlimit, unlike a raw setrlimit, stops the runtime restoring its saved RLIMIT_NOFILE at exec.
		if err := syscall.Setrlimit(int(l.Resource), &syscall.Rlimit{Cur: l.Cur, Max: l.Max}); err != nil {
			return errors.Wrapf(err, "setting resource %d", l.Resource)
		}
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(unix.Exec(path, argv, os.Environ()), "executing %s", path)
}
