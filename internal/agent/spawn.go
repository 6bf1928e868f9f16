package agent

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/common/slurmconf"
	"github.com/armadaproject/corral/pkg/wire"
)

// TaskSpec is everything needed to start one task process.
type TaskSpec struct {
	Argv []string
	Env  []string
	Dir  string
	Uid  uint32
	Gid  uint32
	// Process group to join. Zero starts a new group led by the task.
	Pgid    int
	Rlimits []wire.Rlimit
	Stdin   *os.File
	Stdout  *os.File
	Stderr  *os.File
}

// Spawner starts task processes. The returned command has been started; the caller waits for it.
type Spawner interface {
	Spawn(spec TaskSpec) (*exec.Cmd, error)
}

// NewSpawner returns the spawner selected by TaskSpawnType. The helper spawner re-executes helperPath.
func NewSpawner(spawnType string, helperPath string) (Spawner, error) {
	switch spawnType {
	case slurmconf.SpawnDirect:
		return DirectSpawner{}, nil
	case "", slurmconf.SpawnHelper:
		if helperPath == "" {
			path, err := os.Executable()
			if err != nil {
				return nil, errors.Wrap(err, "locating the stepexec helper")
			}
			helperPath = path
		}
		return HelperSpawner{Path: helperPath}, nil
	}
	return nil, errors.Errorf("unknown task spawn type %q", spawnType)
}

// DirectSpawner forks the task itself and applies resource limits once it has started. A task whose limits
// cannot be applied is killed and the launch fails.
type DirectSpawner struct{}

func (DirectSpawner) Spawn(spec TaskSpec) (*exec.Cmd, error) {
	cmd, err := command(spec, spec.Argv)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, spawnError(spec.Argv[0], err)
	}
	if err := applyRlimits(cmd.Process.Pid, spec.Rlimits); err != nil {
		pid := cmd.Process.Pid
		if spec.Pgid == 0 {
			// The task leads its own group; take anything it already forked with it.
			pid = -pid
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
		_ = cmd.Wait()
		return nil, corralerrors.Newf(corralerrors.CodeExecFailed, "applying resource limits to %s: %v", spec.Argv[0], err)
	}
	return cmd, nil
}

// HelperSpawner starts the stepexec helper, which applies resource limits to itself before it executes the
// task, so the limits are in force from the task's first instruction.
type HelperSpawner struct {
	Path string
}

func (h HelperSpawner) Spawn(spec TaskSpec) (*exec.Cmd, error) {
	argv := append([]string{h.Path, StepExecCommand}, stepExecArgs(spec.Rlimits, spec.Argv)...)
	cmd, err := command(spec, argv)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, spawnError(h.Path, err)
	}
	return cmd, nil
}

func command(spec TaskSpec, argv []string) (*exec.Cmd, error) {
	if len(spec.Argv) == 0 || len(argv) == 0 {
		return nil, corralerrors.New(corralerrors.CodeExecFailed, "no program to run")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: spec.Pgid}
	if spec.Uid != uint32(os.Getuid()) || spec.Gid != uint32(os.Getgid()) {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: spec.Uid, Gid: spec.Gid}
	}
	return cmd, nil
}

// spawnError separates programs that could not be found or executed from failures to create the process.
func spawnError(program string, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return corralerrors.Newf(corralerrors.CodeExecFailed, "executing %s: %v", program, err)
	}
	return corralerrors.Newf(corralerrors.CodeForkFailed, "starting %s: %v", program, err)
}
