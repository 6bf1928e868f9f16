package agent

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/exp/slices"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/common/hostlist"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/stepio"
	"github.com/armadaproject/corral/pkg/wire"
)

// checkLaunch runs the checks every launch passes before anything is started: controller clock skew, then
// the credential.
func (a *Agent) checkLaunch(jobId, stepId, uid uint32, raw []byte, controllerTime time.Time) error {
	now := a.clock.Now()
	if a.config.MaxClockSkew > 0 && !controllerTime.IsZero() {
		skew := now.Sub(controllerTime)
		if skew < 0 {
			skew = -skew
		}
		if skew > a.config.MaxClockSkew {
			return corralerrors.Newf(corralerrors.CodeClockSkew, "controller clock is %s away from %s", skew.Round(time.Second), a.node.NodeName)
		}
	}
	c, err := a.verifier.Validate(raw, a.node.NodeName, now)
	if err != nil {
		return err
	}
	if c.JobId != jobId || c.StepId != stepId || c.Uid != uid {
		return corralerrors.Newf(corralerrors.CodeCredentialInvalid, "credential is for step %s of uid %d, not step %s of uid %d",
			api.StepName(c.JobId, c.StepId), c.Uid, api.StepName(jobId, stepId), uid)
	}
	return nil
}

// stepEnv returns env followed by the variables describing the step's placement.
func stepEnv(env []string, jobId, stepId, nodeId, numNodes, numTasks uint32, nodeList string) []string {
	out := make([]string, 0, len(env)+8)
	out = append(out, env...)
	out = append(out,
		fmt.Sprintf("CORRAL_JOB_ID=%d", jobId),
		fmt.Sprintf("CORRAL_NODEID=%d", nodeId),
		fmt.Sprintf("CORRAL_NNODES=%d", numNodes),
		fmt.Sprintf("CORRAL_NTASKS=%d", numTasks),
		"CORRAL_NODELIST="+nodeList,
	)
	if stepId != api.BatchStep {
		out = append(out, fmt.Sprintf("CORRAL_STEP_ID=%d", stepId))
	}
	return out
}

func taskEnv(env []string, procId, localId uint32) []string {
	out := make([]string, 0, len(env)+2)
	out = append(out, env...)
	return append(out,
		fmt.Sprintf("CORRAL_PROCID=%d", procId),
		fmt.Sprintf("CORRAL_LOCALID=%d", localId),
	)
}

func (a *Agent) launchFailed(ctx *corralcontext.Context, kind string, resp *wire.LaunchResponse, err error) *wire.LaunchResponse {
	code := corralerrors.CodeFromError(err)
	ctx.Log.WithError(err).Warnf("Launch of %s failed", api.StepName(resp.JobId, resp.StepId))
	launches.WithLabelValues(kind, code.String()).Inc()
	resp.ReturnCode = uint32(code)
	return resp
}

// launchTasks starts this node's tasks of an interactive step.
func (a *Agent) launchTasks(ctx *corralcontext.Context, m *wire.LaunchTasks) *wire.LaunchResponse {
	const kind = "interactive"
	resp := &wire.LaunchResponse{JobId: m.JobId, StepId: m.StepId, NodeName: a.node.NodeName}
	if err := a.checkLaunch(m.JobId, m.StepId, m.UserId, m.Credential, m.ControllerTime); err != nil {
		return a.launchFailed(ctx, kind, resp, err)
	}
	nodeIndex := slices.Index(m.NodeNames, a.node.NodeName)
	if nodeIndex < 0 {
		err := corralerrors.Newf(corralerrors.CodeInvalidNodeName, "launch of %s does not include %s", api.StepName(m.JobId, m.StepId), a.node.NodeName)
		return a.launchFailed(ctx, kind, resp, err)
	}
	if len(m.Argv) == 0 {
		return a.launchFailed(ctx, kind, resp, corralerrors.New(corralerrors.CodeExecFailed, "no program to run"))
	}
	step := newStep(m.JobId, m.StepId, m.UserId, m.GroupId, m.Credential, m.Argv, a.clock.Now())
	if err := a.steps.Add(step); err != nil {
		return a.launchFailed(ctx, kind, resp, err)
	}

	first, count := m.TaskOffset(nodeIndex)
	var numTasks uint32
	for _, n := range m.TasksPerNode {
		numTasks += n
	}
	env := stepEnv(m.Env, m.JobId, m.StepId, uint32(nodeIndex), uint32(len(m.NodeNames)), numTasks, hostlist.Compress(m.NodeNames))
	if m.CpusPerTask > 0 {
		env = append(env, fmt.Sprintf("CORRAL_CPUS_PER_TASK=%d", m.CpusPerTask))
	}
	hello := stepio.InitMessage{JobId: m.JobId, StepId: m.StepId, NodeName: a.node.NodeName}
	for local := uint32(0); local < count; local++ {
		taskId := first + local
		tio, child, err := newTaskIO(taskId, hello)
		if err != nil {
			a.abortLaunch(step)
			return a.launchFailed(ctx, kind, resp, err)
		}
		cmd, err := a.spawner.Spawn(TaskSpec{
			Argv:    m.Argv,
			Env:     taskEnv(env, taskId, local),
			Dir:     m.WorkDir,
			Uid:     m.UserId,
			Gid:     m.GroupId,
			Pgid:    step.processGroup(),
			Rlimits: m.Rlimits,
			Stdin:   child.stdin,
			Stdout:  child.stdout,
			Stderr:  child.stderr,
		})
		child.Close()
		if err != nil {
			tio.close()
			closeFiles(tio.stdout, tio.stderr)
			a.abortLaunch(step)
			return a.launchFailed(ctx, kind, resp, err)
		}
		t := &task{id: taskId, localId: local, cmd: cmd, io: tio}
		step.addTask(t)
		tasksRunning.Inc()
		tio.start()
		if m.ClientAddr != "" {
			go a.connectClient(ctx, step, tio, m.ClientAddr)
		}
		go a.monitor(step, t)
	}
	if step.finishSpawning() {
		go a.completeStep(step)
	}
	resp.Pids = step.pids()
	launches.WithLabelValues(kind, corralerrors.Success.String()).Inc()
	ctx.Log.Infof("Launched %d tasks of %s", count, step.Name())
	return resp
}

func (a *Agent) connectClient(ctx *corralcontext.Context, step *Step, tio *taskIO, addr string) {
	if err := tio.connect(addr, a.config.MessageTimeout); err != nil {
		ctx.Log.WithError(err).Warnf("Unable to connect task %d of %s to its client", tio.taskId, step.Name())
	}
}

// batchJobLaunch starts the batch script of a job.
func (a *Agent) batchJobLaunch(ctx *corralcontext.Context, m *wire.BatchJobLaunch) *wire.LaunchResponse {
	const kind = "batch"
	resp := &wire.LaunchResponse{JobId: m.JobId, StepId: m.StepId, NodeName: a.node.NodeName}
	if err := a.checkLaunch(m.JobId, m.StepId, m.UserId, m.Credential, m.ControllerTime); err != nil {
		return a.launchFailed(ctx, kind, resp, err)
	}
	argv, err := a.writeScript(m)
	if err != nil {
		return a.launchFailed(ctx, kind, resp, err)
	}
	step := newStep(m.JobId, m.StepId, m.UserId, m.GroupId, m.Credential, argv, a.clock.Now())
	if err := a.steps.Add(step); err != nil {
		return a.launchFailed(ctx, kind, resp, err)
	}
	files, err := a.openBatchFiles(m)
	if err != nil {
		a.abortLaunch(step)
		return a.launchFailed(ctx, kind, resp, err)
	}
	env := stepEnv(m.Env, m.JobId, m.StepId, 0, m.NumNodes, m.NumTasks, m.NodeList)
	env = append(env, "CORRAL_JOB_NAME="+m.JobName)
	dir := m.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	cmd, err := a.spawner.Spawn(TaskSpec{
		Argv:    argv,
		Env:     taskEnv(env, 0, 0),
		Dir:     dir,
		Uid:     m.UserId,
		Gid:     m.GroupId,
		Rlimits: m.Rlimits,
		Stdin:   files.stdin,
		Stdout:  files.stdout,
		Stderr:  files.stderr,
	})
	files.Close()
	if err != nil {
		a.abortLaunch(step)
		return a.launchFailed(ctx, kind, resp, err)
	}
	t := &task{id: 0, localId: 0, cmd: cmd}
	step.addTask(t)
	tasksRunning.Inc()
	go a.monitor(step, t)
	if step.finishSpawning() {
		go a.completeStep(step)
	}
	resp.Pids = step.pids()
	launches.WithLabelValues(kind, corralerrors.Success.String()).Inc()
	ctx.Log.Infof("Launched batch script of job %d as pid %d", m.JobId, t.pid)
	return resp
}

// abortLaunch fails a step whose launch could not complete. The controller learns of it from the launch
// response, so no end-of-step reports are sent.
func (a *Agent) abortLaunch(step *Step) {
	step.fail()
	a.removeStep(step)
}

// monitor waits for one task process and reports the step once its last task has exited.
func (a *Agent) monitor(step *Step, t *task) {
	_ = t.cmd.Wait()
	status := waitStatus(t.cmd)
	tasksRunning.Dec()
	a.ctx.Log.Debugf("Task %d of %s exited with status %#x", t.id, step.Name(), status)
	if !step.taskExited(t, status) || step.failed() {
		return
	}
	a.completeStep(step)
}

func (a *Agent) completeStep(step *Step) {
	step.finish(a.node.NodeName)
	a.deliver(a.ctx, step)
}

// waitStatus is the raw wait status of an exited process.
func waitStatus(cmd *exec.Cmd) uint32 {
	if cmd.ProcessState == nil {
		return 0
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		return uint32(ws)
	}
	return uint32(cmd.ProcessState.ExitCode()) << 8
}
