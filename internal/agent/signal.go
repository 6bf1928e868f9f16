package agent

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

// signalTasks delivers a signal to one step, or every step of the job for api.AllSteps. Signal 0 asks for a
// graceful termination: SIGTERM, then SIGKILL after KillWait.
func (a *Agent) signalTasks(ctx *corralcontext.Context, m *wire.SignalTasks) (wire.Message, error) {
	var steps []*Step
	if m.StepId == api.AllSteps {
		steps = a.steps.ForJob(m.JobId)
	} else {
		s, err := a.steps.Get(m.JobId, m.StepId)
		if err != nil {
			return nil, err
		}
		steps = []*Step{s}
	}
	sig := syscall.Signal(m.Signal)
	for _, s := range steps {
		var err error
		switch sig {
		case 0:
			err = a.terminateStep(ctx, s)
		case unix.SIGKILL:
			s.markKilled()
			err = a.deliverSignal(s, unix.SIGKILL)
		default:
			err = a.deliverSignal(s, sig)
		}
		if err != nil {
			return nil, err
		}
	}
	ctx.Log.Debugf("Signalled %d steps of job %d with %d", len(steps), m.JobId, m.Signal)
	return success, nil
}

func (a *Agent) deliverSignal(s *Step, sig syscall.Signal) error {
	if err := s.signal(sig); err != nil {
		return err
	}
	signalsSent.WithLabelValues(unix.SignalName(sig)).Inc()
	return nil
}

// terminateStep sends SIGTERM and arranges for SIGKILL if the step has not ended after KillWait.
func (a *Agent) terminateStep(ctx *corralcontext.Context, s *Step) error {
	first := s.markKilled()
	if err := a.deliverSignal(s, unix.SIGTERM); err != nil {
		return err
	}
	if first {
		go a.escalate(s)
	}
	return nil
}

func (a *Agent) escalate(s *Step) {
	select {
	case <-s.Done():
		return
	case <-a.ctx.Done():
		return
	case <-a.clock.After(a.config.KillWait):
	}
	a.ctx.Log.Infof("Step %s outlived KillWait of %s; sending SIGKILL", s.Name(), a.config.KillWait)
	if err := a.deliverSignal(s, unix.SIGKILL); err != nil {
		a.ctx.Log.WithError(err).Warnf("Unable to kill step %s", s.Name())
	}
}

// terminateJob revokes the job's credentials and terminates its steps. The reply goes out at once; the
// epilog-complete message follows when every process of the job is gone.
func (a *Agent) terminateJob(ctx *corralcontext.Context, m *wire.TerminateJob) wire.Message {
	a.verifier.Revocations().Revoke(m.JobId, api.AllSteps, a.clock.Now())
	steps := a.steps.ForJob(m.JobId)
	ctx.Log.Infof("Terminating job %d with %d steps: %s", m.JobId, len(steps), m.Reason)
	for _, s := range steps {
		if err := a.terminateStep(ctx, s); err != nil {
			ctx.Log.WithError(err).Warnf("Unable to signal step %s", s.Name())
		}
	}
	a.mu.Lock()
	waiting := a.terminating[m.JobId]
	a.terminating[m.JobId] = true
	a.mu.Unlock()
	if !waiting {
		go a.epilog(m.JobId, steps)
	}
	return success
}

func (a *Agent) epilog(jobId uint32, steps []*Step) {
	defer func() {
		a.mu.Lock()
		delete(a.terminating, jobId)
		a.mu.Unlock()
	}()
	for _, s := range steps {
		select {
		case <-s.Done():
		case <-a.ctx.Done():
			return
		}
	}
	a.removeJobDir(jobId)
	msg := &wire.EpilogComplete{JobId: jobId, NodeName: a.node.NodeName}
	if err := a.send(a.ctx, msg); err != nil {
		a.ctx.Log.WithError(err).Warnf("Unable to report epilog of job %d", jobId)
		return
	}
	a.ctx.Log.Infof("Epilog of job %d complete", jobId)
}

// reattachTasks connects the interactive tasks of a live step to a new client. The caller must present the
// credential the step was launched with.
func (a *Agent) reattachTasks(ctx *corralcontext.Context, id wire.Identity, m *wire.ReattachTasks) (wire.Message, error) {
	s, err := a.steps.Get(m.JobId, m.StepId)
	if err != nil {
		return nil, err
	}
	if _, err := a.verifier.ValidateReattach(m.Credential, s.Credential); err != nil {
		return nil, err
	}
	if id.Uid != s.Uid && !a.operators[id.Uid] {
		return nil, corralerrors.Newf(corralerrors.CodeAccessDenied, "uid %d may not reattach to step %s of uid %d", id.Uid, s.Name(), s.Uid)
	}
	ids, pids, streams := s.interactive()
	if len(streams) == 0 {
		return nil, corralerrors.Newf(corralerrors.CodeInvalidStepId, "step %s has no interactive tasks", s.Name())
	}
	for _, tio := range streams {
		if err := tio.connect(m.ClientAddr, a.config.MessageTimeout); err != nil {
			return nil, err
		}
	}
	ctx.Log.Infof("Reattached %d tasks of %s to %s", len(streams), s.Name(), m.ClientAddr)
	return &wire.ReattachResponse{
		NodeName:   a.node.NodeName,
		TaskIds:    ids,
		Pids:       pids,
		Executable: s.Argv[0],
	}, nil
}
