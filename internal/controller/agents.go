package controller

import (
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/unix"

	"github.com/armadaproject/corral/internal/controller/jobdb"
	"github.com/armadaproject/corral/internal/controller/nodedb"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

const ReasonEpilogFailed = "Epilog error"

// nodeRegistration reconciles an agent's registration or heartbeat with the registry. Steps the agent
// runs that the registry does not know are killed there; jobs the registry believes run on the node but
// that the agent no longer has are failed.
func (c *Controller) nodeRegistration(req *request, m *wire.NodeRegistration) (wire.Message, error) {
	n, err := c.nodeDb.NodeByName(m.NodeName)
	if err != nil {
		return nil, err
	}
	now := c.now()
	before := n.State
	wentDown, err := c.nodeDb.Register(n, nodedb.Registration{
		Cpus:         m.Cpus,
		RealMemoryMB: m.RealMemoryMB,
		TmpDiskMB:    m.TmpDiskMB,
		FreeMemoryMB: m.FreeMemoryMB,
		Load:         m.Load,
		BootId:       m.BootId,
		AgentTime:    m.AgentTime,
	}, now)
	if err != nil {
		req.ctx.Log.WithError(err).Warnf("Unable to update node %s from its registration", n.Name)
	}
	if n.State != before {
		req.ctx.Log.Infof("Node %s registered; %s -> %s", n.Name, before, n.State)
		c.needSchedule = true
	}

	txn := c.jobDb.WriteTxn()
	if wentDown {
		if err := c.nodeFailed(txn, n, now); err != nil {
			txn.Abort()
			return nil, err
		}
	}
	if err := c.reconcile(req, txn, n, m.Steps, now); err != nil {
		txn.Abort()
		return nil, err
	}
	c.commit(txn)
	return success(), nil
}

func (c *Controller) reconcile(req *request, txn *jobdb.Txn, n *nodedb.Node, reported []wire.StepRef, now time.Time) error {
	idx := uint(n.Index)
	self := bitset.New(uint(c.nodeDb.NumNodes()))
	self.Set(idx)

	live := map[uint32]bool{}
	stale := map[uint32]bool{}
	for _, ref := range reported {
		job := txn.GetById(ref.JobId)
		switch {
		case job == nil, job.InTerminalState(), job.Nodes() == nil, !job.Nodes().Test(idx):
			stale[ref.JobId] = true
		case job.State() == api.JobCompleting:
			// Terminate requests for it are already being retried.
		default:
			live[ref.JobId] = true
			if _, err := txn.Step(ref.JobId, ref.StepId); err != nil {
				req.ctx.Log.Warnf("Node %s runs unknown step %s; killing it", n.Name, api.StepName(ref.JobId, ref.StepId))
				c.signal(ref.JobId, ref.StepId, self, uint16(unix.SIGKILL))
			}
		}
	}
	for jobId := range stale {
		req.ctx.Log.Warnf("Node %s runs job %d which is not allocated there; terminating it", n.Name, jobId)
		c.terminate(jobId, self, "job not allocated to node")
	}

	// Steps launched just before the controller restarted may not have reached the agent's table yet.
	if now.Sub(c.startTime) < c.config.MessageTimeout {
		return nil
	}
	for _, job := range txn.Active() {
		if live[job.Id()] || job.Nodes() == nil || !job.Nodes().Test(idx) {
			continue
		}
		if job.State() != api.JobRunning && job.State() != api.JobSuspended {
			continue
		}
		if !c.expectsSteps(txn, job, idx, now) {
			continue
		}
		req.ctx.Log.Warnf("Job %d is missing from node %s", job.Id(), n.Name)
		if _, err := c.beginCompletion(txn, job, api.JobNodeFail, fmt.Sprintf("%s: %s", ReasonMissingSteps, n.Name), now); err != nil {
			return err
		}
	}
	return nil
}

// expectsSteps reports whether the registry holds a step of the job on the node that has been running
// for longer than MessageTimeout.
func (c *Controller) expectsSteps(txn *jobdb.Txn, job *jobdb.Job, idx uint, now time.Time) bool {
	for _, step := range txn.Steps(job.Id()) {
		if step.State() != api.StepRunning || !step.Pending().Test(idx) {
			continue
		}
		if now.Sub(step.StartTime()) > c.config.MessageTimeout {
			return true
		}
	}
	return false
}

// stepComplete records that every local task of a step exited on one node. The batch step finishing
// ends its job.
func (c *Controller) stepComplete(req *request, m *wire.StepComplete) (wire.Message, error) {
	n, err := c.nodeDb.NodeByName(m.NodeName)
	if err != nil {
		return nil, err
	}
	now := c.now()
	txn := c.jobDb.WriteTxn()
	job := txn.GetById(m.JobId)
	if job == nil {
		txn.Abort()
		return success(), nil
	}
	step, err := txn.Step(m.JobId, m.StepId)
	if err != nil {
		// Already archived, e.g. when the job ended while the report was in flight.
		txn.Abort()
		return success(), nil
	}
	if !step.Pending().Test(uint(n.Index)) {
		txn.Abort()
		return success(), nil
	}
	updated := step.WithNodeComplete(n.Index, m.ReturnCode)
	if !updated.AllComplete() {
		if err := txn.UpsertStep(updated); err != nil {
			txn.Abort()
			return nil, err
		}
		c.commit(txn)
		return success(), nil
	}

	c.stepHistory[job.Id()] = append(c.stepHistory[job.Id()], updated.Info())
	if err := txn.RemoveStep(job.Id(), step.StepId()); err != nil {
		txn.Abort()
		return nil, err
	}
	c.revoke(job.Id(), step.StepId(), step.Nodes(), now)
	req.ctx.Log.Infof("Step %s finished %s with exit code %d", api.StepName(job.Id(), step.StepId()), updated.State(), updated.ExitCode())

	if step.IsBatch() && (job.State() == api.JobRunning || job.State() == api.JobSuspended) {
		final := api.JobCompleted
		if updated.ExitCode() != 0 {
			final = api.JobFailed
		}
		if _, err := c.endJob(txn, job.WithExitCode(updated.ExitCode()), final, "", now); err != nil {
			txn.Abort()
			return nil, err
		}
	}
	c.commit(txn)
	return success(), nil
}

// taskExit is informational: tasks of a step exited on a node. The step itself completes on
// step-complete.
func (c *Controller) taskExit(req *request, m *wire.TaskExit) (wire.Message, error) {
	txn := c.jobDb.ReadTxn()
	if _, err := txn.Step(m.JobId, m.StepId); err != nil {
		return success(), nil
	}
	if m.ReturnCode != 0 {
		req.ctx.Log.Infof("Tasks %v of step %s on %s exited with status %d",
			m.TaskIds, api.StepName(m.JobId, m.StepId), m.NodeName, m.ReturnCode)
	}
	return success(), nil
}

func (c *Controller) epilogCompleteRequest(req *request, m *wire.EpilogComplete) (wire.Message, error) {
	n, err := c.nodeDb.NodeByName(m.NodeName)
	if err != nil {
		return nil, err
	}
	now := c.now()
	n.LastResponse = now
	txn := c.jobDb.WriteTxn()
	if job := txn.GetById(m.JobId); job != nil {
		if _, err := c.epilogComplete(txn, job, n, now); err != nil {
			txn.Abort()
			return nil, err
		}
	}
	if m.ReturnCode != 0 {
		req.ctx.Log.Warnf("Epilog of job %d failed on %s with status %d", m.JobId, n.Name, m.ReturnCode)
		c.markNode(n, api.NodeDown, ReasonEpilogFailed, now)
		if n.State == api.NodeDown {
			if err := c.nodeFailed(txn, n, now); err != nil {
				txn.Abort()
				return nil, err
			}
		}
	}
	c.commit(txn)
	c.needSchedule = true
	return success(), nil
}
