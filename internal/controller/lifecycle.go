package controller

import (
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/controller/accounting"
	"github.com/armadaproject/corral/internal/controller/jobdb"
	"github.com/armadaproject/corral/internal/controller/nodedb"
	"github.com/armadaproject/corral/pkg/api"
)

// Job and node state reasons set by the controller.
const (
	ReasonCancelled      = "Cancelled"
	ReasonTimeLimit      = "TimeLimit"
	ReasonNodeFail       = "NodeFail"
	ReasonLaunchFailed   = "launch failed"
	ReasonKillTaskFailed = "Kill task failed"
	ReasonClockSkew      = "CLOCK_SKEW"
	ReasonMissingSteps   = "steps missing from node"
)

func (c *Controller) shares(job *jobdb.Job) bool {
	p, err := c.nodeDb.Partition(job.Partition())
	if err != nil {
		return false
	}
	return p.Shared.Permits(job.Descriptor().Shared)
}

// checkInvariant compares per-node job counts with the allocations recorded on jobs.
func (c *Controller) checkInvariant() error {
	holdings := map[uint32]*bitset.BitSet{}
	completing := map[uint32]*bitset.BitSet{}
	for _, job := range c.jobDb.ReadTxn().Active() {
		switch job.State() {
		case api.JobRunning, api.JobSuspended:
			if job.Nodes() != nil {
				holdings[job.Id()] = job.Nodes()
			}
		case api.JobCompleting:
			if job.Awaiting() != nil {
				completing[job.Id()] = job.Awaiting()
			}
		}
	}
	return c.nodeDb.CheckInvariant(holdings, completing)
}

// endJob moves a job towards a terminal state. Pending jobs end at once; jobs holding nodes release them
// and wait in COMPLETING for their epilogs. Jobs already completing or terminal are returned unchanged.
func (c *Controller) endJob(txn *jobdb.Txn, job *jobdb.Job, final api.JobState, reason string, now time.Time) (*jobdb.Job, error) {
	switch job.State() {
	case api.JobPending:
		ended := job.WithState(final).WithReason(reason).WithEndTime(now).WithExpectedStart(time.Time{})
		if err := txn.Upsert(now, ended); err != nil {
			return nil, err
		}
		c.jobEnded(ended)
		return ended, nil
	case api.JobRunning, api.JobSuspended:
		return c.beginCompletion(txn, job, final, reason, now)
	}
	return job, nil
}

// beginCompletion releases a job's nodes and asks every responsive one to kill the job's processes.
func (c *Controller) beginCompletion(txn *jobdb.Txn, job *jobdb.Job, final api.JobState, reason string, now time.Time) (*jobdb.Job, error) {
	awaiting := c.nodeDb.Release(job.Nodes())
	updated := job.WithFinalState(final, reason).WithEndTime(now).WithAwaiting(awaiting)
	c.revokeSteps(txn, job, now)
	if awaiting.None() {
		return c.finalize(txn, updated, now)
	}
	updated = updated.WithKillAttempt(now)
	if err := txn.Upsert(now, updated); err != nil {
		return nil, err
	}
	c.terminate(updated.Id(), awaiting, reason)
	return updated, nil
}

// finalize moves a completing job to its final state and archives its remaining steps.
func (c *Controller) finalize(txn *jobdb.Txn, job *jobdb.Job, now time.Time) (*jobdb.Job, error) {
	final := job.FinalState()
	ended := job.WithState(final).WithAwaiting(nil)
	if ended.EndTime().IsZero() {
		ended = ended.WithEndTime(now)
	}
	if err := txn.Upsert(now, ended); err != nil {
		return nil, err
	}
	for _, step := range txn.Steps(job.Id()) {
		info := step.Info()
		switch info.State {
		case api.StepStarting, api.StepRunning, api.StepCompleting:
			info.State = api.StepFailed
			if final == api.JobCompleted {
				info.State = api.StepDone
			}
		}
		c.stepHistory[job.Id()] = append(c.stepHistory[job.Id()], info)
		if err := txn.RemoveStep(job.Id(), step.StepId()); err != nil {
			return nil, err
		}
	}
	c.jobEnded(ended)
	return ended, nil
}

func (c *Controller) jobEnded(job *jobdb.Job) {
	c.ended = append(c.ended, job.Id())
	if run, ok := c.pendingRuns[job.Id()]; ok {
		delete(c.pendingRuns, job.Id())
		c.respond(run.req, nil, corralerrors.Newf(corralerrors.CodeAlreadyDone, "job %d ended %s before it started", job.Id(), job.State()))
	}
	jobsEnded.WithLabelValues(job.State().String()).Inc()
	log.Infof("Job %d ended %s (%s) exit code %d", job.Id(), job.State(), job.Reason(), job.ExitCode())
}

// epilogComplete records that a node finished cleaning up after a job.
func (c *Controller) epilogComplete(txn *jobdb.Txn, job *jobdb.Job, n *nodedb.Node, now time.Time) (*jobdb.Job, error) {
	if job.State() != api.JobCompleting || job.Awaiting() == nil || !job.Awaiting().Test(uint(n.Index)) {
		return job, nil
	}
	awaiting := job.Awaiting().Clone()
	awaiting.Clear(uint(n.Index))
	c.nodeDb.EpilogComplete(n)
	updated := job.WithAwaiting(awaiting)
	if awaiting.None() {
		return c.finalize(txn, updated, now)
	}
	if err := txn.Upsert(now, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// markNode moves a node to state, falling back to DOWN when the lattice does not allow the move.
func (c *Controller) markNode(n *nodedb.Node, state api.NodeState, reason string, now time.Time) {
	if n.State == state && n.Reason == reason {
		return
	}
	err := c.nodeDb.SetReason(n, state, reason, 0, now)
	if err != nil && state != api.NodeDown {
		err = c.nodeDb.SetReason(n, api.NodeDown, reason, 0, now)
	}
	if err != nil {
		log.WithError(err).Warnf("Unable to mark node %s %s", n.Name, state)
		return
	}
	log.Warnf("Node %s is %s: %s", n.Name, n.State, reason)
}

// nodeFailed ends every job running on a node that went down and forgets epilogs awaited from it.
func (c *Controller) nodeFailed(txn *jobdb.Txn, n *nodedb.Node, now time.Time) error {
	idx := uint(n.Index)
	for _, job := range txn.Active() {
		switch job.State() {
		case api.JobRunning, api.JobSuspended:
			if job.Nodes() == nil || !job.Nodes().Test(idx) {
				continue
			}
			if _, err := c.beginCompletion(txn, job, api.JobNodeFail, fmt.Sprintf("%s: node %s %s", ReasonNodeFail, n.Name, n.State), now); err != nil {
				return err
			}
		case api.JobCompleting:
			if job.Awaiting() == nil || !job.Awaiting().Test(idx) {
				continue
			}
			awaiting := job.Awaiting().Clone()
			awaiting.Clear(idx)
			c.nodeDb.DropCompleting(n)
			updated := job.WithAwaiting(awaiting)
			if awaiting.None() {
				if _, err := c.finalize(txn, updated, now); err != nil {
					return err
				}
				continue
			}
			if err := txn.Upsert(now, updated); err != nil {
				return err
			}
		}
	}
	return nil
}

// tick runs the periodic duties: time limits, unresponsive nodes, stuck kills, accounting, purging
// and checkpoints.
func (c *Controller) tick(ctx *corralcontext.Context) {
	now := c.now()
	txn := c.jobDb.WriteTxn()
	if err := c.periodic(ctx, txn, now); err != nil {
		ctx.Log.WithError(err).Error("Periodic maintenance failed")
	}
	c.commit(txn)
	c.needSchedule = true
	c.flushAccounting(ctx, c.unrecorded())
	c.purge(ctx, now)
	c.maybeCheckpoint(now)
}

func (c *Controller) periodic(ctx *corralcontext.Context, txn *jobdb.Txn, now time.Time) error {
	for _, job := range txn.InState(api.JobRunning) {
		if !job.TimedOut(now) {
			continue
		}
		ctx.Log.Infof("Job %d reached its time limit", job.Id())
		if _, err := c.endJob(txn, job, api.JobTimeout, ReasonTimeLimit, now); err != nil {
			return err
		}
	}

	for _, n := range c.nodeDb.SweepUnresponsive(now, c.config.SlurmdTimeout) {
		if err := c.nodeFailed(txn, n, now); err != nil {
			return err
		}
	}

	interval := c.config.KillWait + c.config.MessageTimeout
	for _, job := range txn.InState(api.JobCompleting) {
		if now.Sub(job.LastKillTime()) < interval || job.Awaiting() == nil {
			continue
		}
		if job.KillAttempts() <= uint32(c.config.KillRetries) {
			if err := txn.Upsert(now, job.WithKillAttempt(now)); err != nil {
				return err
			}
			c.terminate(job.Id(), job.Awaiting(), job.Reason())
			continue
		}
		ctx.Log.Warnf("Job %d still has processes on %s after %d kill attempts", job.Id(), c.nodeDb.HostList(job.Awaiting()), job.KillAttempts())
		var stuck []*nodedb.Node
		for _, i := range c.nodeDb.Indices(job.Awaiting()) {
			stuck = append(stuck, c.nodeDb.Node(i))
		}
		for _, n := range stuck {
			c.markNode(n, api.NodeDown, ReasonKillTaskFailed, now)
		}
		for _, n := range stuck {
			if err := c.nodeFailed(txn, n, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// unrecorded returns the terminal jobs whose record has not been accepted by every sink.
func (c *Controller) unrecorded() []*jobdb.Job {
	var jobs []*jobdb.Job
	for _, job := range c.jobDb.ReadTxn().GetAll() {
		if job.InTerminalState() && !job.AccountingFlushed() {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// recordEnded writes the records of the jobs that ended during the current event.
func (c *Controller) recordEnded(ctx *corralcontext.Context) {
	if len(c.ended) == 0 {
		return
	}
	txn := c.jobDb.ReadTxn()
	jobs := make([]*jobdb.Job, 0, len(c.ended))
	for _, id := range c.ended {
		if job := txn.GetById(id); job != nil && job.InTerminalState() && !job.AccountingFlushed() {
			jobs = append(jobs, job)
		}
	}
	c.ended = c.ended[:0]
	c.flushAccounting(ctx, jobs)
}

// flushAccounting writes the records of the given terminal jobs on the worker pool. Writes already in
// flight are not repeated.
func (c *Controller) flushAccounting(ctx *corralcontext.Context, jobs []*jobdb.Job) {
	if len(jobs) == 0 {
		return
	}
	if !c.recorder.Enabled() {
		txn := c.jobDb.WriteTxn()
		now := c.now()
		for _, job := range jobs {
			if err := txn.Upsert(now, job.WithAccountingFlushed()); err != nil {
				ctx.Log.WithError(err).Errorf("Unable to mark job %d accounted", job.Id())
			}
		}
		c.commit(txn)
		return
	}
	for _, job := range jobs {
		id := job.Id()
		if c.accountingInFlight[id] {
			continue
		}
		rec, ok := c.accountingRecords[id]
		if !ok {
			info := job.Info()
			info.Steps = c.stepHistory[id]
			rec = accounting.NewJobRecord(c.config.ClusterName, info)
			c.accountingRecords[id] = rec
		}
		c.accountingInFlight[id] = true
		c.pool.Submit(func(ctx *corralcontext.Context) {
			err := c.recorder.Record(ctx, rec)
			c.complete(func() {
				c.accounted(ctx, id, err)
			})
		})
	}
}

func (c *Controller) accounted(ctx *corralcontext.Context, id uint32, err error) {
	delete(c.accountingInFlight, id)
	if err != nil {
		ctx.Log.WithError(err).Warnf("Unable to record job %d; will retry", id)
		return
	}
	delete(c.accountingRecords, id)
	txn := c.jobDb.WriteTxn()
	_, err = txn.Mutate(id, c.now(), func(job *jobdb.Job) (*jobdb.Job, error) {
		return job.WithAccountingFlushed(), nil
	})
	if err != nil {
		txn.Abort()
		ctx.Log.WithError(err).Warnf("Unable to mark job %d accounted", id)
		return
	}
	c.commit(txn)
}

// purge forgets terminal jobs whose accounting is done once they are older than MinJobAge.
func (c *Controller) purge(ctx *corralcontext.Context, now time.Time) {
	txn := c.jobDb.WriteTxn()
	purged := 0
	for _, job := range txn.GetAll() {
		if !job.InTerminalState() || !job.AccountingFlushed() || now.Sub(job.EndTime()) < c.config.MinJobAge {
			continue
		}
		if err := txn.Remove(job.Id()); err != nil {
			ctx.Log.WithError(err).Warnf("Unable to purge job %d", job.Id())
			continue
		}
		delete(c.stepHistory, job.Id())
		purged++
	}
	c.commit(txn)
	if purged > 0 {
		ctx.Log.Infof("Purged %d finished jobs", purged)
	}
}
