package controller

import (
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/common/slurmconf"
	"github.com/armadaproject/corral/internal/controller/jobdb"
	"github.com/armadaproject/corral/internal/controller/scheduling"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

// pendingRun is an allocate-and-run request whose job is waiting for resources.
type pendingRun struct {
	req  *request
	step wire.StepLaunchSpec
}

func success() wire.Message {
	return wire.ReturnCodeFor(nil)
}

// dispatch routes a request posted to the event loop to its handler.
func (c *Controller) dispatch(req *request) (wire.Message, error) {
	if c.shuttingDown {
		return nil, corralerrors.New(corralerrors.CodeShuttingDown, "controller is shutting down")
	}
	switch m := req.msg.(type) {
	case *wire.SubmitBatchJob:
		return c.submitBatchJob(req, m)
	case *wire.AllocateResources:
		return c.allocateResources(req, m)
	case *wire.AllocateAndRun:
		return c.allocateAndRun(req, m)
	case *wire.JobStepCreate:
		return c.jobStepCreate(req, m)
	case *wire.JobCancel:
		return c.jobCancel(req, m)
	case *wire.JobComplete:
		return c.jobComplete(req, m)
	case *wire.UpdateNode:
		return c.updateNode(req, m)
	case *wire.UpdatePartition:
		return c.updatePartition(req, m)
	case *wire.Reconfigure:
		return c.reconfigure(req)
	case *wire.Shutdown:
		return c.shutdownRequest(req, m)
	case *wire.NodeRegistration, *wire.StepComplete, *wire.TaskExit, *wire.EpilogComplete:
		if !c.isOperator(req.id) {
			return nil, corralerrors.Newf(corralerrors.CodeAccessDenied, "%s is only accepted from agents", req.msg.Kind())
		}
		return c.dispatchAgent(req)
	}
	req.ctx.Log.Errorf("No handler for %s", req.msg.Kind())
	return nil, corralerrors.Newf(corralerrors.CodeUnexpectedMessage, "unexpected %s", req.msg.Kind())
}

func (c *Controller) dispatchAgent(req *request) (wire.Message, error) {
	switch m := req.msg.(type) {
	case *wire.NodeRegistration:
		return c.nodeRegistration(req, m)
	case *wire.StepComplete:
		return c.stepComplete(req, m)
	case *wire.TaskExit:
		return c.taskExit(req, m)
	case *wire.EpilogComplete:
		return c.epilogCompleteRequest(req, m)
	}
	return nil, corralerrors.Newf(corralerrors.CodeUnexpectedMessage, "unexpected %s", req.msg.Kind())
}

func (c *Controller) requireOperator(req *request) error {
	if c.isOperator(req.id) {
		return nil
	}
	return corralerrors.Newf(corralerrors.CodeAccessDenied, "%s requires an operator", req.msg.Kind())
}

// requireOwner checks that the caller owns the job or is an operator.
func (c *Controller) requireOwner(req *request, job *jobdb.Job) error {
	if job.UserId() == req.id.Uid || c.isOperator(req.id) {
		return nil
	}
	return corralerrors.Newf(corralerrors.CodeAccessDenied, "job %d belongs to another user", job.Id())
}

// createJob validates a descriptor and inserts a pending job for it.
func (c *Controller) createJob(txn *jobdb.Txn, id wire.Identity, d api.JobDescriptor, now time.Time) (*jobdb.Job, error) {
	operator := c.isOperator(id)
	// Operators may submit on behalf of other users.
	if !operator || d.UserId == 0 {
		d.UserId = id.Uid
		d.GroupId = id.Gid
	}
	if d.Nice < 0 && !operator {
		return nil, corralerrors.New(corralerrors.CodeAccessDenied, "only operators may set a negative nice value")
	}
	d.Normalize()
	checked, err := c.checker.Check(c.nodeDb, d)
	if err != nil {
		return nil, err
	}
	p, err := c.nodeDb.Partition(checked.Partition)
	if err != nil {
		return nil, err
	}
	return txn.Insert(jobdb.NewJob(checked, c.scheduler.Priority().Initial(p, checked.Nice), now), now)
}

// firstInLine reports whether a pending job has no other pending job ahead of it in its partition.
func (c *Controller) firstInLine(txn *jobdb.Txn, job *jobdb.Job) bool {
	for _, other := range txn.Pending() {
		if other.Partition() != job.Partition() {
			continue
		}
		return other.Id() == job.Id()
	}
	return false
}

// startNow starts a new job at once if it is first in line. Immediate jobs that cannot start fail.
func (c *Controller) startNow(txn *jobdb.Txn, job *jobdb.Job, now time.Time) (*jobdb.Job, error) {
	if !job.Descriptor().Immediate && !c.firstInLine(txn, job) {
		return job, nil
	}
	started, err := c.scheduler.TryStart(txn, c.nodeDb, job, now)
	if err == nil {
		return started, nil
	}
	if job.Descriptor().Immediate {
		return nil, err
	}
	switch corralerrors.CodeFromError(err) {
	case corralerrors.CodeNodesBusy, corralerrors.CodePartitionDown:
		return job, nil
	}
	return nil, err
}

func (c *Controller) submitBatchJob(req *request, m *wire.SubmitBatchJob) (wire.Message, error) {
	if m.Job.Script == "" {
		return nil, corralerrors.New(corralerrors.CodeJobScriptMissing, "batch job has no script")
	}
	now := c.now()
	txn := c.jobDb.WriteTxn()
	job, err := c.createJob(txn, req.id, m.Job, now)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	if job.Descriptor().Immediate {
		if job, err = c.startNow(txn, job, now); err != nil {
			txn.Abort()
			return nil, err
		}
		if job.State() == api.JobRunning {
			c.launchBatch(req.ctx, txn, job, now)
		}
	}
	c.commit(txn)
	c.needSchedule = true
	jobsSubmitted.Inc()
	req.ctx.Log.Infof("Submitted batch job %d for uid %d to partition %s", job.Id(), job.UserId(), job.Partition())
	return &wire.SubmitResponse{JobId: job.Id(), State: job.State(), Reason: job.Reason()}, nil
}

func (c *Controller) allocateResources(req *request, m *wire.AllocateResources) (wire.Message, error) {
	if !m.Job.IsAllocation() {
		return nil, errors.WithStack(&corralerrors.ErrInvalidArgument{Name: "Script", Value: "", Message: "allocations carry no script"})
	}
	now := c.now()
	txn := c.jobDb.WriteTxn()
	job, err := c.createJob(txn, req.id, m.Job, now)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	if job, err = c.startNow(txn, job, now); err != nil {
		txn.Abort()
		return nil, err
	}
	c.commit(txn)
	c.needSchedule = job.State() == api.JobPending
	jobsSubmitted.Inc()
	req.ctx.Log.Infof("Allocation %d for uid %d is %s", job.Id(), job.UserId(), job.State())
	return c.allocationResponse(job), nil
}

// allocateAndRun creates an allocation and a first step on it. The reply waits for the step to launch,
// which for a job that cannot start yet is after the scheduler starts it.
func (c *Controller) allocateAndRun(req *request, m *wire.AllocateAndRun) (wire.Message, error) {
	if !m.Job.IsAllocation() {
		return nil, errors.WithStack(&corralerrors.ErrInvalidArgument{Name: "Script", Value: "", Message: "allocations carry no script"})
	}
	now := c.now()
	txn := c.jobDb.WriteTxn()
	job, err := c.createJob(txn, req.id, m.Job, now)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	if job, err = c.startNow(txn, job, now); err != nil {
		txn.Abort()
		return nil, err
	}
	jobsSubmitted.Inc()
	if job.State() == api.JobPending {
		c.commit(txn)
		c.pendingRuns[job.Id()] = &pendingRun{req: req, step: m.Step}
		c.needSchedule = true
		req.ctx.Log.Infof("Allocation %d is pending; its step starts when it does", job.Id())
		return nil, nil
	}
	if err := c.createStep(req.ctx, txn, req, job, m.Step, true, now); err != nil {
		if _, endErr := c.endJob(txn, txn.GetById(job.Id()), api.JobFailed, ReasonLaunchFailed, now); endErr != nil {
			req.ctx.Log.WithError(endErr).Errorf("Unable to end job %d", job.Id())
		}
		c.commit(txn)
		return nil, err
	}
	c.commit(txn)
	return nil, nil
}

// startRun creates the step of an allocate-and-run request once the scheduler started its job.
func (c *Controller) startRun(ctx *corralcontext.Context, txn *jobdb.Txn, job *jobdb.Job, run *pendingRun, now time.Time) {
	delete(c.pendingRuns, job.Id())
	if err := c.createStep(ctx, txn, run.req, job, run.step, true, now); err != nil {
		if _, endErr := c.endJob(txn, txn.GetById(job.Id()), api.JobFailed, ReasonLaunchFailed, now); endErr != nil {
			ctx.Log.WithError(endErr).Errorf("Unable to end job %d", job.Id())
		}
		c.respond(run.req, nil, err)
	}
}

func (c *Controller) jobStepCreate(req *request, m *wire.JobStepCreate) (wire.Message, error) {
	now := c.now()
	txn := c.jobDb.WriteTxn()
	job, err := txn.Lookup(m.JobId)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	if err := c.requireOwner(req, job); err != nil {
		txn.Abort()
		return nil, err
	}
	if err := c.createStep(req.ctx, txn, req, job, m.Step, false, now); err != nil {
		txn.Abort()
		return nil, err
	}
	c.commit(txn)
	return nil, nil
}

func (c *Controller) jobCancel(req *request, m *wire.JobCancel) (wire.Message, error) {
	now := c.now()
	txn := c.jobDb.WriteTxn()
	job, err := txn.Lookup(m.JobId)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	if err := c.requireOwner(req, job); err != nil {
		txn.Abort()
		return nil, err
	}
	// Cancelling a job that already ended, or is ending, succeeds without effect.
	if job.InTerminalState() || job.State() == api.JobCompleting {
		txn.Abort()
		return success(), nil
	}

	if m.StepId != api.AllSteps {
		defer txn.Abort()
		step, err := txn.Step(job.Id(), m.StepId)
		if err != nil {
			return nil, err
		}
		c.signal(job.Id(), step.StepId(), step.Nodes(), m.Signal)
		req.ctx.Log.Infof("Signalled step %s with %d", api.StepName(job.Id(), step.StepId()), m.Signal)
		return success(), nil
	}

	switch m.Signal {
	case 0:
		ended, err := c.endJob(txn, job, api.JobCancelled, ReasonCancelled, now)
		if err != nil {
			txn.Abort()
			return nil, err
		}
		c.commit(txn)
		req.ctx.Log.Infof("Job %d cancelled by uid %d; now %s", job.Id(), req.id.Uid, ended.State())
		return success(), nil
	case uint16(unix.SIGSTOP), uint16(unix.SIGCONT):
		if err := c.requireOperator(req); err != nil {
			txn.Abort()
			return nil, err
		}
		return c.suspendOrResume(req, txn, job, m.Signal == uint16(unix.SIGSTOP), now)
	}
	defer txn.Abort()
	if job.State() == api.JobPending {
		return nil, corralerrors.Newf(corralerrors.CodeJobPending, "job %d has not started", job.Id())
	}
	c.signal(job.Id(), api.AllSteps, job.Nodes(), m.Signal)
	return success(), nil
}

func (c *Controller) suspendOrResume(req *request, txn *jobdb.Txn, job *jobdb.Job, suspend bool, now time.Time) (wire.Message, error) {
	var updated *jobdb.Job
	var signal uint16
	switch {
	case suspend && job.State() == api.JobRunning:
		updated, signal = job.WithSuspended(now), uint16(unix.SIGSTOP)
	case !suspend && job.State() == api.JobSuspended:
		updated, signal = job.WithResumed(now), uint16(unix.SIGCONT)
	case suspend && job.State() == api.JobSuspended, !suspend && job.State() == api.JobRunning:
		txn.Abort()
		return success(), nil
	default:
		txn.Abort()
		return nil, corralerrors.Newf(corralerrors.CodeJobNotRunning, "job %d is %s", job.Id(), job.State())
	}
	if err := txn.Upsert(now, updated); err != nil {
		txn.Abort()
		return nil, err
	}
	c.commit(txn)
	c.signal(job.Id(), api.AllSteps, job.Nodes(), signal)
	req.ctx.Log.Infof("Job %d is %s", job.Id(), updated.State())
	return success(), nil
}

// jobComplete ends an allocation on behalf of the client holding it.
func (c *Controller) jobComplete(req *request, m *wire.JobComplete) (wire.Message, error) {
	now := c.now()
	txn := c.jobDb.WriteTxn()
	job, err := txn.Lookup(m.JobId)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	if err := c.requireOwner(req, job); err != nil {
		txn.Abort()
		return nil, err
	}
	if job.InTerminalState() || job.State() == api.JobCompleting {
		txn.Abort()
		return success(), nil
	}
	final := api.JobCompleted
	if m.ReturnCode != 0 {
		final = api.JobFailed
	}
	if _, err := c.endJob(txn, job.WithExitCode(m.ReturnCode), final, "", now); err != nil {
		txn.Abort()
		return nil, err
	}
	c.commit(txn)
	return success(), nil
}

func (c *Controller) updateNode(req *request, m *wire.UpdateNode) (wire.Message, error) {
	if err := c.requireOperator(req); err != nil {
		return nil, err
	}
	bs, err := c.nodeDb.BitSetFromHostList(m.Names)
	if err != nil {
		return nil, corralerrors.Newf(corralerrors.CodeInvalidNodeName, "%v", err)
	}
	now := c.now()
	txn := c.jobDb.WriteTxn()
	var result *multierror.Error
	for _, i := range c.nodeDb.Indices(bs) {
		n := c.nodeDb.Node(i)
		if m.Features != nil {
			n.Features = splitFeatures(*m.Features)
		}
		if m.State == api.NodeUnknown {
			continue
		}
		if err := c.nodeDb.OperatorUpdate(n, m.State, m.Reason, req.id.Uid, now); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		req.ctx.Log.Infof("Node %s set %s by uid %d", n.Name, n.State, req.id.Uid)
		switch n.State {
		case api.NodeDown, api.NodeFailed:
			if err := c.nodeFailed(txn, n, now); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	c.commit(txn)
	c.needSchedule = true
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return success(), nil
}

func splitFeatures(s string) []string {
	var features []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			features = append(features, f)
		}
	}
	return features
}

func (c *Controller) updatePartition(req *request, m *wire.UpdatePartition) (wire.Message, error) {
	if err := c.requireOperator(req); err != nil {
		return nil, err
	}
	p, err := c.nodeDb.Partition(m.Name)
	if err != nil || m.Name == "" {
		return nil, corralerrors.Newf(corralerrors.CodeInvalidPartitionName, "partition %s does not exist", m.Name)
	}
	if m.MinNodes != nil && m.MaxNodes != nil && *m.MaxNodes != api.NoValue && *m.MinNodes > *m.MaxNodes {
		return nil, errors.WithStack(&corralerrors.ErrInvalidArgument{Name: "MinNodes", Value: *m.MinNodes, Message: "exceeds MaxNodes"})
	}
	if m.State != nil {
		p.State = *m.State
	}
	if m.MaxTime != nil {
		p.MaxTime = *m.MaxTime
	}
	if m.MaxNodes != nil {
		p.MaxNodes = *m.MaxNodes
	}
	if m.MinNodes != nil {
		p.MinNodes = *m.MinNodes
	}
	if m.Priority != nil {
		p.Priority = *m.Priority
	}
	if m.Shared != nil {
		p.Shared = *m.Shared
	}
	if m.Default != nil && *m.Default {
		for _, other := range c.nodeDb.Partitions() {
			other.Default = other == p
		}
	} else if m.Default != nil {
		p.Default = false
	}
	c.needSchedule = true
	req.ctx.Log.Infof("Partition %s updated by uid %d", p.Name, req.id.Uid)
	return success(), nil
}

// reconfigure re-reads the configuration file and applies node and partition attributes.
func (c *Controller) reconfigure(req *request) (wire.Message, error) {
	if err := c.requireOperator(req); err != nil {
		return nil, err
	}
	if c.configPath == "" {
		return nil, errors.WithStack(&corralerrors.ErrInvalidArgument{Name: "ConfigPath", Value: "", Message: "controller was not started from a configuration file"})
	}
	config, err := slurmconf.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	scheduler, err := scheduling.NewSchedulingAlgo(config)
	if err != nil {
		return nil, err
	}
	if err := c.nodeDb.Reconfigure(config); err != nil {
		return nil, err
	}
	// Listening addresses, keys and state locations only change on restart.
	config.SlurmctldPort = c.config.SlurmctldPort
	config.StateSaveLocation = c.config.StateSaveLocation
	config.JobCredentialPrivateKey = c.config.JobCredentialPrivateKey
	config.AuthType, config.AuthKey = c.config.AuthType, c.config.AuthKey
	c.config = config
	c.scheduler = scheduler
	c.needSchedule = true
	req.ctx.Log.Infof("Reconfigured from %s", c.configPath)
	return success(), nil
}

func (c *Controller) shutdownRequest(req *request, m *wire.Shutdown) (wire.Message, error) {
	if err := c.requireOperator(req); err != nil {
		return nil, err
	}
	req.ctx.Log.Infof("Shutdown requested by uid %d", req.id.Uid)
	c.shuttingDown = true
	return success(), nil
}
