package controller

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/unix"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/controller/jobdb"
	"github.com/armadaproject/corral/internal/controller/nodedb"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

// Concurrent messages in one fan-out.
const fanOut = 32

// target is the address of one agent, captured on the event loop so workers never read the resource map.
type target struct {
	index int
	name  string
	host  string
	port  uint16
}

type sendResult struct {
	target
	resp wire.Message
	err  error
}

func (c *Controller) targets(nodes *bitset.BitSet) []target {
	if nodes == nil {
		return nil
	}
	var ts []target
	for _, i := range c.nodeDb.Indices(nodes) {
		n := c.nodeDb.Node(i)
		ts = append(ts, target{index: i, name: n.Name, host: n.Addr, port: n.Port})
	}
	return ts
}

// sendAll sends msg to every target in parallel, rate limited, and returns one result per target in
// target order. It runs on a worker.
func (c *Controller) sendAll(ctx *corralcontext.Context, targets []target, msg wire.Message) []sendResult {
	results := make([]sendResult, len(targets))
	g, gctx := corralcontext.ErrGroup(ctx)
	g.SetLimit(fanOut)
	for i, t := range targets {
		i, t := i, t
		results[i].target = t
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				results[i].err = corralerrors.Newf(corralerrors.CodeTimeout, "rate limited: %v", err)
				return nil
			}
			addr, err := c.resolver.Resolve(gctx, t.host, t.port)
			if err != nil {
				results[i].err = err
				return nil
			}
			results[i].resp, results[i].err = c.dialer.Call(gctx, addr, msg)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// send fans msg out on a worker and hands the results to done on the event loop. done may be nil.
func (c *Controller) send(targets []target, msg wire.Message, done func(ctx *corralcontext.Context, results []sendResult)) bool {
	if len(targets) == 0 {
		return true
	}
	return c.pool.Submit(func(ctx *corralcontext.Context) {
		results := c.sendAll(ctx, targets, msg)
		if done == nil {
			for _, r := range results {
				if r.err != nil {
					ctx.Log.WithError(r.err).Warnf("Unable to deliver %s to %s", msg.Kind(), r.name)
				}
			}
			return
		}
		c.complete(func() { done(ctx, results) })
	})
}

// schedule runs a scheduling pass and launches the batch jobs it started.
func (c *Controller) schedule(ctx *corralcontext.Context) {
	start := time.Now()
	now := c.now()
	txn := c.jobDb.WriteTxn()
	result, err := c.scheduler.Schedule(ctx, txn, c.nodeDb, now)
	schedulingCycleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// Jobs started before the error hold their nodes, so the transaction is kept.
		ctx.Log.WithError(err).Error("Scheduling pass failed")
		c.commit(txn)
		return
	}
	for _, job := range result.ScheduledJobs {
		ctx.Log.Infof("Starting job %d on %s", job.Id(), job.NodeList())
		if job.IsBatch() {
			c.launchBatch(ctx, txn, job, now)
		} else if run, ok := c.pendingRuns[job.Id()]; ok {
			c.startRun(ctx, txn, job, run, now)
		}
	}
	c.commit(txn)
	if result.ResumeNodes != nil && result.ResumeNodes.Any() {
		c.resumeNodes(ctx, result.ResumeNodes)
	}
}

// launchBatch creates the batch step of a job that just started and sends the script to its first node.
func (c *Controller) launchBatch(ctx *corralcontext.Context, txn *jobdb.Txn, job *jobdb.Job, now time.Time) {
	d := job.Descriptor()
	host, err := c.nodeDb.NodeByName(job.BatchHost())
	if err != nil {
		ctx.Log.WithError(err).Errorf("Job %d has no batch host", job.Id())
		return
	}
	hostBits := bitset.New(uint(c.nodeDb.NumNodes()))
	hostBits.Set(uint(host.Index))
	credential := c.signer.Mint(job.Id(), api.BatchStep, job.UserId(), c.nodeDb.Names(job.Nodes()), now).Marshal()
	step := jobdb.NewStep(job.Id(), api.BatchStep, "batch", hostBits, host.Name, []uint32{1}, d.CpusPerTask, d.Argv, "", now).
		WithCredential(credential)
	if err := txn.UpsertStep(step); err != nil {
		ctx.Log.WithError(err).Errorf("Unable to create batch step of job %d", job.Id())
		return
	}
	msg := &wire.BatchJobLaunch{
		JobId:          job.Id(),
		StepId:         api.BatchStep,
		UserId:         job.UserId(),
		GroupId:        job.GroupId(),
		JobName:        job.Name(),
		Credential:     credential,
		NodeList:       job.NodeList(),
		NumNodes:       uint32(job.Nodes().Count()),
		NumTasks:       d.NumTasks,
		Script:         d.Script,
		Argv:           d.Argv,
		Env:            d.Env,
		WorkDir:        d.WorkDir,
		Stdin:          d.Stdin,
		Stdout:         d.Stdout,
		Stderr:         d.Stderr,
		ControllerTime: now,
	}
	jobId := job.Id()
	c.send(c.targets(hostBits), msg, func(ctx *corralcontext.Context, results []sendResult) {
		c.batchLaunched(ctx, jobId, results)
	})
}

// launchError returns the error of a launch exchange, including a non-zero code in the response.
func launchError(r sendResult) error {
	if r.err != nil {
		return r.err
	}
	if resp, ok := r.resp.(*wire.LaunchResponse); ok && resp.ReturnCode != 0 {
		return corralerrors.Newf(corralerrors.Code(resp.ReturnCode), "launch on %s failed", r.name)
	}
	return nil
}

func (c *Controller) batchLaunched(ctx *corralcontext.Context, jobId uint32, results []sendResult) {
	now := c.now()
	txn := c.jobDb.WriteTxn()
	job := txn.GetById(jobId)
	step, err := txn.Step(jobId, api.BatchStep)
	if job == nil || err != nil || job.State() != api.JobRunning {
		// The job ended while the launch was in flight.
		txn.Abort()
		return
	}
	failures := failedLaunches(results)
	if len(failures) == 0 {
		if err := txn.UpsertStep(step.WithState(api.StepRunning)); err != nil {
			ctx.Log.WithError(err).Errorf("Unable to mark batch step of job %d running", jobId)
		}
		c.commit(txn)
		ctx.Log.Infof("Batch job %d launched on %s", jobId, job.BatchHost())
		return
	}
	if err := c.launchFailed(ctx, txn, job, failures, now); err != nil {
		ctx.Log.WithError(err).Errorf("Unable to handle launch failure of job %d", jobId)
	}
	c.commit(txn)
}

func failedLaunches(results []sendResult) []sendResult {
	var failures []sendResult
	for _, r := range results {
		if err := launchError(r); err != nil {
			r.err = err
			failures = append(failures, r)
		}
	}
	return failures
}

// launchFailed handles a batch job whose launch was refused or never arrived. Failures that say
// something about the node take the node out of service and requeue the job, up to MaxLaunchRetries;
// anything else fails the job.
func (c *Controller) launchFailed(ctx *corralcontext.Context, txn *jobdb.Txn, job *jobdb.Job, failures []sendResult, now time.Time) error {
	requeue := true
	for _, f := range failures {
		code := corralerrors.CodeFromError(f.err)
		launchFailures.WithLabelValues(code.String()).Inc()
		ctx.Log.WithError(f.err).Warnf("Launch of job %d on %s failed", job.Id(), f.name)
		if !nodeFault(f.err) {
			requeue = false
		}
	}
	attempts := job.LaunchAttempts() + 1
	if requeue && attempts <= uint32(c.config.MaxLaunchRetries) {
		if err := c.requeue(txn, job, attempts, now); err != nil {
			return err
		}
		c.faultNodes(ctx, txn, failures, now)
		return nil
	}
	if _, err := c.endJob(txn, job.WithLaunchAttempts(attempts), api.JobFailed, ReasonLaunchFailed, now); err != nil {
		return err
	}
	c.faultNodes(ctx, txn, failures, now)
	return nil
}

// nodeFault reports whether a launch error means the node cannot run work.
func nodeFault(err error) bool {
	switch corralerrors.CodeFromError(err) {
	case corralerrors.CodeCredentialInvalid, corralerrors.CodeCredentialExpired, corralerrors.CodeCredentialRevoked,
		corralerrors.CodeClockSkew:
		return true
	}
	return corralerrors.KindOf(err) == corralerrors.KindTransport
}

// faultNodes takes nodes whose launch failed for node reasons out of service.
func (c *Controller) faultNodes(ctx *corralcontext.Context, txn *jobdb.Txn, failures []sendResult, now time.Time) {
	for _, f := range failures {
		n := c.nodeDb.Node(f.index)
		code := corralerrors.CodeFromError(f.err)
		switch {
		case code == corralerrors.CodeClockSkew:
			c.markNode(n, api.NodeDown, ReasonClockSkew, now)
		case code == corralerrors.CodeCredentialInvalid, code == corralerrors.CodeCredentialExpired, code == corralerrors.CodeCredentialRevoked:
			credentialRejections.Inc()
			c.markNode(n, api.NodeDown, fmt.Sprintf("credential rejected: %s", code), now)
		case corralerrors.KindOf(f.err) == corralerrors.KindTransport:
			c.resolver.Forget(f.host)
			c.markNode(n, api.NodeNoRespond, nodedb.ReasonNotResponding, now)
		default:
			continue
		}
		if n.State == api.NodeDown {
			if err := c.nodeFailed(txn, n, now); err != nil {
				ctx.Log.WithError(err).Errorf("Unable to fail jobs on node %s", n.Name)
			}
		}
	}
}

// requeue returns a running job that never started on its nodes to the pending queue.
func (c *Controller) requeue(txn *jobdb.Txn, job *jobdb.Job, attempts uint32, now time.Time) error {
	c.revoke(job.Id(), api.AllSteps, job.Nodes(), now)
	c.nodeDb.Rollback(job.Nodes())
	for _, step := range txn.Steps(job.Id()) {
		if err := txn.RemoveStep(job.Id(), step.StepId()); err != nil {
			return err
		}
	}
	requeued := job.
		WithoutAllocation().
		WithState(api.JobPending).
		WithLaunchAttempts(attempts).
		WithRestarts(job.Restarts() + 1).
		WithReason(ReasonLaunchFailed).
		WithEligibleTime(now)
	if err := txn.Upsert(now, requeued); err != nil {
		return err
	}
	c.needSchedule = true
	return nil
}

// createStep creates a step within a running job, mints its credential and launches its tasks. The
// request is answered once every node has replied.
func (c *Controller) createStep(ctx *corralcontext.Context, txn *jobdb.Txn, req *request, job *jobdb.Job, spec wire.StepLaunchSpec, withAllocation bool, now time.Time) error {
	switch job.State() {
	case api.JobRunning:
	case api.JobPending:
		return corralerrors.Newf(corralerrors.CodeJobPending, "job %d has not started", job.Id())
	default:
		return corralerrors.Newf(corralerrors.CodeJobNotRunning, "job %d is %s", job.Id(), job.State())
	}
	nodes, tasksPerNode, cpusPerTask, err := c.layoutStep(job, spec)
	if err != nil {
		return err
	}
	stepId, err := txn.AllocateStepId(job.Id(), now)
	if err != nil {
		return err
	}
	names := c.nodeDb.Names(nodes)
	credential := c.signer.Mint(job.Id(), stepId, job.UserId(), names, now).Marshal()
	nodeList := c.nodeDb.HostList(nodes)
	step := jobdb.NewStep(job.Id(), stepId, spec.Name, nodes, nodeList, tasksPerNode, cpusPerTask, spec.Argv, spec.ClientAddr, now).
		WithCredential(credential)
	if err := txn.UpsertStep(step); err != nil {
		return err
	}
	msg := &wire.LaunchTasks{
		JobId:          job.Id(),
		StepId:         stepId,
		UserId:         job.UserId(),
		GroupId:        job.GroupId(),
		Credential:     credential,
		NodeNames:      names,
		TasksPerNode:   tasksPerNode,
		CpusPerTask:    cpusPerTask,
		Argv:           spec.Argv,
		Env:            spec.Env,
		WorkDir:        spec.WorkDir,
		ClientAddr:     spec.ClientAddr,
		Labelled:       spec.Labelled,
		ControllerTime: now,
	}
	if msg.WorkDir == "" {
		msg.WorkDir = job.Descriptor().WorkDir
	}
	jobId := job.Id()
	ok := c.send(c.targets(nodes), msg, func(ctx *corralcontext.Context, results []sendResult) {
		c.stepLaunched(ctx, req, jobId, stepId, results, withAllocation)
	})
	if !ok {
		return corralerrors.New(corralerrors.CodeShuttingDown, "controller is shutting down")
	}
	ctx.Log.Infof("Launching step %s on %s", api.StepName(jobId, stepId), nodeList)
	return nil
}

// layoutStep picks the nodes of a step within the job's allocation and distributes its tasks over them
// in blocks.
func (c *Controller) layoutStep(job *jobdb.Job, spec wire.StepLaunchSpec) (*bitset.BitSet, []uint32, uint32, error) {
	jobNodes := c.nodeDb.Indices(job.Nodes())
	cpusOf := map[int]uint32{}
	for pos, i := range jobNodes {
		if pos < len(job.CpusPerNode()) {
			cpusOf[i] = job.CpusPerNode()[pos]
		}
	}

	var chosen []int
	if spec.NodeList != "" {
		bs, err := c.nodeDb.BitSetFromHostList(spec.NodeList)
		if err != nil {
			return nil, nil, 0, corralerrors.Newf(corralerrors.CodeInvalidNodeName, "%v", err)
		}
		if !job.Nodes().IsSuperSet(bs) {
			return nil, nil, 0, corralerrors.Newf(corralerrors.CodeInvalidNodeName, "nodes %s are not allocated to job %d", spec.NodeList, job.Id())
		}
		chosen = c.nodeDb.Indices(bs)
	} else {
		numNodes := int(spec.NumNodes)
		if numNodes == 0 {
			numNodes = len(jobNodes)
		}
		if numNodes > len(jobNodes) {
			return nil, nil, 0, corralerrors.Newf(corralerrors.CodeTooManyRequestedNodes, "%d nodes requested, job %d holds %d", numNodes, job.Id(), len(jobNodes))
		}
		chosen = jobNodes[:numNodes]
	}
	numTasks := spec.NumTasks
	if numTasks == 0 {
		numTasks = uint32(len(chosen))
	}
	// Never more nodes than tasks.
	if int(numTasks) < len(chosen) {
		chosen = chosen[:numTasks]
	}
	cpusPerTask := spec.CpusPerTask
	if cpusPerTask == 0 {
		cpusPerTask = job.Descriptor().CpusPerTask
	}
	overcommit := spec.Overcommit || job.Descriptor().Overcommit

	nodes := bitset.New(uint(c.nodeDb.NumNodes()))
	tasksPerNode := make([]uint32, len(chosen))
	base, extra := numTasks/uint32(len(chosen)), numTasks%uint32(len(chosen))
	for pos, i := range chosen {
		nodes.Set(uint(i))
		tasksPerNode[pos] = base
		if uint32(pos) < extra {
			tasksPerNode[pos]++
		}
		if !overcommit && tasksPerNode[pos]*cpusPerTask > cpusOf[i] {
			return nil, nil, 0, corralerrors.Newf(corralerrors.CodeBadTaskCount,
				"%d tasks of %d CPUs do not fit the %d CPUs of job %d on %s", tasksPerNode[pos], cpusPerTask, cpusOf[i], job.Id(), c.nodeDb.Node(i).Name)
		}
	}
	return nodes, tasksPerNode, cpusPerTask, nil
}

func (c *Controller) stepLaunched(ctx *corralcontext.Context, req *request, jobId, stepId uint32, results []sendResult, withAllocation bool) {
	now := c.now()
	txn := c.jobDb.WriteTxn()
	job := txn.GetById(jobId)
	step, err := txn.Step(jobId, stepId)
	if job == nil || err != nil {
		txn.Abort()
		c.respond(req, nil, corralerrors.Newf(corralerrors.CodeAlreadyDone, "job %d ended while step %d was launching", jobId, stepId))
		return
	}

	failures := failedLaunches(results)
	if len(failures) == 0 {
		step = step.WithState(api.StepRunning)
		if err := txn.UpsertStep(step); err != nil {
			txn.Abort()
			c.respond(req, nil, err)
			return
		}
		c.commit(txn)
		resp := &wire.StepCreateResponse{
			JobId:        jobId,
			StepId:       stepId,
			NodeList:     step.NodeList(),
			NodeAddrs:    c.nodeAddrs(step.Nodes()),
			TasksPerNode: step.TasksPerNode(),
			Credential:   step.Credential(),
		}
		if withAllocation {
			c.respond(req, &wire.AllocateAndRunResponse{Allocation: *c.allocationResponse(job), Step: *resp}, nil)
			return
		}
		c.respond(req, resp, nil)
		return
	}

	// Tasks that did start are killed and the step is dropped.
	var started []target
	for _, r := range results {
		if launchError(r) == nil {
			started = append(started, r.target)
		}
	}
	c.send(started, &wire.SignalTasks{JobId: jobId, StepId: stepId, Signal: uint16(unix.SIGKILL)}, nil)
	c.revoke(jobId, stepId, step.Nodes(), now)
	info := step.Info()
	info.State = api.StepFailed
	c.stepHistory[jobId] = append(c.stepHistory[jobId], info)
	if err := txn.RemoveStep(jobId, stepId); err != nil {
		ctx.Log.WithError(err).Errorf("Unable to remove step %s", api.StepName(jobId, stepId))
	}
	for _, f := range failures {
		launchFailures.WithLabelValues(corralerrors.CodeFromError(f.err).String()).Inc()
		ctx.Log.WithError(f.err).Warnf("Launch of step %s on %s failed", api.StepName(jobId, stepId), f.name)
	}
	// The allocation ends before its nodes are faulted, so it ends FAILED rather than NODE_FAIL.
	if withAllocation {
		if current := txn.GetById(jobId); current != nil {
			if _, err := c.endJob(txn, current, api.JobFailed, ReasonLaunchFailed, now); err != nil {
				ctx.Log.WithError(err).Errorf("Unable to end job %d", jobId)
			}
		}
	}
	c.faultNodes(ctx, txn, failures, now)
	c.commit(txn)
	c.respond(req, nil, failures[0].err)
}

// terminate asks nodes to kill every process of a job and run its epilog.
func (c *Controller) terminate(jobId uint32, nodes *bitset.BitSet, reason string) {
	c.send(c.targets(nodes), &wire.TerminateJob{JobId: jobId, Reason: reason}, nil)
}

// signal delivers a signal to one step, or every step, of a job on the given nodes.
func (c *Controller) signal(jobId, stepId uint32, nodes *bitset.BitSet, signal uint16) {
	c.send(c.targets(nodes), &wire.SignalTasks{JobId: jobId, StepId: stepId, Signal: signal}, nil)
}

// revoke tells nodes that credentials of a step, or of every step of a job, are no longer valid.
func (c *Controller) revoke(jobId, stepId uint32, nodes *bitset.BitSet, now time.Time) {
	targets := c.targets(nodes)
	if len(targets) == 0 {
		return
	}
	msg := &wire.RevokeCredential{JobId: jobId, StepId: stepId, Time: now}
	c.pool.Submit(func(ctx *corralcontext.Context) {
		for _, t := range targets {
			addr, err := c.resolver.Resolve(ctx, t.host, t.port)
			if err == nil {
				err = c.dialer.Notify(ctx, addr, msg)
			}
			if err != nil {
				ctx.Log.WithError(err).Warnf("Unable to revoke credentials of %s on %s", api.StepName(jobId, stepId), t.name)
			}
		}
	})
}

// revokeSteps revokes the credentials of every step of a job that is ending.
func (c *Controller) revokeSteps(txn *jobdb.Txn, job *jobdb.Job, now time.Time) {
	if len(txn.Steps(job.Id())) == 0 {
		return
	}
	c.revoke(job.Id(), api.AllSteps, job.Nodes(), now)
}

// resumeNodes runs ResumeProgram for powered down nodes a pending job is expected to use.
func (c *Controller) resumeNodes(ctx *corralcontext.Context, nodes *bitset.BitSet) {
	names := c.nodeDb.HostList(nodes)
	program := c.config.ResumeProgram
	if program == "" {
		ctx.Log.Warnf("Nodes %s need resuming but no ResumeProgram is configured", names)
		return
	}
	c.pool.Submit(func(ctx *corralcontext.Context) {
		out, err := exec.CommandContext(ctx, program, names).CombinedOutput()
		if err != nil {
			ctx.Log.WithError(err).Warnf("ResumeProgram failed for %s: %s", names, strings.TrimSpace(string(out)))
			return
		}
		ctx.Log.Infof("Resumed %s", names)
	})
}
