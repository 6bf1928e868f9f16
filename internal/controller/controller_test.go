package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

func TestBatchJob_Completes(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)

	id := c.submit(t, nil)
	launch := c.agents["n1"].next(t, wire.KindBatchJobLaunch).(*wire.BatchJobLaunch)
	assert.Equal(t, id, launch.JobId)
	assert.Equal(t, api.BatchStep, launch.StepId)
	assert.Equal(t, "n1", launch.NodeList)
	assert.Equal(t, "#!/bin/sh\n/bin/true\n", launch.Script)

	c.waitForJob(t, id, api.JobRunning)
	c.waitForBatchRunning(t, id)
	assert.Equal(t, api.NodeAllocated, c.node(t, "n1").State)

	c.finishBatch(t, id, 0)
	job := c.waitForJob(t, id, api.JobCompleted)
	assert.Equal(t, uint32(0), job.ExitCode)
	assert.Equal(t, "n1", job.NodeList)
	c.waitForNode(t, "n1", api.NodeIdle)

	require.Eventually(t, func() bool { return len(c.sink.forJob(id)) > 0 }, waitFor, pollFor)
	records := c.sink.forJob(id)
	require.Len(t, records, 1)
	assert.Equal(t, api.JobCompleted, records[0].State)
	assert.Equal(t, "test", records[0].Cluster)
	c.checkInvariant(t)
}

func TestBatchJob_NonZeroExitFails(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)

	id := c.submit(t, nil)
	c.waitForBatchRunning(t, id)
	c.finishBatch(t, id, 256)

	job := c.waitForJob(t, id, api.JobFailed)
	assert.Equal(t, uint32(256), job.ExitCode)
}

func TestQueuedThenScheduled(t *testing.T) {
	c := newTestCluster(t, "", "n1", "n2")
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)
	c.waitForNode(t, "n2", api.NodeIdle)

	a := c.submit(t, func(d *api.JobDescriptor) {
		d.MinNodes, d.MaxNodes, d.NumTasks = 2, 2, 2
		d.TimeLimit = 2
	})
	c.waitForJob(t, a, api.JobRunning)
	b := c.submit(t, nil)

	pending := c.job(t, b)
	assert.Equal(t, api.JobPending, pending.State)
	assert.False(t, pending.ExpectedStart.IsZero())
	assert.Equal(t, testStart.Add(2*time.Minute), pending.ExpectedStart)

	c.waitForBatchRunning(t, a)
	c.finishBatch(t, a, 0)
	c.waitForJob(t, a, api.JobCompleted)
	running := c.waitForJob(t, b, api.JobRunning)
	assert.True(t, running.ExpectedStart.IsZero())
	c.checkInvariant(t)
}

func TestSubmit_Rejected(t *testing.T) {
	tests := map[string]struct {
		mutate       func(d *api.JobDescriptor)
		expectedCode corralerrors.Code
	}{
		"more nodes than exist": {
			mutate:       func(d *api.JobDescriptor) { d.MinNodes, d.MaxNodes, d.NumTasks = 3, 3, 3 },
			expectedCode: corralerrors.CodeTooManyRequestedNodes,
		},
		"time limit above partition maximum": {
			mutate:       func(d *api.JobDescriptor) { d.TimeLimit = 120 },
			expectedCode: corralerrors.CodeInvalidTimeLimit,
		},
		"unknown partition": {
			mutate:       func(d *api.JobDescriptor) { d.Partition = "nowhere" },
			expectedCode: corralerrors.CodeInvalidPartitionName,
		},
		"no script": {
			mutate:       func(d *api.JobDescriptor) { d.Script = "" },
			expectedCode: corralerrors.CodeJobScriptMissing,
		},
	}
	c := newTestCluster(t, "", "n1", "n2")
	c.registerAll(t)
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.call(&wire.SubmitBatchJob{Job: testJob(tc.mutate)})
			require.Error(t, err)
			assert.Equal(t, tc.expectedCode, corralerrors.CodeFromError(err))
		})
	}

	resp, err := c.call(&wire.LoadJobs{})
	require.NoError(t, err)
	assert.Empty(t, resp.(*wire.JobInfoResponse).Jobs)
}

func TestSubmit_ImmediateOnBusyClusterFails(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)

	first := c.submit(t, nil)
	c.waitForJob(t, first, api.JobRunning)

	_, err := c.call(&wire.SubmitBatchJob{Job: testJob(func(d *api.JobDescriptor) { d.Immediate = true })})
	require.Error(t, err)
	assert.Equal(t, corralerrors.CodeNodesBusy, corralerrors.CodeFromError(err))
}

func TestCancel_Running(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)

	id := c.submit(t, func(d *api.JobDescriptor) { d.Script = "#!/bin/sh\nsleep infinity\n" })
	c.waitForBatchRunning(t, id)

	_, err := c.call(&wire.JobCancel{JobId: id, StepId: api.AllSteps})
	require.NoError(t, err)
	terminate := c.agents["n1"].next(t, wire.KindTerminateJob).(*wire.TerminateJob)
	assert.Equal(t, id, terminate.JobId)
	assert.Equal(t, ReasonCancelled, terminate.Reason)
	assert.Equal(t, api.JobCompleting, c.job(t, id).State)
	assert.Equal(t, api.NodeCompleting, c.node(t, "n1").State)

	_, err = c.call(&wire.StepComplete{JobId: id, StepId: api.BatchStep, NodeName: "n1", ReturnCode: uint32(unix.SIGKILL)})
	require.NoError(t, err)
	c.epilog(t, id, "n1", 0)

	job := c.waitForJob(t, id, api.JobCancelled)
	assert.Equal(t, ReasonCancelled, job.StateReason)
	c.waitForNode(t, "n1", api.NodeIdle)
	c.checkInvariant(t)
}

func TestCancel_Idempotent(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	// Nodes never register, so the job stays pending.
	id := c.submit(t, nil)
	for i := 0; i < 3; i++ {
		_, err := c.call(&wire.JobCancel{JobId: id, StepId: api.AllSteps})
		require.NoError(t, err)
	}
	assert.Equal(t, api.JobCancelled, c.job(t, id).State)

	require.Eventually(t, func() bool { return len(c.sink.forJob(id)) > 0 }, waitFor, pollFor)
	assert.Len(t, c.sink.forJob(id), 1)
}

func TestCancel_SignalPendingJob(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	id := c.submit(t, nil)
	_, err := c.call(&wire.JobCancel{JobId: id, StepId: api.AllSteps, Signal: uint16(unix.SIGUSR1)})
	require.Error(t, err)
	assert.Equal(t, corralerrors.CodeJobPending, corralerrors.CodeFromError(err))
}

func TestCancel_SignalRunningJob(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)
	id := c.submit(t, nil)
	c.waitForBatchRunning(t, id)

	_, err := c.call(&wire.JobCancel{JobId: id, StepId: api.AllSteps, Signal: uint16(unix.SIGUSR1)})
	require.NoError(t, err)
	signal := c.agents["n1"].next(t, wire.KindSignalTasks).(*wire.SignalTasks)
	assert.Equal(t, id, signal.JobId)
	assert.Equal(t, api.AllSteps, signal.StepId)
	assert.Equal(t, uint16(unix.SIGUSR1), signal.Signal)
	assert.Equal(t, api.JobRunning, c.job(t, id).State)
}

func TestKillRetries_NodeGoesDown(t *testing.T) {
	c := newTestCluster(t, "KillWait=30 MessageTimeout=10 KillRetries=1\n", "n1")
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)
	id := c.submit(t, nil)
	c.waitForBatchRunning(t, id)

	_, err := c.call(&wire.JobCancel{JobId: id, StepId: api.AllSteps})
	require.NoError(t, err)
	c.agents["n1"].next(t, wire.KindTerminateJob)

	// The agent never reports its epilog.
	c.tick(41 * time.Second)
	c.agents["n1"].next(t, wire.KindTerminateJob)
	c.tick(41 * time.Second)

	node := c.waitForNode(t, "n1", api.NodeDown)
	assert.Equal(t, ReasonKillTaskFailed, node.Reason)
	c.waitForJob(t, id, api.JobCancelled)
	c.checkInvariant(t)
}

func TestCredentialRejection_RequeuesThenFails(t *testing.T) {
	c := newTestCluster(t, "MaxLaunchRetries=1\n", "n1", "n2")
	for _, a := range c.agents {
		a.setCorrupt(true)
	}
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)
	c.waitForNode(t, "n2", api.NodeIdle)

	id := c.submit(t, nil)
	job := c.waitForJob(t, id, api.JobFailed)
	assert.Equal(t, ReasonLaunchFailed, job.StateReason)
	assert.Equal(t, uint32(1), job.Restarts)

	for _, name := range []string{"n1", "n2"} {
		node := c.waitForNode(t, name, api.NodeDown)
		assert.Equal(t, "credential rejected: CREDENTIAL_INVALID", node.Reason)
	}
	require.Eventually(t, func() bool { return len(c.sink.forJob(id)) > 0 }, waitFor, pollFor)
	assert.Len(t, c.sink.forJob(id), 1)
	c.checkInvariant(t)
}

func TestCredentialRejection_RequeuedJobRunsElsewhere(t *testing.T) {
	c := newTestCluster(t, "MaxLaunchRetries=3\n", "n1", "n2")
	c.agents["n1"].setCorrupt(true)
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)
	c.waitForNode(t, "n2", api.NodeIdle)

	id := c.submit(t, nil)
	c.waitForBatchRunning(t, id)
	job := c.job(t, id)
	assert.Equal(t, "n2", job.NodeList)
	assert.Equal(t, uint32(1), job.Restarts)
	assert.Equal(t, api.NodeDown, c.node(t, "n1").State)
	c.checkInvariant(t)
}

func TestWarmRestart(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)
	id := c.submit(t, func(d *api.JobDescriptor) { d.Script = "#!/bin/sh\nsleep 60\n" })
	c.waitForBatchRunning(t, id)

	c.restart(t)

	job := c.job(t, id)
	assert.Equal(t, api.JobRunning, job.State)
	node := c.node(t, "n1")
	assert.Equal(t, api.NodeAllocated, node.State)
	assert.Equal(t, uint32(1), node.RunJobs)

	c.register(t, "n1", wire.StepRef{JobId: id, StepId: api.BatchStep})
	assert.Equal(t, api.JobRunning, c.job(t, id).State)
	assert.Equal(t, uint32(1), c.node(t, "n1").RunJobs)
	c.checkInvariant(t)

	c.finishBatch(t, id, 0)
	c.waitForJob(t, id, api.JobCompleted)
	c.waitForNode(t, "n1", api.NodeIdle)

	next := c.submit(t, nil)
	assert.Greater(t, next, id)
}

func TestAllocateAndRun(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)

	d := testJob(func(d *api.JobDescriptor) {
		d.Script = ""
		d.NumTasks, d.CpusPerTask = 2, 2
	})
	resp, err := c.call(&wire.AllocateAndRun{Job: d, Step: wire.StepLaunchSpec{NumTasks: 2, Argv: []string{"hostname"}}})
	require.NoError(t, err)
	run, ok := resp.(*wire.AllocateAndRunResponse)
	require.True(t, ok)
	assert.Equal(t, api.JobRunning, run.Allocation.State)
	assert.Equal(t, "n1", run.Allocation.NodeList)
	assert.Equal(t, "n1", run.Step.NodeList)
	assert.Equal(t, []uint32{2}, run.Step.TasksPerNode)
	assert.NotEmpty(t, run.Step.Credential)

	launch := c.agents["n1"].next(t, wire.KindLaunchTasks).(*wire.LaunchTasks)
	assert.Equal(t, run.Allocation.JobId, launch.JobId)
	assert.Equal(t, []string{"hostname"}, launch.Argv)

	_, err = c.call(&wire.JobComplete{JobId: run.Allocation.JobId})
	require.NoError(t, err)
	c.agents["n1"].next(t, wire.KindTerminateJob)
	c.epilog(t, run.Allocation.JobId, "n1", 0)
	c.waitForJob(t, run.Allocation.JobId, api.JobCompleted)
}

func TestAllocateAndRun_WaitsForResources(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)

	first := c.submit(t, func(d *api.JobDescriptor) { d.CpusPerTask = 4 })
	c.waitForBatchRunning(t, first)

	type result struct {
		resp wire.Message
		err  error
	}
	replies := make(chan result, 1)
	go func() {
		d := testJob(func(d *api.JobDescriptor) {
			d.Script = ""
			d.CpusPerTask = 4
		})
		resp, err := c.call(&wire.AllocateAndRun{Job: d, Step: wire.StepLaunchSpec{Argv: []string{"hostname"}}})
		replies <- result{resp: resp, err: err}
	}()
	require.Eventually(t, func() bool {
		resp, err := c.call(&wire.LoadJobs{})
		return err == nil && len(resp.(*wire.JobInfoResponse).Jobs) == 2
	}, waitFor, pollFor)
	second := c.job(t, first+1)
	assert.Equal(t, api.JobPending, second.State)
	assert.Empty(t, replies)

	c.finishBatch(t, first, 0)
	launch := c.agents["n1"].next(t, wire.KindLaunchTasks).(*wire.LaunchTasks)
	assert.Equal(t, second.JobId, launch.JobId)

	select {
	case r := <-replies:
		require.NoError(t, r.err)
		run, ok := r.resp.(*wire.AllocateAndRunResponse)
		require.True(t, ok)
		assert.Equal(t, second.JobId, run.Allocation.JobId)
		assert.Equal(t, api.JobRunning, run.Allocation.State)
		assert.Equal(t, "n1", run.Step.NodeList)
	case <-time.After(waitFor):
		require.FailNow(t, "allocate-and-run was never answered")
	}
}

func TestAllocateAndRun_PendingJobCancelled(t *testing.T) {
	// Nodes never register, so the allocation stays pending.
	c := newTestCluster(t, "", "n1")
	replies := make(chan error, 1)
	go func() {
		d := testJob(func(d *api.JobDescriptor) { d.Script = "" })
		_, err := c.call(&wire.AllocateAndRun{Job: d, Step: wire.StepLaunchSpec{Argv: []string{"hostname"}}})
		replies <- err
	}()
	var id uint32
	require.Eventually(t, func() bool {
		resp, err := c.call(&wire.LoadJobs{})
		if err != nil || len(resp.(*wire.JobInfoResponse).Jobs) != 1 {
			return false
		}
		id = resp.(*wire.JobInfoResponse).Jobs[0].JobId
		return true
	}, waitFor, pollFor)

	_, err := c.call(&wire.JobCancel{JobId: id, StepId: api.AllSteps})
	require.NoError(t, err)
	select {
	case err := <-replies:
		assert.Equal(t, corralerrors.CodeAlreadyDone, corralerrors.CodeFromError(err))
	case <-time.After(waitFor):
		require.FailNow(t, "allocate-and-run was never answered")
	}
	assert.Equal(t, api.JobCancelled, c.job(t, id).State)
}

func TestAllocateAndRun_RejectedLaunchFailsJob(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	c.agents["n1"].setCorrupt(true)
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)

	d := testJob(func(d *api.JobDescriptor) { d.Script = "" })
	_, err := c.call(&wire.AllocateAndRun{Job: d, Step: wire.StepLaunchSpec{Argv: []string{"hostname"}}})
	require.Error(t, err)
	assert.Equal(t, corralerrors.CodeCredentialInvalid, corralerrors.CodeFromError(err))

	resp, err := c.call(&wire.LoadJobs{})
	require.NoError(t, err)
	jobs := resp.(*wire.JobInfoResponse).Jobs
	require.Len(t, jobs, 1)
	assert.Equal(t, api.JobFailed, jobs[0].State)
	assert.Equal(t, api.NodeDown, c.node(t, "n1").State)
}

func TestPermissions(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	id := c.submit(t, nil)
	features := "gpu"

	tests := map[string]struct {
		msg wire.Message
	}{
		"cancel another user's job":     {msg: &wire.JobCancel{JobId: id, StepId: api.AllSteps}},
		"update a node":                 {msg: &wire.UpdateNode{Names: "n1", State: api.NodeDraining, Reason: "maint"}},
		"change node features":          {msg: &wire.UpdateNode{Names: "n1", State: api.NodeUnknown, Features: &features}},
		"update a partition":            {msg: &wire.UpdatePartition{Name: "default"}},
		"reconfigure":                   {msg: &wire.Reconfigure{}},
		"shut the controller down":      {msg: &wire.Shutdown{}},
		"register as an agent":          {msg: &wire.NodeRegistration{NodeName: "n1", Cpus: 4, RealMemoryMB: 1000}},
		"report a step complete":        {msg: &wire.StepComplete{JobId: id, StepId: api.BatchStep, NodeName: "n1"}},
		"report an epilog":              {msg: &wire.EpilogComplete{JobId: id, NodeName: "n1"}},
		"submit with negative priority": {msg: &wire.SubmitBatchJob{Job: testJob(func(d *api.JobDescriptor) { d.Nice = -10 })}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.callAs(c.user, tc.msg)
			require.Error(t, err)
			assert.Equal(t, corralerrors.CodeAccessDenied, corralerrors.CodeFromError(err))
		})
	}
	assert.Equal(t, api.JobPending, c.job(t, id).State)
}

func TestSubmit_UserIdentityIsTaken(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	resp, err := c.callAs(c.user, &wire.SubmitBatchJob{Job: testJob(func(d *api.JobDescriptor) { d.UserId = 0 })})
	require.NoError(t, err)
	id := resp.(*wire.SubmitResponse).JobId
	job := c.job(t, id)
	assert.Equal(t, c.user.Identity.Uid, job.UserId)
	assert.Equal(t, c.user.Identity.Gid, job.GroupId)

	_, err = c.callAs(c.user, &wire.JobCancel{JobId: id, StepId: api.AllSteps})
	require.NoError(t, err)
	assert.Equal(t, api.JobCancelled, c.job(t, id).State)
}

func TestUpdateNode_DrainAndResume(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)

	_, err := c.call(&wire.UpdateNode{Names: "n1", State: api.NodeDraining, Reason: "maintenance"})
	require.NoError(t, err)
	node := c.node(t, "n1")
	assert.Equal(t, api.NodeDrained, node.State)
	assert.Equal(t, "maintenance", node.Reason)

	id := c.submit(t, nil)
	assert.Equal(t, api.JobPending, c.job(t, id).State)

	_, err = c.call(&wire.UpdateNode{Names: "n1", State: api.NodeIdle})
	require.NoError(t, err)
	c.waitForJob(t, id, api.JobRunning)
}

func TestRegistration_UnknownStepIsKilled(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	c.registerAll(t)
	c.waitForNode(t, "n1", api.NodeIdle)

	c.register(t, "n1", wire.StepRef{JobId: 999, StepId: 0})
	terminate := c.agents["n1"].next(t, wire.KindTerminateJob).(*wire.TerminateJob)
	assert.Equal(t, uint32(999), terminate.JobId)
}

func TestShutdownRequest(t *testing.T) {
	c := newTestCluster(t, "", "n1")
	_, err := c.call(&wire.Shutdown{})
	require.NoError(t, err)
	select {
	case err := <-c.done:
		require.NoError(t, err)
		c.cancel()
		c.cancel = nil
	case <-time.After(waitFor):
		require.FailNow(t, "controller did not stop")
	}
}
