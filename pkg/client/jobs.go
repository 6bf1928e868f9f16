package client

import (
	"context"
	"time"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

// Submit queues a batch job.
func (c *Client) Submit(ctx context.Context, job api.JobDescriptor) (*wire.SubmitResponse, error) {
	return call[*wire.SubmitResponse](ctx, c, &wire.SubmitBatchJob{Job: job})
}

// Allocate requests an interactive allocation. The response has an empty NodeList while the job is
// pending; WaitForAllocation waits for it to start.
func (c *Client) Allocate(ctx context.Context, job api.JobDescriptor) (*wire.AllocationResponse, error) {
	return call[*wire.AllocationResponse](ctx, c, &wire.AllocateResources{Job: job})
}

// AllocateAndRun requests an allocation and runs step in it. It returns once the step has launched, which
// for a job that has to wait for resources can take as long as the job is pending; only ctx bounds the wait.
func (c *Client) AllocateAndRun(ctx context.Context, job api.JobDescriptor, step wire.StepLaunchSpec) (*wire.AllocateAndRunResponse, error) {
	return call[*wire.AllocateAndRunResponse](ctx, c.withTimeout(pendingWait), &wire.AllocateAndRun{Job: job, Step: step})
}

func (c *Client) AllocationInfo(ctx context.Context, jobId uint32) (*wire.AllocationResponse, error) {
	return call[*wire.AllocationResponse](ctx, c, &wire.JobAllocationInfo{JobId: jobId})
}

// WaitForAllocation polls the allocation of jobId until it has nodes. It fails if the job ends first.
func (c *Client) WaitForAllocation(ctx context.Context, jobId uint32, poll time.Duration) (*wire.AllocationResponse, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		alloc, err := c.AllocationInfo(ctx, jobId)
		if err != nil {
			return nil, err
		}
		switch {
		case alloc.NodeList != "":
			return alloc, nil
		case alloc.State.IsTerminal():
			return nil, corralerrors.Newf(corralerrors.CodeAlreadyDone, "job %d ended %s before it started", jobId, alloc.State)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// StepCreate runs a step in an existing allocation.
func (c *Client) StepCreate(ctx context.Context, jobId uint32, step wire.StepLaunchSpec) (*wire.StepCreateResponse, error) {
	return call[*wire.StepCreateResponse](ctx, c, &wire.JobStepCreate{JobId: jobId, Step: step})
}

// Cancel cancels a job when stepId is api.AllSteps, or signals one of its steps otherwise. Signal zero
// terminates.
func (c *Client) Cancel(ctx context.Context, jobId, stepId uint32, signal uint16) error {
	return c.acknowledge(ctx, &wire.JobCancel{JobId: jobId, StepId: stepId, Signal: signal})
}

// Complete releases an allocation, recording returnCode as its exit status.
func (c *Client) Complete(ctx context.Context, jobId, returnCode uint32) error {
	return c.acknowledge(ctx, &wire.JobComplete{JobId: jobId, ReturnCode: returnCode})
}

// Step returns the record of one step of a job, including steps that have already ended.
func (c *Client) Step(ctx context.Context, jobId, stepId uint32) (*api.StepInfo, error) {
	jobs, err := c.LoadJobs(ctx, &wire.LoadJobs{JobId: jobId, WithSteps: true})
	if err != nil {
		return nil, err
	}
	for _, job := range jobs.Jobs {
		for i := range job.Steps {
			if job.Steps[i].StepId == stepId {
				return &job.Steps[i], nil
			}
		}
	}
	return nil, corralerrors.Newf(corralerrors.CodeUnknownStep, "step %s does not exist", api.StepName(jobId, stepId))
}
