package client

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/stepio"
	"github.com/armadaproject/corral/pkg/wire"
)

const (
	stepPoll      = 200 * time.Millisecond
	cancelTimeout = 10 * time.Second
)

// RunOptions connect the standard streams of an interactive step.
type RunOptions struct {
	// Input broadcast to every task; nil closes their stdin at once.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Prefix each output line with its task id.
	Labelled bool
	// Host node agents connect back to. Defaults to this host's name.
	AdvertiseHost string
}

type RunResult struct {
	JobId  uint32
	StepId uint32
	// Largest wait status of the step's tasks
	ReturnCode uint32
}

// Run allocates resources for job, runs step in them with its I/O connected to opts, and releases the
// allocation when the step ends. If ctx ends first the job is cancelled.
func (c *Client) Run(ctx context.Context, job api.JobDescriptor, step wire.StepLaunchSpec, opts RunOptions) (*RunResult, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	host := opts.AdvertiseHost
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			_ = listener.Close()
			return nil, errors.WithStack(err)
		}
	}
	step.ClientAddr = net.JoinHostPort(host, strconv.Itoa(listener.Addr().(*net.TCPAddr).Port))
	step.Labelled = opts.Labelled

	var muxOpts []stepio.Option
	if opts.Labelled {
		muxOpts = append(muxOpts, stepio.WithLabels())
	}
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	mux := stepio.NewMultiplexer(listener, stdout, stderr, muxOpts...)
	muxCtx, stopMux := context.WithCancel(ctx)
	defer stopMux()
	go func() {
		if err := mux.Serve(muxCtx); err != nil && muxCtx.Err() == nil {
			log.WithError(err).Warn("Step I/O stopped")
		}
	}()

	resp, err := c.AllocateAndRun(ctx, job, step)
	if err != nil {
		return nil, err
	}
	jobId, stepId := resp.Step.JobId, resp.Step.StepId
	log.Debugf("Step %s launched on %s", api.StepName(jobId, stepId), resp.Step.NodeList)

	var tasks int
	for _, n := range resp.Step.TasksPerNode {
		tasks += int(n)
	}
	stdin := opts.Stdin
	if stdin == nil {
		stdin = bytes.NewReader(nil)
	}
	pump := &stepio.StdinPump{Mux: mux, Target: stepio.AllTasks, Tasks: tasks}
	go func() {
		if err := pump.Run(muxCtx, stdin); err != nil && muxCtx.Err() == nil {
			log.WithError(err).Warn("Unable to forward stdin")
		}
	}()

	info, err := c.awaitStep(ctx, mux, jobId, stepId, tasks)
	if err != nil {
		if ctx.Err() != nil {
			c.cancelAfter(jobId)
		}
		return nil, err
	}
	if err := c.Complete(ctx, jobId, info.ExitCode); err != nil {
		return nil, err
	}
	return &RunResult{JobId: jobId, StepId: stepId, ReturnCode: info.ExitCode}, nil
}

// awaitStep waits for the output of every task to end and then for the controller to record the step's end.
func (c *Client) awaitStep(ctx context.Context, mux *stepio.Multiplexer, jobId, stepId uint32, tasks int) (*api.StepInfo, error) {
	if err := mux.WaitTasks(ctx, tasks); err != nil {
		return nil, err
	}
	ticker := time.NewTicker(stepPoll)
	defer ticker.Stop()
	for {
		info, err := c.Step(ctx, jobId, stepId)
		if err != nil {
			return nil, err
		}
		if info.State == api.StepDone || info.State == api.StepFailed {
			return info, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		}
	}
}

// cancelAfter cancels a job on behalf of a caller whose context has already ended.
func (c *Client) cancelAfter(jobId uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := c.Cancel(ctx, jobId, api.AllSteps, 0); err != nil {
		log.WithError(err).Warnf("Unable to cancel job %d", jobId)
	}
}

// Reattach connects the tasks of a running step to the multiplexer listening at clientAddr. nodeAddrs are
// the agents running the step and credential is the one it was created with.
func (c *Client) Reattach(ctx context.Context, nodeAddrs []string, jobId, stepId uint32, credential []byte, clientAddr string) ([]*wire.ReattachResponse, error) {
	responses := make([]*wire.ReattachResponse, len(nodeAddrs))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range nodeAddrs {
		i, addr := i, addr
		g.Go(func() error {
			resp, err := wire.CallExpect[*wire.ReattachResponse](gctx, c.dialer, addr, &wire.ReattachTasks{
				JobId:      jobId,
				StepId:     stepId,
				Credential: credential,
				ClientAddr: clientAddr,
			})
			if err != nil {
				return errors.WithMessagef(err, "reattaching to %s", addr)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}
