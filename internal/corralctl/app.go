// Package corralctl implements the corralctl commands on top of pkg/client.
package corralctl

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/client"
	"github.com/armadaproject/corral/pkg/wire"
)

const defaultTimeout = 30 * time.Second

// Controller is the part of *client.Client the commands use.
type Controller interface {
	Submit(ctx context.Context, job api.JobDescriptor) (*wire.SubmitResponse, error)
	Run(ctx context.Context, job api.JobDescriptor, step wire.StepLaunchSpec, opts client.RunOptions) (*client.RunResult, error)
	Cancel(ctx context.Context, jobId, stepId uint32, signal uint16) error
	LoadJobs(ctx context.Context, req *wire.LoadJobs) (*wire.JobInfoResponse, error)
	LoadNodes(ctx context.Context, names string) (*wire.NodeInfoResponse, error)
	LoadPartitions(ctx context.Context, name string) (*wire.PartitionInfoResponse, error)
	UpdateNode(ctx context.Context, req *wire.UpdateNode) error
	UpdatePartition(ctx context.Context, req *wire.UpdatePartition) error
	Ping(ctx context.Context) error
	Reconfigure(ctx context.Context) error
	Shutdown(ctx context.Context, immediate bool) error
}

// App holds what every command needs.
type App struct {
	Controller Controller
	In         io.Reader
	Out        io.Writer
	Err        io.Writer
	// Environment copied into submitted jobs
	Environ func() []string
	Now     func() time.Time
}

func New(controller Controller) *App {
	return &App{
		Controller: controller,
		In:         os.Stdin,
		Out:        os.Stdout,
		Err:        os.Stderr,
		Environ:    os.Environ,
		Now:        time.Now,
	}
}

func contextWithDefaultTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultTimeout)
}
