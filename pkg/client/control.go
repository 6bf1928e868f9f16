package client

import (
	"context"

	"github.com/armadaproject/corral/pkg/wire"
)

func (c *Client) LoadJobs(ctx context.Context, req *wire.LoadJobs) (*wire.JobInfoResponse, error) {
	return call[*wire.JobInfoResponse](ctx, c, req)
}

// LoadNodes returns the nodes named by the hostlist expression names, or every node if it is empty.
func (c *Client) LoadNodes(ctx context.Context, names string) (*wire.NodeInfoResponse, error) {
	return call[*wire.NodeInfoResponse](ctx, c, &wire.LoadNodes{Names: names})
}

// LoadPartitions returns the named partition, or every partition if name is empty.
func (c *Client) LoadPartitions(ctx context.Context, name string) (*wire.PartitionInfoResponse, error) {
	return call[*wire.PartitionInfoResponse](ctx, c, &wire.LoadPartitions{Name: name})
}

func (c *Client) UpdateNode(ctx context.Context, req *wire.UpdateNode) error {
	return c.acknowledge(ctx, req)
}

func (c *Client) UpdatePartition(ctx context.Context, req *wire.UpdatePartition) error {
	return c.acknowledge(ctx, req)
}

// Ping checks the controller is answering. It is not retried.
func (c *Client) Ping(ctx context.Context) error {
	once := *c
	once.attempts = 1
	return once.acknowledge(ctx, &wire.Ping{})
}

// Reconfigure asks the controller to reread its configuration file.
func (c *Client) Reconfigure(ctx context.Context) error {
	return c.acknowledge(ctx, &wire.Reconfigure{})
}

// Shutdown asks the controller to save its state and exit. Immediate skips the final checkpoint.
func (c *Client) Shutdown(ctx context.Context, immediate bool) error {
	return c.acknowledge(ctx, &wire.Shutdown{Immediate: immediate})
}
