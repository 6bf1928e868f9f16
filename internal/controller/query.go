package controller

import (
	"net"
	"strconv"

	"github.com/bits-and-blooms/bitset"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/controller/jobdb"
	"github.com/armadaproject/corral/internal/controller/locks"
	"github.com/armadaproject/corral/internal/controller/nodedb"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

// queryLocks is the lock set a read-only request needs.
func queryLocks(msg wire.Message) locks.Request {
	switch msg.(type) {
	case *wire.Ping:
		return locks.Request{}
	case *wire.LoadJobs:
		return locks.ReadJobs
	case *wire.LoadNodes, *wire.LoadPartitions:
		return locks.ReadNodes
	}
	// Allocation info reads the job and the addresses of its nodes.
	return locks.ReadAll
}

// serveQuery answers a read-only request on the connection goroutine under read locks.
func (c *Controller) serveQuery(ctx *corralcontext.Context, id wire.Identity, msg wire.Message) wire.Message {
	var resp wire.Message
	c.locks.With(queryLocks(msg), func() {
		resp = c.answerQuery(ctx, id, msg)
	})
	return resp
}

func (c *Controller) answerQuery(ctx *corralcontext.Context, id wire.Identity, msg wire.Message) wire.Message {
	now := c.now()
	switch m := msg.(type) {
	case *wire.Ping:
		return wire.ReturnCodeFor(nil)
	case *wire.LoadJobs:
		jobs, err := c.loadJobs(m)
		if err != nil {
			return wire.ReturnCodeFor(err)
		}
		return &wire.JobInfoResponse{LastUpdate: now, Jobs: jobs}
	case *wire.LoadNodes:
		nodes, err := c.loadNodes(m.Names)
		if err != nil {
			return wire.ReturnCodeFor(err)
		}
		return &wire.NodeInfoResponse{LastUpdate: now, Nodes: nodes}
	case *wire.LoadPartitions:
		var partitions []*nodedb.Partition
		if m.Name == "" {
			partitions = c.nodeDb.Partitions()
		} else {
			p, err := c.nodeDb.Partition(m.Name)
			if err != nil {
				return wire.ReturnCodeFor(corralerrors.Newf(corralerrors.CodeInvalidPartitionName, "partition %s does not exist", m.Name))
			}
			partitions = append(partitions, p)
		}
		resp := &wire.PartitionInfoResponse{LastUpdate: now}
		for _, p := range partitions {
			resp.Partitions = append(resp.Partitions, c.nodeDb.PartitionInfo(p))
		}
		return resp
	case *wire.JobAllocationInfo:
		job := c.jobDb.ReadTxn().GetById(m.JobId)
		if job == nil {
			return wire.ReturnCodeFor(corralerrors.Newf(corralerrors.CodeInvalidJobId, "job %d does not exist", m.JobId))
		}
		if job.UserId() != id.Uid && !c.isOperator(id) {
			return wire.ReturnCodeFor(corralerrors.Newf(corralerrors.CodeAccessDenied, "job %d belongs to another user", m.JobId))
		}
		return c.allocationResponse(job)
	}
	ctx.Log.Errorf("No query handler for %s", msg.Kind())
	return wire.ReturnCodeFor(corralerrors.Newf(corralerrors.CodeUnexpectedMessage, "unexpected %s", msg.Kind()))
}

func (c *Controller) loadJobs(m *wire.LoadJobs) ([]api.JobInfo, error) {
	txn := c.jobDb.ReadTxn()
	var jobs []*jobdb.Job
	if m.JobId != 0 {
		job := txn.GetById(m.JobId)
		if job == nil {
			return nil, corralerrors.Newf(corralerrors.CodeInvalidJobId, "job %d does not exist", m.JobId)
		}
		jobs = append(jobs, job)
	} else {
		jobs = txn.List(jobdb.Filter{
			States:       m.States,
			UserId:       m.UserId,
			Partition:    m.Partition,
			UpdatedSince: m.UpdatedSince,
		})
	}
	infos := make([]api.JobInfo, 0, len(jobs))
	for _, job := range jobs {
		info := job.Info()
		if m.WithSteps {
			info.Steps = append(info.Steps, c.stepHistory[job.Id()]...)
			for _, s := range txn.Steps(job.Id()) {
				info.Steps = append(info.Steps, s.Info())
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (c *Controller) loadNodes(names string) ([]api.NodeInfo, error) {
	var nodes []*nodedb.Node
	if names == "" {
		nodes = c.nodeDb.Nodes()
	} else {
		bs, err := c.nodeDb.BitSetFromHostList(names)
		if err != nil {
			return nil, corralerrors.Newf(corralerrors.CodeInvalidNodeName, "%v", err)
		}
		for _, i := range c.nodeDb.Indices(bs) {
			nodes = append(nodes, c.nodeDb.Node(i))
		}
	}
	infos := make([]api.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, c.nodeDb.NodeInfo(n))
	}
	return infos, nil
}

// allocationResponse describes a job's allocation to the client that owns it.
func (c *Controller) allocationResponse(job *jobdb.Job) *wire.AllocationResponse {
	resp := &wire.AllocationResponse{
		JobId:         job.Id(),
		State:         job.State(),
		WorkDir:       job.Descriptor().WorkDir,
		ExpectedStart: job.ExpectedStart(),
	}
	if job.State().HoldsNodes() && job.Nodes() != nil {
		resp.NodeList = job.NodeList()
		resp.NodeAddrs = c.nodeAddrs(job.Nodes())
		resp.Cpus = api.EncodeCpuGroups(job.CpusPerNode())
	}
	return resp
}

// nodeAddrs returns the agent address of each node in the bitmap, in node order.
func (c *Controller) nodeAddrs(bs *bitset.BitSet) []string {
	var addrs []string
	for _, i := range c.nodeDb.Indices(bs) {
		n := c.nodeDb.Node(i)
		addrs = append(addrs, net.JoinHostPort(n.Addr, strconv.Itoa(int(n.Port))))
	}
	return addrs
}
