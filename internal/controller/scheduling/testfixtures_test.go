package scheduling

import (
	"strings"
	"testing"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/slurmconf"
	"github.com/armadaproject/corral/internal/controller/jobdb"
	"github.com/armadaproject/corral/internal/controller/nodedb"
	"github.com/armadaproject/corral/pkg/api"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testConfig = `
ControlMachine=ctl JobCredentialPublicCertificate=/k
NodeName=n[1-4] CPUs=4 RealMemory=1000
NodeName=g[1-2] CPUs=8 RealMemory=8000 Feature=gpu
PartitionName=debug Nodes=n[1-4] Default=YES MaxTime=60
PartitionName=small Nodes=n[1-2] MaxNodes=1
PartitionName=gpu Nodes=g[1-2] AllowAccounts=physics AllowGroups=hpc
PartitionName=all Nodes=n[1-4],g[1-2] Shared=FORCE
PartitionName=closed Nodes=n1 State=INACTIVE
`

func testConfigWith(t *testing.T, extra string) *slurmconf.Config {
	raw, err := slurmconf.Parse(strings.NewReader(testConfig + extra))
	require.NoError(t, err)
	config, err := slurmconf.Decode(raw)
	require.NoError(t, err)
	return config
}

func newTestNodeDb(t *testing.T, config *slurmconf.Config) *nodedb.NodeDb {
	db, err := nodedb.New(config, testTime)
	require.NoError(t, err)
	for _, n := range db.Nodes() {
		_, err := db.Register(n, nodedb.Registration{Cpus: n.Cpus, RealMemoryMB: n.RealMemoryMB, AgentTime: testTime}, testTime)
		require.NoError(t, err)
	}
	return db
}

type testCluster struct {
	config    *slurmconf.Config
	nodeDb    *nodedb.NodeDb
	jobDb     *jobdb.JobDb
	scheduler *QueueScheduler
}

func newTestCluster(t *testing.T, schedulerType string) *testCluster {
	config := testConfigWith(t, "SchedulerType="+schedulerType+"\n")
	scheduler, err := NewSchedulingAlgo(config)
	require.NoError(t, err)
	jobDb, err := jobdb.NewJobDb(1, 100)
	require.NoError(t, err)
	return &testCluster{
		config:    config,
		nodeDb:    newTestNodeDb(t, config),
		jobDb:     jobDb,
		scheduler: scheduler,
	}
}

// submit inserts a pending job with the given node count and time limit in minutes.
func (c *testCluster) submit(t *testing.T, minNodes uint32, limit api.TimeLimit, mutate func(*api.JobDescriptor)) *jobdb.Job {
	d := api.JobDescriptor{
		Name:      "test",
		UserId:    1000,
		GroupId:   100,
		MinNodes:  minNodes,
		TimeLimit: limit,
		Script:    "#!/bin/sh\ntrue\n",
	}
	if mutate != nil {
		mutate(&d)
	}
	d.Normalize()
	txn := c.jobDb.WriteTxn()
	job, err := txn.Insert(jobdb.NewJob(d, 100, testTime), testTime)
	require.NoError(t, err)
	txn.Commit()
	return job
}

func (c *testCluster) schedule(t *testing.T, now time.Time) *SchedulerResult {
	txn := c.jobDb.WriteTxn()
	result, err := c.scheduler.Schedule(corralcontext.Background(), txn, c.nodeDb, now)
	require.NoError(t, err)
	txn.Commit()
	return result
}

func (c *testCluster) job(t *testing.T, id uint32) *jobdb.Job {
	job, err := c.jobDb.ReadTxn().Lookup(id)
	require.NoError(t, err)
	return job
}

// finish ends a running job and runs the epilog on all of its nodes.
func (c *testCluster) finish(t *testing.T, id uint32, now time.Time) {
	job := c.job(t, id)
	awaiting := c.nodeDb.Release(job.Nodes())
	for i, ok := awaiting.NextSet(0); ok; i, ok = awaiting.NextSet(i + 1) {
		c.nodeDb.EpilogComplete(c.nodeDb.Node(int(i)))
	}
	txn := c.jobDb.WriteTxn()
	require.NoError(t, txn.Upsert(now, job.WithState(api.JobCompleted).WithEndTime(now).WithoutAllocation()))
	txn.Commit()
}

func (c *testCluster) bits(t *testing.T, names ...string) *bitset.BitSet {
	bs, err := c.nodeDb.BitSetFromNames(names)
	require.NoError(t, err)
	return bs
}

func scheduledIds(result *SchedulerResult) []uint32 {
	var ids []uint32
	for _, job := range result.ScheduledJobs {
		ids = append(ids, job.Id())
	}
	return ids
}
