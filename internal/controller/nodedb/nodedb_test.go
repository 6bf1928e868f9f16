package nodedb

import (
	"strings"
	"testing"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/common/slurmconf"
	"github.com/armadaproject/corral/pkg/api"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testConfig = `
ControlMachine=ctl JobCredentialPublicCertificate=/k MaxClockSkew=300
NodeName=n[1-4] CPUs=4 RealMemory=1000 Feature=fast
NodeName=s[1-2] CPUs=8 RealMemory=4000
PartitionName=debug Nodes=n[1-4] Default=YES MaxTime=60
PartitionName=shared Nodes=n[1-4],s[1-2] Shared=YES
`

func testConfigFrom(t *testing.T, text string) *slurmconf.Config {
	raw, err := slurmconf.Parse(strings.NewReader(text))
	require.NoError(t, err)
	config, err := slurmconf.Decode(raw)
	require.NoError(t, err)
	return config
}

func newTestNodeDb(t *testing.T) *NodeDb {
	db, err := New(testConfigFrom(t, testConfig), testTime)
	require.NoError(t, err)
	for _, n := range db.Nodes() {
		_, err := db.Register(n, Registration{Cpus: n.Cpus, RealMemoryMB: n.RealMemoryMB, AgentTime: testTime}, testTime)
		require.NoError(t, err)
	}
	return db
}

func bits(db *NodeDb, names ...string) *bitset.BitSet {
	bs, err := db.BitSetFromNames(names)
	if err != nil {
		panic(err)
	}
	return bs
}

func TestNew(t *testing.T) {
	db, err := New(testConfigFrom(t, testConfig), testTime)
	require.NoError(t, err)
	assert.Equal(t, 6, db.NumNodes())
	assert.Equal(t, api.NodeUnknown, db.Node(0).State)

	n, err := db.NodeByName("s2")
	require.NoError(t, err)
	assert.Equal(t, 5, n.Index)
	assert.Equal(t, uint32(8), n.Cpus)

	_, err = db.NodeByName("x1")
	assert.Equal(t, corralerrors.CodeInvalidNodeName, corralerrors.CodeFromError(err))

	p, err := db.Partition("")
	require.NoError(t, err)
	assert.Equal(t, "debug", p.Name)
	assert.Equal(t, uint(4), p.Members.Count())
	assert.Equal(t, "n[1-4]", p.NodeNames)

	_, err = db.Partition("gpu")
	assert.Equal(t, corralerrors.CodeInvalidPartitionName, corralerrors.CodeFromError(err))
	assert.Equal(t, []string{"debug", "shared"}, db.PartitionsOf(0))
	assert.Equal(t, []string{"shared"}, db.PartitionsOf(4))
}

func TestHostListAndFeatures(t *testing.T) {
	db := newTestNodeDb(t)
	bs, err := db.BitSetFromHostList("n[2-3],s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"n2", "n3", "s1"}, db.Names(bs))
	assert.Equal(t, "n[2-3],s1", db.HostList(bs))
	assert.Equal(t, []int{1, 2, 4}, db.Indices(bs))

	_, err = db.BitSetFromHostList("n[9")
	assert.Error(t, err)

	assert.Equal(t, []string{"n1", "n2", "n3", "n4"}, db.Names(db.WithFeatures([]string{"fast"})))
	assert.Equal(t, 6, int(db.WithFeatures(nil).Count()))
}

func TestCanTransition(t *testing.T) {
	tests := map[string]struct {
		from, to api.NodeState
		legal    bool
	}{
		"unknown to idle":            {api.NodeUnknown, api.NodeIdle, true},
		"unknown to allocated":       {api.NodeUnknown, api.NodeAllocated, false},
		"idle to allocated":          {api.NodeIdle, api.NodeAllocated, true},
		"allocated to idle":          {api.NodeAllocated, api.NodeIdle, false},
		"allocated to completing":    {api.NodeAllocated, api.NodeCompleting, true},
		"draining to drained":        {api.NodeDraining, api.NodeDrained, true},
		"drained to allocated":       {api.NodeDrained, api.NodeAllocated, false},
		"down to idle":               {api.NodeDown, api.NodeIdle, true},
		"down to allocated":          {api.NodeDown, api.NodeAllocated, false},
		"powered down to resuming":   {api.NodePoweredDown, api.NodeResuming, true},
		"powered down to idle":       {api.NodePoweredDown, api.NodeIdle, false},
		"resuming to idle":           {api.NodeResuming, api.NodeIdle, true},
		"no respond to allocated":    {api.NodeNoRespond, api.NodeAllocated, true},
		"failing to failed":          {api.NodeFailing, api.NodeFailed, true},
		"failed to allocated":        {api.NodeFailed, api.NodeAllocated, false},
		"completing to idle":         {api.NodeCompleting, api.NodeIdle, true},
		"completing to powered down": {api.NodeCompleting, api.NodePoweredDown, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.legal, CanTransition(tc.from, tc.to))
		})
	}
}

func TestTransition_Rejected(t *testing.T) {
	db := newTestNodeDb(t)
	n := db.Node(0)
	require.NoError(t, db.Transition(n, api.NodeDown))
	err := db.Transition(n, api.NodeAllocated)
	assert.Equal(t, corralerrors.CodeInvalidNodeState, corralerrors.CodeFromError(err))
	assert.Equal(t, api.NodeDown, n.State)
}

func TestAllocateAndRelease(t *testing.T) {
	db := newTestNodeDb(t)
	nodes := bits(db, "n1", "n2")
	require.NoError(t, db.Allocate(nodes, false))
	assert.Equal(t, api.NodeAllocated, db.Node(0).State)
	assert.Equal(t, uint32(1), db.Node(0).RunJobs)
	assert.True(t, db.Node(0).Exclusive)
	require.NoError(t, db.CheckInvariant(map[uint32]*bitset.BitSet{1: nodes}, nil))

	// Exclusive nodes cannot be allocated again.
	err := db.Allocate(bits(db, "n2"), true)
	assert.Equal(t, corralerrors.CodeNodesBusy, corralerrors.CodeFromError(err))

	awaiting := db.Release(nodes)
	assert.Equal(t, []string{"n1", "n2"}, db.Names(awaiting))
	assert.Equal(t, api.NodeCompleting, db.Node(0).State)
	require.NoError(t, db.CheckInvariant(nil, map[uint32]*bitset.BitSet{1: awaiting}))

	db.EpilogComplete(db.Node(0))
	db.EpilogComplete(db.Node(1))
	assert.Equal(t, api.NodeIdle, db.Node(0).State)
	assert.Equal(t, api.NodeIdle, db.Node(1).State)
	assert.False(t, db.Node(0).Exclusive)
	require.NoError(t, db.CheckInvariant(nil, nil))
}

func TestRollback(t *testing.T) {
	db := newTestNodeDb(t)
	nodes := bits(db, "n1", "n2")
	require.NoError(t, db.Allocate(nodes, false))
	db.Rollback(nodes)
	assert.Equal(t, api.NodeIdle, db.Node(0).State)
	assert.Equal(t, api.NodeIdle, db.Node(1).State)
	assert.Zero(t, db.Node(0).CompJobs)
	require.NoError(t, db.CheckInvariant(nil, nil))
}

func TestAllocate_Shared(t *testing.T) {
	db := newTestNodeDb(t)
	p, err := db.Partition("shared")
	require.NoError(t, err)
	s1 := bits(db, "s1")

	require.NoError(t, db.Allocate(s1, true))
	assert.True(t, db.AvailableFor(p, true).Test(4))
	assert.False(t, db.AvailableFor(p, false).Test(4))

	require.NoError(t, db.Allocate(s1, true))
	n := db.Node(4)
	assert.Equal(t, uint32(2), n.RunJobs)
	require.NoError(t, db.CheckInvariant(map[uint32]*bitset.BitSet{1: s1, 2: s1}, nil))

	db.Release(s1)
	assert.Equal(t, api.NodeAllocated, n.State)
	db.EpilogComplete(n)
	assert.Equal(t, api.NodeAllocated, n.State)
	db.Release(s1)
	assert.Equal(t, api.NodeCompleting, n.State)
	db.EpilogComplete(n)
	assert.Equal(t, api.NodeIdle, n.State)
	require.NoError(t, db.CheckInvariant(nil, nil))
}

func TestRelease_UnresponsiveNode(t *testing.T) {
	db := newTestNodeDb(t)
	nodes := bits(db, "n1")
	require.NoError(t, db.Allocate(nodes, false))
	require.NoError(t, db.Transition(db.Node(0), api.NodeNoRespond))
	awaiting := db.Release(nodes)
	assert.Equal(t, uint(0), awaiting.Count())
	assert.Equal(t, uint32(0), db.Node(0).RunJobs)
	assert.Equal(t, api.NodeNoRespond, db.Node(0).State)

	_, err := db.Register(db.Node(0), Registration{Cpus: 4, RealMemoryMB: 1000}, testTime)
	require.NoError(t, err)
	assert.Equal(t, api.NodeIdle, db.Node(0).State)
}

func TestOperatorUpdate(t *testing.T) {
	tests := map[string]struct {
		allocated  bool
		start      api.NodeState
		to         api.NodeState
		reason     string
		wantState  api.NodeState
		wantCode   corralerrors.Code
		wantReason string
	}{
		"drain idle node": {
			start: api.NodeIdle, to: api.NodeDraining, reason: "maintenance",
			wantState: api.NodeDrained, wantReason: "maintenance",
		},
		"drain busy node": {
			allocated: true, to: api.NodeDraining, reason: "maintenance",
			wantState: api.NodeDraining, wantReason: "maintenance",
		},
		"drain requires reason": {
			start: api.NodeIdle, to: api.NodeDraining,
			wantState: api.NodeIdle, wantCode: corralerrors.CodeInvalidArgument,
		},
		"down requires reason": {
			start: api.NodeIdle, to: api.NodeDown,
			wantState: api.NodeIdle, wantCode: corralerrors.CodeInvalidArgument,
		},
		"fail idle node": {
			start: api.NodeIdle, to: api.NodeFailing, reason: "bad dimm",
			wantState: api.NodeFailed, wantReason: "bad dimm",
		},
		"fail busy node": {
			allocated: true, to: api.NodeFailing, reason: "bad dimm",
			wantState: api.NodeFailing, wantReason: "bad dimm",
		},
		"resume down node": {
			start: api.NodeDown, to: api.NodeIdle,
			wantState: api.NodeIdle,
		},
		"resume idle node": {
			start: api.NodeIdle, to: api.NodeIdle,
			wantState: api.NodeIdle, wantCode: corralerrors.CodeTransitionStateNoUpdate,
		},
		"power down idle node": {
			start: api.NodeIdle, to: api.NodePoweredDown,
			wantState: api.NodePoweredDown,
		},
		"power up allocated node": {
			allocated: true, to: api.NodeResuming,
			wantState: api.NodeAllocated, wantCode: corralerrors.CodeInvalidNodeState,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			db := newTestNodeDb(t)
			n := db.Node(0)
			if tc.allocated {
				require.NoError(t, db.Allocate(bits(db, n.Name), false))
			} else {
				db.Restore(n, tc.start, "", 0, testTime)
			}
			err := db.OperatorUpdate(n, tc.to, tc.reason, 1000, testTime)
			if tc.wantCode != corralerrors.Success {
				assert.Equal(t, tc.wantCode, corralerrors.CodeFromError(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.wantReason, n.Reason)
				if tc.wantReason != "" {
					assert.Equal(t, uint32(1000), n.ReasonUid)
				}
			}
			assert.Equal(t, tc.wantState, n.State)
		})
	}
}

func TestDrainingNodeDrainsWhenJobEnds(t *testing.T) {
	db := newTestNodeDb(t)
	n := db.Node(0)
	nodes := bits(db, "n1")
	require.NoError(t, db.Allocate(nodes, false))
	require.NoError(t, db.OperatorUpdate(n, api.NodeDraining, "reboot", 0, testTime))
	db.Release(nodes)
	assert.Equal(t, api.NodeDraining, n.State)
	db.EpilogComplete(n)
	assert.Equal(t, api.NodeDrained, n.State)
}

func TestRegister(t *testing.T) {
	tests := map[string]struct {
		fastSchedule    int
		returnToService int
		start           api.NodeState
		startReason     string
		reg             Registration
		wantDown        bool
		wantState       api.NodeState
		wantReason      string
		wantCpus        uint32
	}{
		"first registration": {
			fastSchedule: 1, start: api.NodeUnknown,
			reg:       Registration{Cpus: 4, RealMemoryMB: 1000, AgentTime: testTime},
			wantState: api.NodeIdle, wantCpus: 4,
		},
		"low cpus": {
			fastSchedule: 1, start: api.NodeUnknown,
			reg:      Registration{Cpus: 2, RealMemoryMB: 1000},
			wantDown: true, wantState: api.NodeDown, wantReason: "Low CPUs", wantCpus: 4,
		},
		"low memory": {
			fastSchedule: 1, start: api.NodeIdle,
			reg:      Registration{Cpus: 4, RealMemoryMB: 10},
			wantDown: true, wantState: api.NodeDown, wantReason: "Low RealMemory", wantCpus: 4,
		},
		"reported values replace configured": {
			fastSchedule: 0, start: api.NodeUnknown,
			reg:       Registration{Cpus: 2, RealMemoryMB: 10},
			wantState: api.NodeIdle, wantCpus: 2,
		},
		"clock skew": {
			fastSchedule: 1, start: api.NodeIdle,
			reg:      Registration{Cpus: 4, RealMemoryMB: 1000, AgentTime: testTime.Add(10 * time.Minute)},
			wantDown: true, wantState: api.NodeDown, wantReason: "CLOCK_SKEW", wantCpus: 4,
		},
		"skew within tolerance": {
			fastSchedule: 1, start: api.NodeIdle,
			reg:       Registration{Cpus: 4, RealMemoryMB: 1000, AgentTime: testTime.Add(-4 * time.Minute)},
			wantState: api.NodeIdle, wantCpus: 4,
		},
		"not responding returns to service": {
			fastSchedule: 1, returnToService: 1, start: api.NodeDown, startReason: ReasonNotResponding,
			reg:       Registration{Cpus: 4, RealMemoryMB: 1000},
			wantState: api.NodeIdle, wantCpus: 4,
		},
		"operator down stays down": {
			fastSchedule: 1, returnToService: 1, start: api.NodeDown, startReason: "broken fan",
			reg:       Registration{Cpus: 4, RealMemoryMB: 1000},
			wantState: api.NodeDown, wantReason: "broken fan", wantCpus: 4,
		},
		"return to service disabled": {
			fastSchedule: 1, returnToService: 0, start: api.NodeDown, startReason: ReasonNotResponding,
			reg:       Registration{Cpus: 4, RealMemoryMB: 1000},
			wantState: api.NodeDown, wantReason: ReasonNotResponding, wantCpus: 4,
		},
		"any down returns with policy 2": {
			fastSchedule: 1, returnToService: 2, start: api.NodeDown, startReason: "broken fan",
			reg:       Registration{Cpus: 4, RealMemoryMB: 1000},
			wantState: api.NodeIdle, wantCpus: 4,
		},
		"resuming node comes up": {
			fastSchedule: 1, start: api.NodeResuming,
			reg:       Registration{Cpus: 4, RealMemoryMB: 1000},
			wantState: api.NodeIdle, wantCpus: 4,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			config := testConfigFrom(t, testConfig)
			config.FastSchedule = tc.fastSchedule
			config.ReturnToService = tc.returnToService
			db, err := New(config, testTime)
			require.NoError(t, err)
			n := db.Node(0)
			db.Restore(n, tc.start, tc.startReason, 1000, testTime)
			down, err := db.Register(n, tc.reg, testTime)
			require.NoError(t, err)
			assert.Equal(t, tc.wantDown, down)
			assert.Equal(t, tc.wantState, n.State)
			assert.Equal(t, tc.wantReason, n.Reason)
			assert.Equal(t, tc.wantCpus, n.Cpus)
			assert.Equal(t, testTime, n.LastResponse)
		})
	}
}

func TestSweepUnresponsive(t *testing.T) {
	db := newTestNodeDb(t)
	later := testTime.Add(10 * time.Minute)
	_, err := db.Register(db.Node(1), Registration{Cpus: 4, RealMemoryMB: 1000}, later)
	require.NoError(t, err)
	require.NoError(t, db.Transition(db.Node(2), api.NodePoweredDown))

	down := db.SweepUnresponsive(later.Add(time.Second), 5*time.Minute)
	var names []string
	for _, n := range down {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"n1", "n4", "s1", "s2"}, names)
	assert.Equal(t, ReasonNotResponding, db.Node(0).Reason)
	assert.Equal(t, api.NodeIdle, db.Node(1).State)
	assert.Equal(t, api.NodePoweredDown, db.Node(2).State)

	assert.Empty(t, db.SweepUnresponsive(later.Add(time.Hour), 0))
}

func TestCheckInvariant_Violations(t *testing.T) {
	db := newTestNodeDb(t)
	require.NoError(t, db.Allocate(bits(db, "n1"), false))
	err := db.CheckInvariant(nil, nil)
	assert.Equal(t, corralerrors.CodeInvariantViolation, corralerrors.CodeFromError(err))
	err = db.CheckInvariant(map[uint32]*bitset.BitSet{1: bits(db, "n2")}, nil)
	assert.Error(t, err)
}

func TestReconfigure(t *testing.T) {
	db := newTestNodeDb(t)
	require.NoError(t, db.Allocate(bits(db, "n1"), false))

	updated := strings.Replace(testConfig, "CPUs=4", "CPUs=6", 1)
	updated = strings.Replace(updated, "MaxTime=60", "MaxTime=120", 1)
	require.NoError(t, db.Reconfigure(testConfigFrom(t, updated)))
	assert.Equal(t, uint32(6), db.Node(0).Cpus)
	assert.Equal(t, api.NodeAllocated, db.Node(0).State)
	p, err := db.Partition("debug")
	require.NoError(t, err)
	assert.Equal(t, api.TimeLimit(120), p.MaxTime)

	fewer := strings.Replace(testConfig, "n[1-4]", "n[1-3]", -1)
	assert.Error(t, db.Reconfigure(testConfigFrom(t, fewer)))
	p, err = db.Partition("debug")
	require.NoError(t, err)
	assert.Equal(t, api.TimeLimit(120), p.MaxTime)
}

func TestInfo(t *testing.T) {
	db := newTestNodeDb(t)
	info := db.NodeInfo(db.Node(4))
	assert.Equal(t, "s1", info.Name)
	assert.Equal(t, api.NodeIdle, info.State)
	assert.Equal(t, []string{"shared"}, info.Partitions)

	p, err := db.Partition("shared")
	require.NoError(t, err)
	pinfo := db.PartitionInfo(p)
	assert.Equal(t, uint32(6), pinfo.TotalNodes)
	assert.Equal(t, uint32(32), pinfo.TotalCpus)
	assert.Equal(t, api.SharedYes, pinfo.Shared)
	assert.Contains(t, db.String(), "n1")
}
