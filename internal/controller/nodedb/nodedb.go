// Package nodedb is the controller's resource map: the dense table of nodes, the partitions grouping
// them and the bitmaps used by the scheduler to find nodes for a job.
//
// NodeDb is not safe for concurrent use. The controller guards it with the nodes and partitions locks
// and only mutates it from the event loop.
package nodedb

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/common/hostlist"
	"github.com/armadaproject/corral/internal/common/slurmconf"
	"github.com/armadaproject/corral/pkg/api"
)

const ReasonNotResponding = "Not responding"

// Node is the controller's record of one compute node.
type Node struct {
	// Position of the node in configuration order. Bit i of every bitmap refers to the node with Index i.
	Index int
	Name  string
	Addr  string
	Port  uint16
	// Configured resources. Replaced by reported values when FastSchedule=0.
	Cpus         uint32
	RealMemoryMB uint64
	TmpDiskMB    uint64
	Features     []string
	State        api.NodeState
	Reason       string
	ReasonUid    uint32
	ReasonTime   time.Time
	// Number of jobs allocated to the node.
	RunJobs uint32
	// Number of jobs whose epilog the node has not yet reported.
	CompJobs uint32
	// True while the node is allocated to a job that does not share.
	Exclusive    bool
	BootId       string
	LastResponse time.Time
	// Resources reported by the agent at its last registration.
	ReportedCpus      uint32
	ReportedMemoryMB  uint64
	ReportedTmpDiskMB uint64
	FreeMemoryMB      uint64
	Load              [3]uint32
}

// Partition is a named, ordered set of nodes forming one scheduling queue.
type Partition struct {
	Name          string
	Members       *bitset.BitSet
	NodeNames     string
	MaxNodes      uint32
	MinNodes      uint32
	MaxTime       api.TimeLimit
	AllowGroups   []string
	AllowAccounts []string
	Priority      uint32
	PreemptMode   string
	Shared        api.SharedMode
	State         api.PartitionState
	Default       bool
}

// RegistrationPolicy controls how agent registrations are reconciled with configured node attributes.
type RegistrationPolicy struct {
	// If true, nodes reporting fewer resources than configured are marked DOWN.
	// Otherwise the reported values replace the configured ones.
	FastSchedule bool
	// 0: DOWN nodes stay DOWN. 1: nodes DOWN because they stopped responding return on registration.
	// 2: any DOWN node returns on registration with valid resources.
	ReturnToService int
	MaxClockSkew    time.Duration
}

type NodeDb struct {
	nodes      []*Node
	byName     map[string]int
	partitions []*Partition
	partByName map[string]*Partition
	policy     RegistrationPolicy
	// Time the map was created. Nodes never heard from are timed out relative to it.
	created time.Time
}

// New builds the resource map from configuration.
func New(config *slurmconf.Config, now time.Time) (*NodeDb, error) {
	nodeConfigs, err := config.ExpandedNodes()
	if err != nil {
		return nil, err
	}
	db := &NodeDb{
		byName: make(map[string]int, len(nodeConfigs)),
		policy: RegistrationPolicy{
			FastSchedule:    config.FastSchedule == 1,
			ReturnToService: config.ReturnToService,
			MaxClockSkew:    config.MaxClockSkew,
		},
		created: now,
	}
	for i, nc := range nodeConfigs {
		state := api.NodeUnknown
		if nc.State != "" {
			if state, err = api.ParseNodeState(nc.State); err != nil {
				return nil, errors.WithMessagef(err, "node %s", nc.NodeName)
			}
		}
		db.nodes = append(db.nodes, &Node{
			Index:        i,
			Name:         nc.NodeName,
			Addr:         nc.NodeAddr,
			Port:         nc.Port,
			Cpus:         nc.CPUs,
			RealMemoryMB: nc.RealMemory,
			TmpDiskMB:    nc.TmpDisk,
			Features:     slices.Clone(nc.Feature),
			State:        state,
		})
		db.byName[nc.NodeName] = i
	}
	if err := db.setPartitions(config.Partitions); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *NodeDb) setPartitions(configs []slurmconf.PartitionConfig) error {
	partitions := make([]*Partition, 0, len(configs))
	byName := make(map[string]*Partition, len(configs))
	for _, pc := range configs {
		names, err := hostlist.Expand(pc.Nodes)
		if err != nil {
			return errors.WithMessagef(err, "partition %s", pc.PartitionName)
		}
		members, err := db.BitSetFromNames(names)
		if err != nil {
			return errors.WithMessagef(err, "partition %s", pc.PartitionName)
		}
		p := &Partition{
			Name:          pc.PartitionName,
			Members:       members,
			NodeNames:     db.HostList(members),
			MaxNodes:      pc.MaxNodes,
			MinNodes:      pc.MinNodes,
			MaxTime:       pc.MaxTime,
			AllowGroups:   allowList(pc.AllowGroups),
			AllowAccounts: allowList(pc.AllowAccounts),
			Priority:      pc.Priority,
			PreemptMode:   pc.PreemptMode,
			Shared:        pc.Shared,
			State:         pc.State,
			Default:       pc.Default,
		}
		partitions = append(partitions, p)
		byName[p.Name] = p
	}
	db.partitions = partitions
	db.partByName = byName
	return nil
}

// allowList normalises an access list; nil means everyone.
func allowList(values []string) []string {
	for _, v := range values {
		if strings.EqualFold(v, "ALL") {
			return nil
		}
	}
	return slices.Clone(values)
}

// Reconfigure applies a re-read configuration. The set of node names must be unchanged; node
// attributes and partitions are replaced while node states and allocations are kept.
func (db *NodeDb) Reconfigure(config *slurmconf.Config) error {
	nodeConfigs, err := config.ExpandedNodes()
	if err != nil {
		return err
	}
	if len(nodeConfigs) != len(db.nodes) {
		return errors.WithStack(&corralerrors.ErrInvalidArgument{
			Name:    "Nodes",
			Value:   len(nodeConfigs),
			Message: fmt.Sprintf("adding or removing nodes requires a restart (have %d)", len(db.nodes)),
		})
	}
	for i, nc := range nodeConfigs {
		if db.nodes[i].Name != nc.NodeName {
			return errors.WithStack(&corralerrors.ErrInvalidArgument{
				Name:    "NodeName",
				Value:   nc.NodeName,
				Message: fmt.Sprintf("node order changed; expected %s", db.nodes[i].Name),
			})
		}
	}
	old := db.partitions
	oldByName := db.partByName
	if err := db.setPartitions(config.Partitions); err != nil {
		db.partitions, db.partByName = old, oldByName
		return err
	}
	db.policy = RegistrationPolicy{
		FastSchedule:    config.FastSchedule == 1,
		ReturnToService: config.ReturnToService,
		MaxClockSkew:    config.MaxClockSkew,
	}
	for i, nc := range nodeConfigs {
		n := db.nodes[i]
		n.Addr = nc.NodeAddr
		n.Port = nc.Port
		n.Cpus = nc.CPUs
		n.RealMemoryMB = nc.RealMemory
		n.TmpDiskMB = nc.TmpDisk
		n.Features = slices.Clone(nc.Feature)
	}
	return nil
}

func (db *NodeDb) NumNodes() int {
	return len(db.nodes)
}

func (db *NodeDb) Nodes() []*Node {
	return db.nodes
}

func (db *NodeDb) Node(index int) *Node {
	return db.nodes[index]
}

func (db *NodeDb) Index(name string) (int, bool) {
	i, ok := db.byName[name]
	return i, ok
}

// NodeByName returns the node with the given name or an ErrNotFound.
func (db *NodeDb) NodeByName(name string) (*Node, error) {
	i, ok := db.byName[name]
	if !ok {
		return nil, errors.WithStack(&corralerrors.ErrNotFound{Type: "node", Value: name})
	}
	return db.nodes[i], nil
}

func (db *NodeDb) Partitions() []*Partition {
	return db.partitions
}

// Partition returns the named partition, or the default partition if name is empty.
func (db *NodeDb) Partition(name string) (*Partition, error) {
	if name == "" {
		for _, p := range db.partitions {
			if p.Default {
				return p, nil
			}
		}
		return nil, corralerrors.New(corralerrors.CodeDefaultPartitionNotSet, "no partition given and no default partition configured")
	}
	p, ok := db.partByName[name]
	if !ok {
		return nil, errors.WithStack(&corralerrors.ErrNotFound{Type: "partition", Value: name})
	}
	return p, nil
}

// PartitionsOf returns the names of the partitions the node belongs to.
func (db *NodeDb) PartitionsOf(index int) []string {
	var names []string
	for _, p := range db.partitions {
		if p.Members.Test(uint(index)) {
			names = append(names, p.Name)
		}
	}
	return names
}

// BitSetFromNames returns the bitmap of the named nodes.
func (db *NodeDb) BitSetFromNames(names []string) (*bitset.BitSet, error) {
	bs := bitset.New(uint(len(db.nodes)))
	for _, name := range names {
		i, ok := db.byName[name]
		if !ok {
			return nil, errors.WithStack(&corralerrors.ErrNotFound{Type: "node", Value: name})
		}
		bs.Set(uint(i))
	}
	return bs, nil
}

// BitSetFromHostList expands a hostlist expression into a node bitmap.
func (db *NodeDb) BitSetFromHostList(expr string) (*bitset.BitSet, error) {
	names, err := hostlist.Expand(expr)
	if err != nil {
		return nil, errors.WithStack(&corralerrors.ErrInvalidArgument{Name: "nodelist", Value: expr, Message: err.Error()})
	}
	return db.BitSetFromNames(names)
}

// Names returns the node names of a bitmap in index order.
func (db *NodeDb) Names(bs *bitset.BitSet) []string {
	names := make([]string, 0, bs.Count())
	for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
		if int(i) < len(db.nodes) {
			names = append(names, db.nodes[i].Name)
		}
	}
	return names
}

// Indices returns the node indices of a bitmap in order.
func (db *NodeDb) Indices(bs *bitset.BitSet) []int {
	indices := make([]int, 0, bs.Count())
	for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
		indices = append(indices, int(i))
	}
	return indices
}

// HostList returns the compressed hostlist expression for a bitmap.
func (db *NodeDb) HostList(bs *bitset.BitSet) string {
	return hostlist.Compress(db.Names(bs))
}

// WithFeatures returns the nodes carrying every one of the given features.
func (db *NodeDb) WithFeatures(features []string) *bitset.BitSet {
	bs := bitset.New(uint(len(db.nodes)))
	for _, n := range db.nodes {
		if hasAll(n.Features, features) {
			bs.Set(uint(n.Index))
		}
	}
	return bs
}

func hasAll(have, want []string) bool {
	for _, f := range want {
		if !slices.Contains(have, f) {
			return false
		}
	}
	return true
}

// Usable returns nodes that could ever run work: not DOWN, DRAINING, DRAINED, FAILING or FAILED.
// POWERED_DOWN nodes are usable since the scheduler may resume them.
func (db *NodeDb) Usable() *bitset.BitSet {
	bs := bitset.New(uint(len(db.nodes)))
	for _, n := range db.nodes {
		switch n.State {
		case api.NodeDown, api.NodeDraining, api.NodeDrained, api.NodeFailing, api.NodeFailed:
			continue
		}
		bs.Set(uint(n.Index))
	}
	return bs
}

// AvailableFor returns the nodes of the partition a job can be placed on right now. Idle nodes are
// always available. Allocated nodes are available to a sharing job if none of their jobs is exclusive.
func (db *NodeDb) AvailableFor(p *Partition, share bool) *bitset.BitSet {
	bs := bitset.New(uint(len(db.nodes)))
	for i, ok := p.Members.NextSet(0); ok; i, ok = p.Members.NextSet(i + 1) {
		n := db.nodes[i]
		switch {
		case n.State == api.NodeIdle:
			bs.Set(i)
		case share && n.State == api.NodeAllocated && !n.Exclusive:
			bs.Set(i)
		}
	}
	return bs
}

// Transition moves a node to a new state if the lattice allows it.
func (db *NodeDb) Transition(n *Node, to api.NodeState) error {
	if n.State == to {
		return nil
	}
	if !CanTransition(n.State, to) {
		log.Warnf("Rejected node %s transition %s -> %s", n.Name, n.State, to)
		return corralerrors.Newf(corralerrors.CodeInvalidNodeState, "node %s cannot move from %s to %s", n.Name, n.State, to)
	}
	log.Debugf("Node %s %s -> %s", n.Name, n.State, to)
	n.State = to
	return nil
}

// SetReason moves a node to a new state recording why and who asked for it.
func (db *NodeDb) SetReason(n *Node, to api.NodeState, reason string, uid uint32, now time.Time) error {
	if err := db.Transition(n, to); err != nil {
		return err
	}
	n.Reason = reason
	n.ReasonUid = uid
	n.ReasonTime = now
	return nil
}

// Restore sets a node state recovered from persisted state without lattice checks.
func (db *NodeDb) Restore(n *Node, state api.NodeState, reason string, uid uint32, at time.Time) {
	n.State = state
	n.Reason = reason
	n.ReasonUid = uid
	n.ReasonTime = at
}

// Allocate records a job on each node of the bitmap and marks idle nodes ALLOCATED.
func (db *NodeDb) Allocate(nodes *bitset.BitSet, share bool) error {
	indices := db.Indices(nodes)
	for _, i := range indices {
		n := db.nodes[i]
		switch {
		case n.State == api.NodeIdle || n.State == api.NodeCompleting:
		case n.State == api.NodeAllocated && share && !n.Exclusive:
		default:
			return corralerrors.Newf(corralerrors.CodeNodesBusy, "node %s is %s", n.Name, n.State)
		}
	}
	for _, i := range indices {
		n := db.nodes[i]
		if n.State != api.NodeAllocated {
			if err := db.Transition(n, api.NodeAllocated); err != nil {
				return err
			}
		}
		n.RunJobs++
		n.Exclusive = !share
	}
	return nil
}

// Adopt records a job recovered from persisted state on its nodes without changing node state.
func (db *NodeDb) Adopt(nodes *bitset.BitSet, share bool, completing bool) {
	for _, i := range db.Indices(nodes) {
		n := db.nodes[i]
		if completing {
			n.CompJobs++
		} else {
			n.RunJobs++
			n.Exclusive = !share
		}
	}
}

// Release ends a job's use of its nodes. Responsive nodes move to COMPLETING until their epilog is
// reported through EpilogComplete; unresponsive nodes drop the job immediately. The returned bitmap
// holds the nodes an epilog is awaited from.
func (db *NodeDb) Release(nodes *bitset.BitSet) *bitset.BitSet {
	awaiting := bitset.New(uint(len(db.nodes)))
	for _, i := range db.Indices(nodes) {
		n := db.nodes[i]
		if n.RunJobs > 0 {
			n.RunJobs--
		}
		if isResponsive(n.State) {
			n.CompJobs++
			awaiting.Set(uint(i))
		}
		db.settle(n)
	}
	return awaiting
}

// Rollback undoes an allocation whose job never started on the nodes, so no epilog is awaited.
func (db *NodeDb) Rollback(nodes *bitset.BitSet) {
	for _, i := range db.Indices(nodes) {
		n := db.nodes[i]
		if n.RunJobs > 0 {
			n.RunJobs--
		}
		db.settle(n)
	}
}

// EpilogComplete records that a node finished cleaning up one job.
func (db *NodeDb) EpilogComplete(n *Node) {
	if n.CompJobs > 0 {
		n.CompJobs--
	}
	db.settle(n)
}

// DropCompleting forgets an awaited epilog, e.g. when the node went down before reporting it.
func (db *NodeDb) DropCompleting(n *Node) {
	db.EpilogComplete(n)
}

// settle derives the state implied by the node's job counts.
func (db *NodeDb) settle(n *Node) {
	if n.RunJobs == 0 {
		n.Exclusive = false
	}
	var to api.NodeState
	switch {
	case n.State == api.NodeAllocated && n.RunJobs == 0:
		to = api.NodeCompleting
	case n.State == api.NodeCompleting && n.CompJobs == 0 && n.RunJobs > 0:
		to = api.NodeAllocated
	case n.State == api.NodeCompleting && n.CompJobs == 0:
		to = api.NodeIdle
	case n.State == api.NodeDraining && n.RunJobs == 0 && n.CompJobs == 0:
		to = api.NodeDrained
	case n.State == api.NodeFailing && n.RunJobs == 0 && n.CompJobs == 0:
		to = api.NodeFailed
	default:
		return
	}
	if err := db.Transition(n, to); err != nil {
		log.WithError(err).Errorf("Unable to settle node %s", n.Name)
		return
	}
	// Allocated -> Completing may be followed by Completing -> Idle when nothing is outstanding.
	db.settle(n)
}

// OperatorUpdate applies an update-node request. DRAIN, DOWN and FAIL require a reason.
func (db *NodeDb) OperatorUpdate(n *Node, to api.NodeState, reason string, uid uint32, now time.Time) error {
	switch to {
	case api.NodeDraining, api.NodeDown, api.NodeFailing, api.NodeFailed:
		if reason == "" {
			return errors.WithStack(&corralerrors.ErrInvalidArgument{
				Name:    "Reason",
				Value:   "",
				Message: fmt.Sprintf("a reason is required to set node %s %s", n.Name, to),
			})
		}
	}
	busy := n.RunJobs > 0 || n.CompJobs > 0
	switch to {
	case api.NodeDraining:
		if n.State == api.NodeDraining || n.State == api.NodeDrained {
			return corralerrors.Newf(corralerrors.CodeTransitionStateNoUpdate, "node %s is already %s", n.Name, n.State)
		}
		if err := db.SetReason(n, api.NodeDraining, reason, uid, now); err != nil {
			return err
		}
		db.settle(n)
		return nil
	case api.NodeFailing:
		if !busy && n.State == api.NodeIdle {
			to = api.NodeFailed
		}
		return db.SetReason(n, to, reason, uid, now)
	case api.NodeIdle:
		switch n.State {
		case api.NodeDraining:
			if err := db.SetReason(n, api.NodeAllocated, "", uid, now); err != nil {
				return err
			}
			db.settle(n)
			return nil
		case api.NodeIdle, api.NodeAllocated, api.NodeCompleting:
			return corralerrors.Newf(corralerrors.CodeTransitionStateNoUpdate, "node %s is already %s", n.Name, n.State)
		}
		return db.SetReason(n, api.NodeIdle, "", uid, now)
	}
	return db.SetReason(n, to, reason, uid, now)
}

// Registration is the part of a node registration message the resource map cares about.
type Registration struct {
	Cpus         uint32
	RealMemoryMB uint64
	TmpDiskMB    uint64
	FreeMemoryMB uint64
	Load         [3]uint32
	BootId       string
	AgentTime    time.Time
}

// Register reconciles an agent registration or heartbeat with the node record. It returns true if
// the node was marked DOWN as a result.
func (db *NodeDb) Register(n *Node, reg Registration, now time.Time) (bool, error) {
	n.LastResponse = now
	n.ReportedCpus = reg.Cpus
	n.ReportedMemoryMB = reg.RealMemoryMB
	n.ReportedTmpDiskMB = reg.TmpDiskMB
	n.FreeMemoryMB = reg.FreeMemoryMB
	n.Load = reg.Load
	n.BootId = reg.BootId

	if reason := db.registrationProblem(n, reg, now); reason != "" {
		if n.State == api.NodeDown && n.Reason == reason {
			return false, nil
		}
		log.Warnf("Marking node %s DOWN: %s", n.Name, reason)
		return true, db.SetReason(n, api.NodeDown, reason, 0, now)
	}

	switch n.State {
	case api.NodeUnknown, api.NodeResuming:
		return false, db.SetReason(n, api.NodeIdle, "", 0, now)
	case api.NodeNoRespond:
		to := api.NodeIdle
		if n.RunJobs > 0 {
			to = api.NodeAllocated
		} else if n.CompJobs > 0 {
			to = api.NodeCompleting
		}
		return false, db.SetReason(n, to, "", 0, now)
	case api.NodeDown:
		if db.returnsToService(n) {
			log.Infof("Node %s returned to service", n.Name)
			return false, db.SetReason(n, api.NodeIdle, "", 0, now)
		}
	}
	return false, nil
}

func (db *NodeDb) registrationProblem(n *Node, reg Registration, now time.Time) string {
	if db.policy.MaxClockSkew > 0 && !reg.AgentTime.IsZero() {
		skew := reg.AgentTime.Sub(now)
		if skew < 0 {
			skew = -skew
		}
		if skew > db.policy.MaxClockSkew {
			return "CLOCK_SKEW"
		}
	}
	if !db.policy.FastSchedule {
		n.Cpus = reg.Cpus
		n.RealMemoryMB = reg.RealMemoryMB
		n.TmpDiskMB = reg.TmpDiskMB
		return ""
	}
	switch {
	case reg.Cpus < n.Cpus:
		return "Low CPUs"
	case reg.RealMemoryMB < n.RealMemoryMB:
		return "Low RealMemory"
	case reg.TmpDiskMB < n.TmpDiskMB:
		return "Low TmpDisk"
	}
	return ""
}

func (db *NodeDb) returnsToService(n *Node) bool {
	if n.RunJobs > 0 || n.CompJobs > 0 {
		return false
	}
	switch db.policy.ReturnToService {
	case 1:
		return n.Reason == ReasonNotResponding || (n.ReasonUid == 0 && isAutomaticReason(n.Reason))
	case 2:
		return true
	}
	return false
}

func isAutomaticReason(reason string) bool {
	switch reason {
	case "Low CPUs", "Low RealMemory", "Low TmpDisk", "CLOCK_SKEW":
		return true
	}
	return false
}

// SweepUnresponsive marks nodes silent for longer than timeout DOWN and returns them.
func (db *NodeDb) SweepUnresponsive(now time.Time, timeout time.Duration) []*Node {
	if timeout <= 0 {
		return nil
	}
	var down []*Node
	for _, n := range db.nodes {
		switch n.State {
		case api.NodeDown, api.NodePoweredDown:
			continue
		}
		last := n.LastResponse
		if last.IsZero() {
			last = db.created
		}
		if now.Sub(last) <= timeout {
			continue
		}
		if err := db.SetReason(n, api.NodeDown, ReasonNotResponding, 0, now); err != nil {
			continue
		}
		log.Warnf("Node %s not responding since %s; marked DOWN", n.Name, last.Format(time.RFC3339))
		down = append(down, n)
	}
	return down
}

// CheckInvariant verifies that per-node job counts match the allocations held by jobs. holdings maps
// each RUNNING or SUSPENDED job to its nodes and completing maps each COMPLETING job to the nodes it
// still awaits an epilog from.
func (db *NodeDb) CheckInvariant(holdings map[uint32]*bitset.BitSet, completing map[uint32]*bitset.BitSet) error {
	run := make([]uint32, len(db.nodes))
	comp := make([]uint32, len(db.nodes))
	for _, bs := range holdings {
		for _, i := range db.Indices(bs) {
			run[i]++
		}
	}
	for _, bs := range completing {
		for _, i := range db.Indices(bs) {
			comp[i]++
		}
	}
	for i, n := range db.nodes {
		if n.RunJobs != run[i] {
			return corralerrors.Newf(corralerrors.CodeInvariantViolation, "node %s has %d running jobs but %d jobs hold it", n.Name, n.RunJobs, run[i])
		}
		if n.CompJobs != comp[i] {
			return corralerrors.Newf(corralerrors.CodeInvariantViolation, "node %s has %d completing jobs but %d jobs await it", n.Name, n.CompJobs, comp[i])
		}
		if n.State == api.NodeAllocated && n.RunJobs == 0 {
			return corralerrors.Newf(corralerrors.CodeInvariantViolation, "node %s is ALLOCATED without a job", n.Name)
		}
		if n.State == api.NodeIdle && n.RunJobs+n.CompJobs > 0 {
			return corralerrors.Newf(corralerrors.CodeInvariantViolation, "node %s is IDLE with %d jobs", n.Name, n.RunJobs+n.CompJobs)
		}
	}
	return nil
}

// NodeInfo renders a node for query responses.
func (db *NodeDb) NodeInfo(n *Node) api.NodeInfo {
	return api.NodeInfo{
		Name:         n.Name,
		Addr:         n.Addr,
		Port:         n.Port,
		State:        n.State,
		Reason:       n.Reason,
		ReasonUid:    n.ReasonUid,
		ReasonTime:   n.ReasonTime,
		Cpus:         n.Cpus,
		RealMemoryMB: n.RealMemoryMB,
		TmpDiskMB:    n.TmpDiskMB,
		Features:     slices.Clone(n.Features),
		RunJobs:      n.RunJobs,
		CompJobs:     n.CompJobs,
		LastResponse: n.LastResponse,
		BootId:       n.BootId,
		Partitions:   db.PartitionsOf(n.Index),
	}
}

// PartitionInfo renders a partition for query responses.
func (db *NodeDb) PartitionInfo(p *Partition) api.PartitionInfo {
	var cpus uint32
	for _, i := range db.Indices(p.Members) {
		cpus += db.nodes[i].Cpus
	}
	return api.PartitionInfo{
		Name:          p.Name,
		Nodes:         p.NodeNames,
		State:         p.State,
		Default:       p.Default,
		MaxNodes:      p.MaxNodes,
		MinNodes:      p.MinNodes,
		MaxTime:       p.MaxTime,
		Shared:        p.Shared,
		Priority:      p.Priority,
		AllowGroups:   slices.Clone(p.AllowGroups),
		AllowAccounts: slices.Clone(p.AllowAccounts),
		PreemptMode:   p.PreemptMode,
		TotalNodes:    uint32(p.Members.Count()),
		TotalCpus:     cpus,
	}
}

func (db *NodeDb) String() string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 1, 1, 1, ' ', 0)
	fmt.Fprint(w, "Node\tState\tCpus\tRunJobs\tCompJobs\tReason\n")
	for _, n := range db.nodes {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", n.Name, n.State, n.Cpus, n.RunJobs, n.CompJobs, n.Reason)
	}
	w.Flush()
	return sb.String()
}
