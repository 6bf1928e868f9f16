package wire

import (
	"time"

	"github.com/armadaproject/corral/pkg/api"
)

func init() {
	register(func() Message { return &ReturnCode{} })
	register(func() Message { return &Ping{} })
	register(func() Message { return &Reconfigure{} })
	register(func() Message { return &Shutdown{} })
	register(func() Message { return &LoadJobs{} })
	register(func() Message { return &JobInfoResponse{} })
	register(func() Message { return &LoadNodes{} })
	register(func() Message { return &NodeInfoResponse{} })
	register(func() Message { return &LoadPartitions{} })
	register(func() Message { return &PartitionInfoResponse{} })
	register(func() Message { return &UpdateNode{} })
	register(func() Message { return &UpdatePartition{} })
}

// ReturnCode is the generic response carrying a numeric result; zero is success.
type ReturnCode struct {
	Code    uint32
	Message string
}

func (m *ReturnCode) Kind() MessageKind { return KindReturnCode }

func (m *ReturnCode) Pack(p *Packer) {
	p.PackU32(m.Code)
	p.PackString(m.Message)
}

func (m *ReturnCode) Unpack(u *Unpacker) {
	m.Code = u.UnpackU32()
	m.Message = u.UnpackString()
}

type Ping struct{}

func (m *Ping) Kind() MessageKind  { return KindPing }
func (m *Ping) Pack(*Packer)       {}
func (m *Ping) Unpack(u *Unpacker) {}

type Reconfigure struct{}

func (m *Reconfigure) Kind() MessageKind  { return KindReconfigure }
func (m *Reconfigure) Pack(*Packer)       {}
func (m *Reconfigure) Unpack(u *Unpacker) {}

type Shutdown struct {
	// Skip the final checkpoint.
	Immediate bool
}

func (m *Shutdown) Kind() MessageKind  { return KindShutdown }
func (m *Shutdown) Pack(p *Packer)     { p.PackBool(m.Immediate) }
func (m *Shutdown) Unpack(u *Unpacker) { m.Immediate = u.UnpackBool() }

// LoadJobs requests job records. Zero values mean "no filter".
type LoadJobs struct {
	UpdatedSince time.Time
	JobId        uint32
	UserId       *uint32
	Partition    string
	States       []api.JobState
	WithSteps    bool
}

func (m *LoadJobs) Kind() MessageKind { return KindLoadJobs }

func (m *LoadJobs) Pack(p *Packer) {
	p.PackTime(m.UpdatedSince)
	p.PackU32(m.JobId)
	packOptionalU32(p, m.UserId)
	p.PackString(m.Partition)
	states := make([]uint32, len(m.States))
	for i, s := range m.States {
		states[i] = uint32(s)
	}
	p.PackU32Array(states)
	p.PackBool(m.WithSteps)
}

func (m *LoadJobs) Unpack(u *Unpacker) {
	m.UpdatedSince = u.UnpackTime()
	m.JobId = u.UnpackU32()
	m.UserId = unpackOptionalU32(u)
	m.Partition = u.UnpackString()
	m.States = nil
	for _, s := range u.UnpackU32Array() {
		m.States = append(m.States, api.JobState(s))
	}
	m.WithSteps = u.UnpackBool()
}

type JobInfoResponse struct {
	LastUpdate time.Time
	Jobs       []api.JobInfo
}

func (m *JobInfoResponse) Kind() MessageKind { return KindJobInfo }

func (m *JobInfoResponse) Pack(p *Packer) {
	p.PackTime(m.LastUpdate)
	p.PackU32(uint32(len(m.Jobs)))
	for i := range m.Jobs {
		packJobInfo(p, &m.Jobs[i])
	}
}

func (m *JobInfoResponse) Unpack(u *Unpacker) {
	m.LastUpdate = u.UnpackTime()
	n := unpackCount(u, 8)
	m.Jobs = nil
	for i := 0; i < n; i++ {
		m.Jobs = append(m.Jobs, unpackJobInfo(u))
	}
}

type LoadNodes struct {
	// Hostlist expression; empty for all nodes
	Names string
}

func (m *LoadNodes) Kind() MessageKind  { return KindLoadNodes }
func (m *LoadNodes) Pack(p *Packer)     { p.PackString(m.Names) }
func (m *LoadNodes) Unpack(u *Unpacker) { m.Names = u.UnpackString() }

type NodeInfoResponse struct {
	LastUpdate time.Time
	Nodes      []api.NodeInfo
}

func (m *NodeInfoResponse) Kind() MessageKind { return KindNodeInfo }

func (m *NodeInfoResponse) Pack(p *Packer) {
	p.PackTime(m.LastUpdate)
	p.PackU32(uint32(len(m.Nodes)))
	for i := range m.Nodes {
		packNodeInfo(p, &m.Nodes[i])
	}
}

func (m *NodeInfoResponse) Unpack(u *Unpacker) {
	m.LastUpdate = u.UnpackTime()
	n := unpackCount(u, 8)
	m.Nodes = nil
	for i := 0; i < n; i++ {
		m.Nodes = append(m.Nodes, unpackNodeInfo(u))
	}
}

type LoadPartitions struct {
	Name string
}

func (m *LoadPartitions) Kind() MessageKind  { return KindLoadPartitions }
func (m *LoadPartitions) Pack(p *Packer)     { p.PackString(m.Name) }
func (m *LoadPartitions) Unpack(u *Unpacker) { m.Name = u.UnpackString() }

type PartitionInfoResponse struct {
	LastUpdate time.Time
	Partitions []api.PartitionInfo
}

func (m *PartitionInfoResponse) Kind() MessageKind { return KindPartitionInfo }

func (m *PartitionInfoResponse) Pack(p *Packer) {
	p.PackTime(m.LastUpdate)
	p.PackU32(uint32(len(m.Partitions)))
	for i := range m.Partitions {
		packPartitionInfo(p, &m.Partitions[i])
	}
}

func (m *PartitionInfoResponse) Unpack(u *Unpacker) {
	m.LastUpdate = u.UnpackTime()
	n := unpackCount(u, 8)
	m.Partitions = nil
	for i := 0; i < n; i++ {
		m.Partitions = append(m.Partitions, unpackPartitionInfo(u))
	}
}

// UpdateNode changes the state of one or more nodes. DRAIN, DOWN and FAIL require a reason.
type UpdateNode struct {
	Names    string
	State    api.NodeState
	Reason   string
	Features *string
}

func (m *UpdateNode) Kind() MessageKind { return KindUpdateNode }

func (m *UpdateNode) Pack(p *Packer) {
	p.PackString(m.Names)
	p.PackU16(uint16(m.State))
	p.PackString(m.Reason)
	packOptionalString(p, m.Features)
}

func (m *UpdateNode) Unpack(u *Unpacker) {
	m.Names = u.UnpackString()
	m.State = api.NodeState(u.UnpackU16())
	m.Reason = u.UnpackString()
	m.Features = unpackOptionalString(u)
}

// UpdatePartition changes partition attributes; nil fields are left unchanged.
type UpdatePartition struct {
	Name     string
	State    *api.PartitionState
	MaxTime  *api.TimeLimit
	MaxNodes *uint32
	MinNodes *uint32
	Priority *uint32
	Default  *bool
	Shared   *api.SharedMode
}

func (m *UpdatePartition) Kind() MessageKind { return KindUpdatePartition }

func (m *UpdatePartition) Pack(p *Packer) {
	p.PackString(m.Name)
	if p.PackPresent(m.State != nil) {
		p.PackU16(uint16(*m.State))
	}
	if p.PackPresent(m.MaxTime != nil) {
		p.PackU32(uint32(*m.MaxTime))
	}
	packOptionalU32(p, m.MaxNodes)
	packOptionalU32(p, m.MinNodes)
	packOptionalU32(p, m.Priority)
	if p.PackPresent(m.Default != nil) {
		p.PackBool(*m.Default)
	}
	if p.PackPresent(m.Shared != nil) {
		p.PackU16(uint16(*m.Shared))
	}
}

func (m *UpdatePartition) Unpack(u *Unpacker) {
	m.Name = u.UnpackString()
	m.State, m.MaxTime, m.Default, m.Shared = nil, nil, nil, nil
	if u.UnpackPresent() {
		s := api.PartitionState(u.UnpackU16())
		m.State = &s
	}
	if u.UnpackPresent() {
		t := api.TimeLimit(u.UnpackU32())
		m.MaxTime = &t
	}
	m.MaxNodes = unpackOptionalU32(u)
	m.MinNodes = unpackOptionalU32(u)
	m.Priority = unpackOptionalU32(u)
	if u.UnpackPresent() {
		d := u.UnpackBool()
		m.Default = &d
	}
	if u.UnpackPresent() {
		s := api.SharedMode(u.UnpackU16())
		m.Shared = &s
	}
}
