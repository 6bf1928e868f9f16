package wire

import (
	"time"
)

func init() {
	register(func() Message { return &LaunchTasks{} })
	register(func() Message { return &BatchJobLaunch{} })
	register(func() Message { return &LaunchResponse{} })
	register(func() Message { return &SignalTasks{} })
	register(func() Message { return &TerminateJob{} })
	register(func() Message { return &RevokeCredential{} })
	register(func() Message { return &ReattachTasks{} })
	register(func() Message { return &ReattachResponse{} })
	register(func() Message { return &TaskExit{} })
	register(func() Message { return &NodeRegistration{} })
	register(func() Message { return &RequestNodeRegistration{} })
	register(func() Message { return &EpilogComplete{} })
}

type Rlimit struct {
	Resource uint32
	Cur      uint64
	Max      uint64
}

func packRlimits(p *Packer, limits []Rlimit) {
	p.PackU32(uint32(len(limits)))
	for _, l := range limits {
		p.PackU32(l.Resource)
		p.PackU64(l.Cur)
		p.PackU64(l.Max)
	}
}

func unpackRlimits(u *Unpacker) []Rlimit {
	n := unpackCount(u, 20)
	var limits []Rlimit
	for i := 0; i < n; i++ {
		limits = append(limits, Rlimit{Resource: u.UnpackU32(), Cur: u.UnpackU64(), Max: u.UnpackU64()})
	}
	return limits
}

// LaunchTasks asks an agent to start its share of an interactive step. The same message goes to every node;
// each agent finds its own position in NodeNames.
type LaunchTasks struct {
	JobId          uint32
	StepId         uint32
	UserId         uint32
	GroupId        uint32
	Credential     []byte
	NodeNames      []string
	TasksPerNode   []uint32
	CpusPerTask    uint32
	Argv           []string
	Env            []string
	WorkDir        string
	ClientAddr     string
	Labelled       bool
	Rlimits        []Rlimit
	ControllerTime time.Time
}

func (m *LaunchTasks) Kind() MessageKind { return KindLaunchTasks }

func (m *LaunchTasks) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU32(m.StepId)
	p.PackU32(m.UserId)
	p.PackU32(m.GroupId)
	p.PackBytes(m.Credential)
	p.PackStringArray(m.NodeNames)
	p.PackU32Array(m.TasksPerNode)
	p.PackU32(m.CpusPerTask)
	p.PackStringArray(m.Argv)
	p.PackStringArray(m.Env)
	p.PackString(m.WorkDir)
	p.PackString(m.ClientAddr)
	p.PackBool(m.Labelled)
	packRlimits(p, m.Rlimits)
	p.PackTime(m.ControllerTime)
}

func (m *LaunchTasks) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.StepId = u.UnpackU32()
	m.UserId = u.UnpackU32()
	m.GroupId = u.UnpackU32()
	m.Credential = u.UnpackBytes()
	m.NodeNames = u.UnpackStringArray()
	m.TasksPerNode = u.UnpackU32Array()
	m.CpusPerTask = u.UnpackU32()
	m.Argv = u.UnpackStringArray()
	m.Env = u.UnpackStringArray()
	m.WorkDir = u.UnpackString()
	m.ClientAddr = u.UnpackString()
	m.Labelled = u.UnpackBool()
	m.Rlimits = unpackRlimits(u)
	m.ControllerTime = u.UnpackTime()
	if len(m.NodeNames) != len(m.TasksPerNode) {
		u.fail("launch names %d nodes but %d task counts", len(m.NodeNames), len(m.TasksPerNode))
	}
}

// TaskOffset returns the global id of the first task on node index i and the number of tasks there.
func (m *LaunchTasks) TaskOffset(i int) (first, count uint32) {
	for j := 0; j < i; j++ {
		first += m.TasksPerNode[j]
	}
	return first, m.TasksPerNode[i]
}

// BatchJobLaunch asks the first node of an allocation to run the batch script.
type BatchJobLaunch struct {
	JobId          uint32
	StepId         uint32
	UserId         uint32
	GroupId        uint32
	JobName        string
	Credential     []byte
	NodeList       string
	NumNodes       uint32
	NumTasks       uint32
	Script         string
	Argv           []string
	Env            []string
	WorkDir        string
	Stdin          string
	Stdout         string
	Stderr         string
	Rlimits        []Rlimit
	ControllerTime time.Time
}

func (m *BatchJobLaunch) Kind() MessageKind { return KindBatchJobLaunch }

func (m *BatchJobLaunch) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU32(m.StepId)
	p.PackU32(m.UserId)
	p.PackU32(m.GroupId)
	p.PackString(m.JobName)
	p.PackBytes(m.Credential)
	p.PackString(m.NodeList)
	p.PackU32(m.NumNodes)
	p.PackU32(m.NumTasks)
	p.PackBytes([]byte(m.Script))
	p.PackStringArray(m.Argv)
	p.PackStringArray(m.Env)
	p.PackString(m.WorkDir)
	p.PackString(m.Stdin)
	p.PackString(m.Stdout)
	p.PackString(m.Stderr)
	packRlimits(p, m.Rlimits)
	p.PackTime(m.ControllerTime)
}

func (m *BatchJobLaunch) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.StepId = u.UnpackU32()
	m.UserId = u.UnpackU32()
	m.GroupId = u.UnpackU32()
	m.JobName = u.UnpackString()
	m.Credential = u.UnpackBytes()
	m.NodeList = u.UnpackString()
	m.NumNodes = u.UnpackU32()
	m.NumTasks = u.UnpackU32()
	m.Script = string(u.UnpackBytes())
	m.Argv = u.UnpackStringArray()
	m.Env = u.UnpackStringArray()
	m.WorkDir = u.UnpackString()
	m.Stdin = u.UnpackString()
	m.Stdout = u.UnpackString()
	m.Stderr = u.UnpackString()
	m.Rlimits = unpackRlimits(u)
	m.ControllerTime = u.UnpackTime()
}

type LaunchResponse struct {
	JobId      uint32
	StepId     uint32
	NodeName   string
	ReturnCode uint32
	Pids       []uint32
}

func (m *LaunchResponse) Kind() MessageKind { return KindLaunchResponse }

func (m *LaunchResponse) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU32(m.StepId)
	p.PackString(m.NodeName)
	p.PackU32(m.ReturnCode)
	p.PackU32Array(m.Pids)
}

func (m *LaunchResponse) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.StepId = u.UnpackU32()
	m.NodeName = u.UnpackString()
	m.ReturnCode = u.UnpackU32()
	m.Pids = u.UnpackU32Array()
}

type SignalTasks struct {
	JobId  uint32
	StepId uint32
	Signal uint16
}

func (m *SignalTasks) Kind() MessageKind { return KindSignalTasks }

func (m *SignalTasks) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU32(m.StepId)
	p.PackU16(m.Signal)
}

func (m *SignalTasks) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.StepId = u.UnpackU32()
	m.Signal = u.UnpackU16()
}

// TerminateJob asks an agent to kill every process of a job and send epilog-complete when they are gone.
type TerminateJob struct {
	JobId  uint32
	Reason string
}

func (m *TerminateJob) Kind() MessageKind { return KindTerminateJob }

func (m *TerminateJob) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackString(m.Reason)
}

func (m *TerminateJob) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.Reason = u.UnpackString()
}

type RevokeCredential struct {
	JobId  uint32
	StepId uint32
	Time   time.Time
}

func (m *RevokeCredential) Kind() MessageKind { return KindRevokeCredential }

func (m *RevokeCredential) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU32(m.StepId)
	p.PackTime(m.Time)
}

func (m *RevokeCredential) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.StepId = u.UnpackU32()
	m.Time = u.UnpackTime()
}

// ReattachTasks asks an agent to send the output of a running step to a new client address.
type ReattachTasks struct {
	JobId      uint32
	StepId     uint32
	Credential []byte
	ClientAddr string
}

func (m *ReattachTasks) Kind() MessageKind { return KindReattachTasks }

func (m *ReattachTasks) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU32(m.StepId)
	p.PackBytes(m.Credential)
	p.PackString(m.ClientAddr)
}

func (m *ReattachTasks) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.StepId = u.UnpackU32()
	m.Credential = u.UnpackBytes()
	m.ClientAddr = u.UnpackString()
}

type ReattachResponse struct {
	NodeName   string
	ReturnCode uint32
	TaskIds    []uint32
	Pids       []uint32
	Executable string
}

func (m *ReattachResponse) Kind() MessageKind { return KindReattachResponse }

func (m *ReattachResponse) Pack(p *Packer) {
	p.PackString(m.NodeName)
	p.PackU32(m.ReturnCode)
	p.PackU32Array(m.TaskIds)
	p.PackU32Array(m.Pids)
	p.PackString(m.Executable)
}

func (m *ReattachResponse) Unpack(u *Unpacker) {
	m.NodeName = u.UnpackString()
	m.ReturnCode = u.UnpackU32()
	m.TaskIds = u.UnpackU32Array()
	m.Pids = u.UnpackU32Array()
	m.Executable = u.UnpackString()
}

// TaskExit reports tasks that exited with the same wait status.
type TaskExit struct {
	JobId      uint32
	StepId     uint32
	NodeName   string
	ReturnCode uint32
	TaskIds    []uint32
}

func (m *TaskExit) Kind() MessageKind { return KindTaskExit }

func (m *TaskExit) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU32(m.StepId)
	p.PackString(m.NodeName)
	p.PackU32(m.ReturnCode)
	p.PackU32Array(m.TaskIds)
}

func (m *TaskExit) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.StepId = u.UnpackU32()
	m.NodeName = u.UnpackString()
	m.ReturnCode = u.UnpackU32()
	m.TaskIds = u.UnpackU32Array()
}

type StepRef struct {
	JobId  uint32
	StepId uint32
}

// NodeRegistration is sent by an agent on startup, on request and as its periodic heartbeat.
type NodeRegistration struct {
	NodeName     string
	Startup      bool
	BootId       string
	BootTime     time.Time
	AgentTime    time.Time
	Cpus         uint32
	RealMemoryMB uint64
	TmpDiskMB    uint64
	FreeMemoryMB uint64
	// Load averages multiplied by 100
	Load  [3]uint32
	Steps []StepRef
}

func (m *NodeRegistration) Kind() MessageKind { return KindNodeRegistration }

func (m *NodeRegistration) Pack(p *Packer) {
	p.PackString(m.NodeName)
	p.PackBool(m.Startup)
	p.PackString(m.BootId)
	p.PackTime(m.BootTime)
	p.PackTime(m.AgentTime)
	p.PackU32(m.Cpus)
	p.PackU64(m.RealMemoryMB)
	p.PackU64(m.TmpDiskMB)
	p.PackU64(m.FreeMemoryMB)
	for _, l := range m.Load {
		p.PackU32(l)
	}
	p.PackU32(uint32(len(m.Steps)))
	for _, s := range m.Steps {
		p.PackU32(s.JobId)
		p.PackU32(s.StepId)
	}
}

func (m *NodeRegistration) Unpack(u *Unpacker) {
	m.NodeName = u.UnpackString()
	m.Startup = u.UnpackBool()
	m.BootId = u.UnpackString()
	m.BootTime = u.UnpackTime()
	m.AgentTime = u.UnpackTime()
	m.Cpus = u.UnpackU32()
	m.RealMemoryMB = u.UnpackU64()
	m.TmpDiskMB = u.UnpackU64()
	m.FreeMemoryMB = u.UnpackU64()
	for i := range m.Load {
		m.Load[i] = u.UnpackU32()
	}
	n := unpackCount(u, 8)
	m.Steps = nil
	for i := 0; i < n; i++ {
		m.Steps = append(m.Steps, StepRef{JobId: u.UnpackU32(), StepId: u.UnpackU32()})
	}
}

type RequestNodeRegistration struct{}

func (m *RequestNodeRegistration) Kind() MessageKind  { return KindRequestNodeRegistration }
func (m *RequestNodeRegistration) Pack(*Packer)       {}
func (m *RequestNodeRegistration) Unpack(u *Unpacker) {}

type EpilogComplete struct {
	JobId      uint32
	NodeName   string
	ReturnCode uint32
}

func (m *EpilogComplete) Kind() MessageKind { return KindEpilogComplete }

func (m *EpilogComplete) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackString(m.NodeName)
	p.PackU32(m.ReturnCode)
}

func (m *EpilogComplete) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.NodeName = u.UnpackString()
	m.ReturnCode = u.UnpackU32()
}
