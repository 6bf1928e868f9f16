package wire

import (
	"time"

	"github.com/armadaproject/corral/pkg/api"
)

func init() {
	register(func() Message { return &SubmitBatchJob{} })
	register(func() Message { return &SubmitResponse{} })
	register(func() Message { return &AllocateResources{} })
	register(func() Message { return &AllocationResponse{} })
	register(func() Message { return &AllocateAndRun{} })
	register(func() Message { return &AllocateAndRunResponse{} })
	register(func() Message { return &JobAllocationInfo{} })
	register(func() Message { return &JobStepCreate{} })
	register(func() Message { return &StepCreateResponse{} })
	register(func() Message { return &JobCancel{} })
	register(func() Message { return &JobComplete{} })
	register(func() Message { return &StepComplete{} })
}

type SubmitBatchJob struct {
	Job api.JobDescriptor
}

func (m *SubmitBatchJob) Kind() MessageKind  { return KindSubmitBatchJob }
func (m *SubmitBatchJob) Pack(p *Packer)     { PackJobDescriptor(p, &m.Job) }
func (m *SubmitBatchJob) Unpack(u *Unpacker) { m.Job = UnpackJobDescriptor(u) }

type SubmitResponse struct {
	JobId  uint32
	State  api.JobState
	Reason string
}

func (m *SubmitResponse) Kind() MessageKind { return KindSubmitResponse }

func (m *SubmitResponse) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU16(uint16(m.State))
	p.PackString(m.Reason)
}

func (m *SubmitResponse) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.State = api.JobState(u.UnpackU16())
	m.Reason = u.UnpackString()
}

type AllocateResources struct {
	Job api.JobDescriptor
}

func (m *AllocateResources) Kind() MessageKind  { return KindAllocateResources }
func (m *AllocateResources) Pack(p *Packer)     { PackJobDescriptor(p, &m.Job) }
func (m *AllocateResources) Unpack(u *Unpacker) { m.Job = UnpackJobDescriptor(u) }

// AllocationResponse describes a job's allocation. NodeList is empty while the job is pending.
type AllocationResponse struct {
	JobId         uint32
	State         api.JobState
	NodeList      string
	NodeAddrs     []string
	Cpus          api.CpuGroups
	WorkDir       string
	ExpectedStart time.Time
}

func (m *AllocationResponse) Kind() MessageKind { return KindAllocationResponse }

func (m *AllocationResponse) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU16(uint16(m.State))
	p.PackString(m.NodeList)
	p.PackStringArray(m.NodeAddrs)
	packCpuGroups(p, m.Cpus)
	p.PackString(m.WorkDir)
	p.PackTime(m.ExpectedStart)
}

func (m *AllocationResponse) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.State = api.JobState(u.UnpackU16())
	m.NodeList = u.UnpackString()
	m.NodeAddrs = u.UnpackStringArray()
	m.Cpus = unpackCpuGroups(u)
	m.WorkDir = u.UnpackString()
	m.ExpectedStart = u.UnpackTime()
}

// StepLaunchSpec is what a client supplies to run tasks in an allocation.
type StepLaunchSpec struct {
	Name        string
	NumTasks    uint32
	NumNodes    uint32
	CpusPerTask uint32
	// Optional hostlist subset of the allocation
	NodeList   string
	Argv       []string
	Env        []string
	WorkDir    string
	ClientAddr string
	Labelled   bool
	Overcommit bool
}

func packStepLaunchSpec(p *Packer, s *StepLaunchSpec) {
	p.PackString(s.Name)
	p.PackU32(s.NumTasks)
	p.PackU32(s.NumNodes)
	p.PackU32(s.CpusPerTask)
	p.PackString(s.NodeList)
	p.PackStringArray(s.Argv)
	p.PackStringArray(s.Env)
	p.PackString(s.WorkDir)
	p.PackString(s.ClientAddr)
	p.PackBool(s.Labelled)
	p.PackBool(s.Overcommit)
}

func unpackStepLaunchSpec(u *Unpacker) StepLaunchSpec {
	return StepLaunchSpec{
		Name:        u.UnpackString(),
		NumTasks:    u.UnpackU32(),
		NumNodes:    u.UnpackU32(),
		CpusPerTask: u.UnpackU32(),
		NodeList:    u.UnpackString(),
		Argv:        u.UnpackStringArray(),
		Env:         u.UnpackStringArray(),
		WorkDir:     u.UnpackString(),
		ClientAddr:  u.UnpackString(),
		Labelled:    u.UnpackBool(),
		Overcommit:  u.UnpackBool(),
	}
}

// AllocateAndRun requests an allocation and immediately runs one step in it.
type AllocateAndRun struct {
	Job  api.JobDescriptor
	Step StepLaunchSpec
}

func (m *AllocateAndRun) Kind() MessageKind { return KindAllocateAndRun }

func (m *AllocateAndRun) Pack(p *Packer) {
	PackJobDescriptor(p, &m.Job)
	packStepLaunchSpec(p, &m.Step)
}

func (m *AllocateAndRun) Unpack(u *Unpacker) {
	m.Job = UnpackJobDescriptor(u)
	m.Step = unpackStepLaunchSpec(u)
}

type AllocateAndRunResponse struct {
	Allocation AllocationResponse
	Step       StepCreateResponse
}

func (m *AllocateAndRunResponse) Kind() MessageKind { return KindAllocateAndRunResponse }

func (m *AllocateAndRunResponse) Pack(p *Packer) {
	m.Allocation.Pack(p)
	m.Step.Pack(p)
}

func (m *AllocateAndRunResponse) Unpack(u *Unpacker) {
	m.Allocation.Unpack(u)
	m.Step.Unpack(u)
}

type JobAllocationInfo struct {
	JobId uint32
}

func (m *JobAllocationInfo) Kind() MessageKind  { return KindJobAllocationInfo }
func (m *JobAllocationInfo) Pack(p *Packer)     { p.PackU32(m.JobId) }
func (m *JobAllocationInfo) Unpack(u *Unpacker) { m.JobId = u.UnpackU32() }

type JobStepCreate struct {
	JobId uint32
	Step  StepLaunchSpec
}

func (m *JobStepCreate) Kind() MessageKind { return KindJobStepCreate }

func (m *JobStepCreate) Pack(p *Packer) {
	p.PackU32(m.JobId)
	packStepLaunchSpec(p, &m.Step)
}

func (m *JobStepCreate) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.Step = unpackStepLaunchSpec(u)
}

type StepCreateResponse struct {
	JobId        uint32
	StepId       uint32
	NodeList     string
	NodeAddrs    []string
	TasksPerNode []uint32
	// Signed credential, needed to reattach to the step
	Credential []byte
}

func (m *StepCreateResponse) Kind() MessageKind { return KindStepCreateResponse }

func (m *StepCreateResponse) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU32(m.StepId)
	p.PackString(m.NodeList)
	p.PackStringArray(m.NodeAddrs)
	p.PackU32Array(m.TasksPerNode)
	p.PackBytes(m.Credential)
}

func (m *StepCreateResponse) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.StepId = u.UnpackU32()
	m.NodeList = u.UnpackString()
	m.NodeAddrs = u.UnpackStringArray()
	m.TasksPerNode = u.UnpackU32Array()
	m.Credential = u.UnpackBytes()
}

// JobCancel cancels a job or, when StepId is not api.AllSteps, signals one step.
// Signal zero means terminate.
type JobCancel struct {
	JobId  uint32
	StepId uint32
	Signal uint16
}

func (m *JobCancel) Kind() MessageKind { return KindJobCancel }

func (m *JobCancel) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU32(m.StepId)
	p.PackU16(m.Signal)
}

func (m *JobCancel) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.StepId = u.UnpackU32()
	m.Signal = u.UnpackU16()
}

// JobComplete releases an interactive allocation.
type JobComplete struct {
	JobId      uint32
	ReturnCode uint32
}

func (m *JobComplete) Kind() MessageKind { return KindJobComplete }

func (m *JobComplete) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU32(m.ReturnCode)
}

func (m *JobComplete) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.ReturnCode = u.UnpackU32()
}

// StepComplete reports that every local task of a step on NodeName has exited.
type StepComplete struct {
	JobId    uint32
	StepId   uint32
	NodeName string
	// Largest wait status of the local tasks
	ReturnCode uint32
}

func (m *StepComplete) Kind() MessageKind { return KindStepComplete }

func (m *StepComplete) Pack(p *Packer) {
	p.PackU32(m.JobId)
	p.PackU32(m.StepId)
	p.PackString(m.NodeName)
	p.PackU32(m.ReturnCode)
}

func (m *StepComplete) Unpack(u *Unpacker) {
	m.JobId = u.UnpackU32()
	m.StepId = u.UnpackU32()
	m.NodeName = u.UnpackString()
	m.ReturnCode = u.UnpackU32()
}
