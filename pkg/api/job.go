package api

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// NoValue marks an unset numeric request field.
const NoValue = ^uint32(0)

// MaxStringLength is the longest string field the wire protocol carries.
const MaxStringLength = 1<<16 - 1

// JobDescriptor is the resource request and launch description supplied on submission.
type JobDescriptor struct {
	Name      string
	Partition string
	Account   string
	UserId    uint32
	GroupId   uint32
	MinNodes  uint32
	// NoValue means "same as MinNodes"
	MaxNodes     uint32
	NumTasks     uint32
	CpusPerTask  uint32
	MinMemoryMB  uint64
	MinTmpDiskMB uint64
	Features     []string
	Contiguous   bool
	// Explicit node list or exclusion list, as hostlist expressions
	ReqNodes  string
	ExcNodes  string
	TimeLimit TimeLimit
	WorkDir   string
	Env       []string
	Argv      []string
	// Batch script; empty for allocations
	Script         string
	Stdin          string
	Stdout         string
	Stderr         string
	Shared         bool
	KillOnNodeFail bool
	Overcommit     bool
	// Fail the request instead of queueing it if resources are not available now
	Immediate bool
	Nice      int32
}

// Normalize fills defaults for unset fields.
func (d *JobDescriptor) Normalize() {
	if d.MinNodes == 0 {
		d.MinNodes = 1
	}
	if d.MaxNodes == 0 || d.MaxNodes == NoValue {
		d.MaxNodes = d.MinNodes
	}
	// One task per node unless told otherwise.
	if d.NumTasks == 0 {
		d.NumTasks = d.MinNodes
	}
	if d.CpusPerTask == 0 {
		d.CpusPerTask = 1
	}
	if d.TimeLimit == 0 {
		d.TimeLimit = TimeLimitNone
	}
	if d.Stdin == "" {
		d.Stdin = "/dev/null"
	}
}

// Validate checks request fields that can be checked without cluster configuration.
func (d *JobDescriptor) Validate() error {
	if d.MinNodes == 0 {
		return errors.New("MinNodes must be at least 1")
	}
	if d.MaxNodes < d.MinNodes {
		return errors.Errorf("MaxNodes %d is less than MinNodes %d", d.MaxNodes, d.MinNodes)
	}
	if d.NumTasks == 0 {
		return errors.New("NumTasks must be at least 1")
	}
	if d.CpusPerTask == 0 {
		return errors.New("CpusPerTask must be at least 1")
	}
	return d.checkLengths()
}

func (d *JobDescriptor) checkLengths() error {
	fields := map[string]string{
		"Name":      d.Name,
		"Partition": d.Partition,
		"Account":   d.Account,
		"ReqNodes":  d.ReqNodes,
		"ExcNodes":  d.ExcNodes,
		"WorkDir":   d.WorkDir,
		"Stdin":     d.Stdin,
		"Stdout":    d.Stdout,
		"Stderr":    d.Stderr,
	}
	for name, v := range fields {
		if len(v) > MaxStringLength {
			return errors.Errorf("%s is %d bytes, longer than %d", name, len(v), MaxStringLength)
		}
	}
	for name, values := range map[string][]string{"Features": d.Features, "Env": d.Env, "Argv": d.Argv} {
		for i, v := range values {
			if len(v) > MaxStringLength {
				return errors.Errorf("%s[%d] is %d bytes, longer than %d", name, i, len(v), MaxStringLength)
			}
		}
	}
	return nil
}

// IsAllocation returns true for interactive allocations, which have no batch script.
func (d *JobDescriptor) IsAllocation() bool {
	return d.Script == ""
}

// TotalCpus is the number of CPUs the tasks require.
func (d *JobDescriptor) TotalCpus() uint32 {
	return d.NumTasks * d.CpusPerTask
}

type JobInfo struct {
	JobId         uint32
	Name          string
	UserId        uint32
	GroupId       uint32
	Account       string
	Partition     string
	State         JobState
	StateReason   string
	Priority      uint32
	SubmitTime    time.Time
	EligibleTime  time.Time
	StartTime     time.Time
	EndTime       time.Time
	ExpectedStart time.Time
	TimeLimit     TimeLimit
	NodeList      string
	NumNodes      uint32
	NumTasks      uint32
	NumCpus       uint32
	ExitCode      uint32
	Restarts      uint32
	WorkDir       string
	Steps         []StepInfo
}

type StepInfo struct {
	JobId     uint32
	StepId    uint32
	Name      string
	State     StepState
	NumTasks  uint32
	NodeList  string
	StartTime time.Time
	ExitCode  uint32
}

type NodeInfo struct {
	Name         string
	Addr         string
	Port         uint16
	State        NodeState
	Reason       string
	ReasonUid    uint32
	ReasonTime   time.Time
	Cpus         uint32
	RealMemoryMB uint64
	TmpDiskMB    uint64
	Features     []string
	RunJobs      uint32
	CompJobs     uint32
	LastResponse time.Time
	BootId       string
	Partitions   []string
}

type PartitionInfo struct {
	Name          string
	Nodes         string
	State         PartitionState
	Default       bool
	MaxNodes      uint32
	MinNodes      uint32
	MaxTime       TimeLimit
	Shared        SharedMode
	Priority      uint32
	AllowGroups   []string
	AllowAccounts []string
	PreemptMode   string
	TotalNodes    uint32
	TotalCpus     uint32
}

// CpuGroups is a run length encoding of per-node CPU counts: Counts[i] repeated Reps[i] times.
type CpuGroups struct {
	Counts []uint32
	Reps   []uint32
}

func EncodeCpuGroups(perNode []uint32) CpuGroups {
	var groups CpuGroups
	for _, c := range perNode {
		n := len(groups.Counts)
		if n > 0 && groups.Counts[n-1] == c {
			groups.Reps[n-1]++
			continue
		}
		groups.Counts = append(groups.Counts, c)
		groups.Reps = append(groups.Reps, 1)
	}
	return groups
}

func (g CpuGroups) Expand() []uint32 {
	var perNode []uint32
	for i, c := range g.Counts {
		for j := uint32(0); j < g.Reps[i]; j++ {
			perNode = append(perNode, c)
		}
	}
	return perNode
}

func (g CpuGroups) Total() uint32 {
	var total uint32
	for i, c := range g.Counts {
		total += c * g.Reps[i]
	}
	return total
}

const (
	// BatchStep is the step id of the implicit step running a batch script.
	BatchStep uint32 = 0xFFFFFFFE
	// AllSteps addresses every step of a job.
	AllSteps uint32 = 0xFFFFFFFF
)

// StepName returns the conventional "job.step" rendering of a step id.
func StepName(jobId, stepId uint32) string {
	switch stepId {
	case BatchStep:
		return fmt.Sprintf("%d.batch", jobId)
	case AllSteps:
		return fmt.Sprintf("%d", jobId)
	}
	return fmt.Sprintf("%d.%d", jobId, stepId)
}
