package jobdb

import (
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/corral/pkg/api"
)

// Step is one parallel process group within a job's allocation. Like Job it is immutable.
type Step struct {
	jobId       uint32
	stepId      uint32
	name        string
	state       api.StepState
	numTasks    uint32
	cpusPerTask uint32
	// Subset of the job's nodes the step runs on.
	nodes        *bitset.BitSet
	nodeList     string
	tasksPerNode []uint32
	credential   []byte
	argv         []string
	clientAddr   string
	startTime    time.Time
	exitCode     uint32
	// Nodes that have not yet reported the step complete.
	pending *bitset.BitSet
}

// NewStep creates a step in state STARTING. Bitmaps and slices are copied.
func NewStep(
	jobId uint32,
	stepId uint32,
	name string,
	nodes *bitset.BitSet,
	nodeList string,
	tasksPerNode []uint32,
	cpusPerTask uint32,
	argv []string,
	clientAddr string,
	startTime time.Time,
) *Step {
	var numTasks uint32
	for _, n := range tasksPerNode {
		numTasks += n
	}
	return &Step{
		jobId:        jobId,
		stepId:       stepId,
		name:         name,
		state:        api.StepStarting,
		numTasks:     numTasks,
		cpusPerTask:  cpusPerTask,
		nodes:        nodes.Clone(),
		nodeList:     nodeList,
		tasksPerNode: slices.Clone(tasksPerNode),
		argv:         slices.Clone(argv),
		clientAddr:   clientAddr,
		startTime:    startTime,
		pending:      nodes.Clone(),
	}
}

func (step *Step) JobId() uint32 {
	return step.jobId
}

func (step *Step) StepId() uint32 {
	return step.stepId
}

func (step *Step) Name() string {
	return step.name
}

func (step *Step) IsBatch() bool {
	return step.stepId == api.BatchStep
}

func (step *Step) State() api.StepState {
	return step.state
}

func (step *Step) NumTasks() uint32 {
	return step.numTasks
}

func (step *Step) CpusPerTask() uint32 {
	return step.cpusPerTask
}

func (step *Step) Nodes() *bitset.BitSet {
	return step.nodes
}

func (step *Step) NodeList() string {
	return step.nodeList
}

func (step *Step) TasksPerNode() []uint32 {
	return step.tasksPerNode
}

func (step *Step) Credential() []byte {
	return step.credential
}

func (step *Step) Argv() []string {
	return step.argv
}

func (step *Step) ClientAddr() string {
	return step.clientAddr
}

func (step *Step) StartTime() time.Time {
	return step.startTime
}

func (step *Step) ExitCode() uint32 {
	return step.exitCode
}

func (step *Step) Pending() *bitset.BitSet {
	return step.pending
}

func (step *Step) WithState(state api.StepState) *Step {
	s := step.copy()
	s.state = state
	return s
}

func (step *Step) WithCredential(credential []byte) *Step {
	s := step.copy()
	s.credential = slices.Clone(credential)
	return s
}

// WithNodeComplete records a step-complete report from one node. The step exit code is the largest
// reported by any node.
func (step *Step) WithNodeComplete(nodeIndex int, exitCode uint32) *Step {
	s := step.copy()
	s.pending = step.pending.Clone()
	s.pending.Clear(uint(nodeIndex))
	if exitCode > s.exitCode {
		s.exitCode = exitCode
	}
	if s.state == api.StepStarting || s.state == api.StepRunning {
		s.state = api.StepCompleting
	}
	if s.pending.None() {
		if s.exitCode == 0 {
			s.state = api.StepDone
		} else {
			s.state = api.StepFailed
		}
	}
	return s
}

// AllComplete is true once every node of the step reported it complete.
func (step *Step) AllComplete() bool {
	return step.pending.None()
}

// Info renders the step for query responses.
func (step *Step) Info() api.StepInfo {
	return api.StepInfo{
		JobId:     step.jobId,
		StepId:    step.stepId,
		Name:      step.name,
		State:     step.state,
		NumTasks:  step.numTasks,
		NodeList:  step.nodeList,
		StartTime: step.startTime,
		ExitCode:  step.exitCode,
	}
}

func (step *Step) copy() *Step {
	s := *step
	return &s
}
