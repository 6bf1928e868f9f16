package jobdb

import (
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/corral/pkg/api"
)

// Job is the controller's record of a job. Jobs are immutable: the WithX methods return modified copies
// and the copies must be upserted into a transaction to take effect. Bitmaps and slices returned by the
// getters are shared and must not be modified.
type Job struct {
	id         uint32
	descriptor api.JobDescriptor
	state      api.JobState
	// State the job moves to once it leaves COMPLETING.
	finalState api.JobState
	// Why the job is pending, or why it ended.
	reason        string
	priority      uint32
	submitTime    time.Time
	eligibleTime  time.Time
	startTime     time.Time
	endTime       time.Time
	expectedStart time.Time
	// Allocated nodes while RUNNING or SUSPENDED.
	nodes       *bitset.BitSet
	nodeList    string
	cpusPerNode []uint32
	// Nodes an epilog is awaited from while COMPLETING.
	awaiting       *bitset.BitSet
	exitCode       uint32
	nextStepId     uint32
	launchAttempts uint32
	restarts       uint32
	batchHost      string
	// Set once every accounting sink accepted the job's final record.
	accountingFlushed bool
	killAttempts      uint32
	lastKillTime      time.Time
	suspendTime       time.Time
	suspendedFor      time.Duration
	lastUpdate        time.Time
}

// NewJob creates a pending job. The id is assigned on insertion.
func NewJob(descriptor api.JobDescriptor, priority uint32, submitTime time.Time) *Job {
	return &Job{
		descriptor:   descriptor,
		state:        api.JobPending,
		finalState:   api.JobPending,
		priority:     priority,
		submitTime:   submitTime,
		eligibleTime: submitTime,
	}
}

func (job *Job) Id() uint32 {
	return job.id
}

// Descriptor returns the job's request.
func (job *Job) Descriptor() *api.JobDescriptor {
	return &job.descriptor
}

func (job *Job) Name() string {
	return job.descriptor.Name
}

func (job *Job) UserId() uint32 {
	return job.descriptor.UserId
}

func (job *Job) GroupId() uint32 {
	return job.descriptor.GroupId
}

func (job *Job) Partition() string {
	return job.descriptor.Partition
}

func (job *Job) TimeLimit() api.TimeLimit {
	return job.descriptor.TimeLimit
}

// IsBatch is true for jobs running a script in an implicit batch step.
func (job *Job) IsBatch() bool {
	return !job.descriptor.IsAllocation()
}

func (job *Job) State() api.JobState {
	return job.state
}

func (job *Job) FinalState() api.JobState {
	return job.finalState
}

func (job *Job) InTerminalState() bool {
	return job.state.IsTerminal()
}

func (job *Job) Reason() string {
	return job.reason
}

func (job *Job) Priority() uint32 {
	return job.priority
}

func (job *Job) SubmitTime() time.Time {
	return job.submitTime
}

func (job *Job) EligibleTime() time.Time {
	return job.eligibleTime
}

func (job *Job) StartTime() time.Time {
	return job.startTime
}

func (job *Job) EndTime() time.Time {
	return job.endTime
}

func (job *Job) ExpectedStart() time.Time {
	return job.expectedStart
}

func (job *Job) Nodes() *bitset.BitSet {
	return job.nodes
}

func (job *Job) NodeList() string {
	return job.nodeList
}

func (job *Job) CpusPerNode() []uint32 {
	return job.cpusPerNode
}

func (job *Job) Awaiting() *bitset.BitSet {
	return job.awaiting
}

func (job *Job) ExitCode() uint32 {
	return job.exitCode
}

func (job *Job) NextStepId() uint32 {
	return job.nextStepId
}

func (job *Job) LaunchAttempts() uint32 {
	return job.launchAttempts
}

func (job *Job) Restarts() uint32 {
	return job.restarts
}

func (job *Job) BatchHost() string {
	return job.batchHost
}

func (job *Job) AccountingFlushed() bool {
	return job.accountingFlushed
}

func (job *Job) KillAttempts() uint32 {
	return job.killAttempts
}

func (job *Job) LastKillTime() time.Time {
	return job.lastKillTime
}

func (job *Job) SuspendTime() time.Time {
	return job.suspendTime
}

func (job *Job) SuspendedFor() time.Duration {
	return job.suspendedFor
}

func (job *Job) LastUpdate() time.Time {
	return job.lastUpdate
}

// Elapsed is the run time so far, excluding time spent suspended.
func (job *Job) Elapsed(now time.Time) time.Duration {
	if job.startTime.IsZero() {
		return 0
	}
	end := now
	if !job.endTime.IsZero() {
		end = job.endTime
	}
	if job.state == api.JobSuspended && !job.suspendTime.IsZero() {
		end = job.suspendTime
	}
	elapsed := end.Sub(job.startTime) - job.suspendedFor
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// TimedOut is true when a running job has used up its time limit.
func (job *Job) TimedOut(now time.Time) bool {
	if job.state != api.JobRunning {
		return false
	}
	limit, ok := job.descriptor.TimeLimit.Duration()
	return ok && job.Elapsed(now) >= limit
}

// EndsBy returns the latest time the job will hold its nodes, or false for jobs without a time limit.
func (job *Job) EndsBy() (time.Time, bool) {
	limit, ok := job.descriptor.TimeLimit.Duration()
	if !ok || job.startTime.IsZero() {
		return time.Time{}, false
	}
	return job.startTime.Add(job.suspendedFor + limit), true
}

func (job *Job) WithState(state api.JobState) *Job {
	j := job.copy()
	j.state = state
	return j
}

// WithFinalState moves the job to COMPLETING, remembering the state to finish in.
func (job *Job) WithFinalState(state api.JobState, reason string) *Job {
	j := job.copy()
	j.state = api.JobCompleting
	j.finalState = state
	j.reason = reason
	return j
}

func (job *Job) WithReason(reason string) *Job {
	j := job.copy()
	j.reason = reason
	return j
}

func (job *Job) WithPriority(priority uint32) *Job {
	j := job.copy()
	j.priority = priority
	return j
}

func (job *Job) WithEligibleTime(t time.Time) *Job {
	j := job.copy()
	j.eligibleTime = t
	return j
}

func (job *Job) WithStartTime(t time.Time) *Job {
	j := job.copy()
	j.startTime = t
	return j
}

func (job *Job) WithEndTime(t time.Time) *Job {
	j := job.copy()
	j.endTime = t
	return j
}

func (job *Job) WithExpectedStart(t time.Time) *Job {
	j := job.copy()
	j.expectedStart = t
	return j
}

// WithAllocation records the nodes the job runs on. The bitmap is copied.
func (job *Job) WithAllocation(nodes *bitset.BitSet, nodeList string, cpusPerNode []uint32) *Job {
	j := job.copy()
	j.nodes = nodes.Clone()
	j.nodeList = nodeList
	j.cpusPerNode = slices.Clone(cpusPerNode)
	return j
}

// WithoutAllocation clears the allocation of a requeued job.
func (job *Job) WithoutAllocation() *Job {
	j := job.copy()
	j.nodes = nil
	j.nodeList = ""
	j.cpusPerNode = nil
	j.batchHost = ""
	j.startTime = time.Time{}
	j.suspendedFor = 0
	j.suspendTime = time.Time{}
	return j
}

// WithAwaiting records the nodes whose epilog completes the job. The bitmap is copied.
func (job *Job) WithAwaiting(nodes *bitset.BitSet) *Job {
	j := job.copy()
	if nodes == nil {
		j.awaiting = nil
	} else {
		j.awaiting = nodes.Clone()
	}
	return j
}

func (job *Job) WithExitCode(code uint32) *Job {
	j := job.copy()
	j.exitCode = code
	return j
}

func (job *Job) WithNextStepId(id uint32) *Job {
	j := job.copy()
	j.nextStepId = id
	return j
}

func (job *Job) WithLaunchAttempts(n uint32) *Job {
	j := job.copy()
	j.launchAttempts = n
	return j
}

func (job *Job) WithRestarts(n uint32) *Job {
	j := job.copy()
	j.restarts = n
	return j
}

func (job *Job) WithBatchHost(host string) *Job {
	j := job.copy()
	j.batchHost = host
	return j
}

func (job *Job) WithAccountingFlushed() *Job {
	j := job.copy()
	j.accountingFlushed = true
	return j
}

// WithKillAttempt records a terminate request sent to the job's nodes.
func (job *Job) WithKillAttempt(now time.Time) *Job {
	j := job.copy()
	j.killAttempts++
	j.lastKillTime = now
	return j
}

// WithSuspended stops the job clock.
func (job *Job) WithSuspended(now time.Time) *Job {
	j := job.copy()
	j.state = api.JobSuspended
	j.suspendTime = now
	return j
}

// WithResumed restarts the job clock.
func (job *Job) WithResumed(now time.Time) *Job {
	j := job.copy()
	j.state = api.JobRunning
	if !j.suspendTime.IsZero() {
		j.suspendedFor += now.Sub(j.suspendTime)
	}
	j.suspendTime = time.Time{}
	return j
}

func (job *Job) withId(id uint32) *Job {
	j := job.copy()
	j.id = id
	return j
}

func (job *Job) withLastUpdate(t time.Time) *Job {
	j := job.copy()
	j.lastUpdate = t
	return j
}

// Info renders the job for query responses.
func (job *Job) Info() api.JobInfo {
	var numNodes uint32
	if job.nodes != nil {
		numNodes = uint32(job.nodes.Count())
	} else {
		numNodes = job.descriptor.MinNodes
	}
	var cpus uint32
	for _, c := range job.cpusPerNode {
		cpus += c
	}
	if cpus == 0 {
		cpus = job.descriptor.TotalCpus()
	}
	return api.JobInfo{
		JobId:         job.id,
		Name:          job.descriptor.Name,
		UserId:        job.descriptor.UserId,
		GroupId:       job.descriptor.GroupId,
		Account:       job.descriptor.Account,
		Partition:     job.descriptor.Partition,
		State:         job.state,
		StateReason:   job.reason,
		Priority:      job.priority,
		SubmitTime:    job.submitTime,
		EligibleTime:  job.eligibleTime,
		StartTime:     job.startTime,
		EndTime:       job.endTime,
		ExpectedStart: job.expectedStart,
		TimeLimit:     job.descriptor.TimeLimit,
		NodeList:      job.nodeList,
		NumNodes:      numNodes,
		NumTasks:      job.descriptor.NumTasks,
		NumCpus:       cpus,
		ExitCode:      job.exitCode,
		Restarts:      job.restarts,
		WorkDir:       job.descriptor.WorkDir,
	}
}

func (job *Job) copy() *Job {
	j := *job
	return &j
}
