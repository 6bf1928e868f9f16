package api

import (
	"strings"

	"github.com/pkg/errors"
)

type JobState uint16

const (
	JobPending JobState = iota
	JobRunning
	JobSuspended
	JobCompleting
	JobCompleted
	JobCancelled
	JobFailed
	JobTimeout
	JobNodeFail
)

var jobStateNames = map[JobState]string{
	JobPending:    "PENDING",
	JobRunning:    "RUNNING",
	JobSuspended:  "SUSPENDED",
	JobCompleting: "COMPLETING",
	JobCompleted:  "COMPLETED",
	JobCancelled:  "CANCELLED",
	JobFailed:     "FAILED",
	JobTimeout:    "TIMEOUT",
	JobNodeFail:   "NODE_FAIL",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return "INVALID"
}

// IsTerminal returns true once no further transitions are possible.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobCancelled, JobFailed, JobTimeout, JobNodeFail:
		return true
	}
	return false
}

// HoldsNodes returns true for the states in which a job owns its allocation.
func (s JobState) HoldsNodes() bool {
	return s == JobRunning || s == JobSuspended || s == JobCompleting
}

func ParseJobState(s string) (JobState, error) {
	for state, name := range jobStateNames {
		if strings.EqualFold(name, s) {
			return state, nil
		}
	}
	return 0, errors.Errorf("unknown job state %q", s)
}

type NodeState uint16

const (
	NodeUnknown NodeState = iota
	NodeDown
	NodeIdle
	NodeAllocated
	NodeCompleting
	NodeDraining
	NodeDrained
	NodeFailing
	NodeFailed
	NodeResuming
	NodePoweredDown
	NodeNoRespond
)

var nodeStateNames = map[NodeState]string{
	NodeUnknown:     "UNKNOWN",
	NodeDown:        "DOWN",
	NodeIdle:        "IDLE",
	NodeAllocated:   "ALLOCATED",
	NodeCompleting:  "COMPLETING",
	NodeDraining:    "DRAINING",
	NodeDrained:     "DRAINED",
	NodeFailing:     "FAILING",
	NodeFailed:      "FAILED",
	NodeResuming:    "RESUMING",
	NodePoweredDown: "POWERED_DOWN",
	NodeNoRespond:   "NO_RESPOND",
}

func (s NodeState) String() string {
	if name, ok := nodeStateNames[s]; ok {
		return name
	}
	return "INVALID"
}

// ParseNodeState accepts the state names above plus the operator shorthands DRAIN, RESUME and FAIL,
// which map to DRAINING, IDLE and FAILING respectively.
func ParseNodeState(s string) (NodeState, error) {
	switch strings.ToUpper(s) {
	case "DRAIN":
		return NodeDraining, nil
	case "RESUME":
		return NodeIdle, nil
	case "FAIL":
		return NodeFailing, nil
	case "POWER_DOWN":
		return NodePoweredDown, nil
	case "POWER_UP":
		return NodeResuming, nil
	}
	for state, name := range nodeStateNames {
		if strings.EqualFold(name, s) {
			return state, nil
		}
	}
	return 0, errors.Errorf("unknown node state %q", s)
}

type PartitionState uint16

const (
	PartitionUp PartitionState = iota
	PartitionDown
	PartitionDrain
	PartitionInactive
)

var partitionStateNames = map[PartitionState]string{
	PartitionUp:       "UP",
	PartitionDown:     "DOWN",
	PartitionDrain:    "DRAIN",
	PartitionInactive: "INACTIVE",
}

func (s PartitionState) String() string {
	if name, ok := partitionStateNames[s]; ok {
		return name
	}
	return "INVALID"
}

func ParsePartitionState(s string) (PartitionState, error) {
	if s == "" {
		return PartitionUp, nil
	}
	for state, name := range partitionStateNames {
		if strings.EqualFold(name, s) {
			return state, nil
		}
	}
	return 0, errors.Errorf("unknown partition state %q", s)
}

// AcceptsJobs returns true if submissions to the partition are allowed.
func (s PartitionState) AcceptsJobs() bool {
	return s == PartitionUp || s == PartitionDown
}

// Schedules returns true if pending jobs in the partition may be started.
func (s PartitionState) Schedules() bool {
	return s == PartitionUp || s == PartitionDrain
}

// SharedMode is the partition policy on sharing nodes between jobs.
type SharedMode uint16

const (
	SharedNo SharedMode = iota
	SharedYes
	SharedForce
	SharedExclusive
)

var sharedModeNames = map[SharedMode]string{
	SharedNo:        "NO",
	SharedYes:       "YES",
	SharedForce:     "FORCE",
	SharedExclusive: "EXCLUSIVE",
}

func (s SharedMode) String() string {
	if name, ok := sharedModeNames[s]; ok {
		return name
	}
	return "INVALID"
}

func ParseSharedMode(s string) (SharedMode, error) {
	if s == "" {
		return SharedNo, nil
	}
	for mode, name := range sharedModeNames {
		if strings.EqualFold(name, s) {
			return mode, nil
		}
	}
	return 0, errors.Errorf("unknown shared mode %q", s)
}

// Permits reports whether a job with the given share flag may share nodes in a partition with this policy.
func (s SharedMode) Permits(jobShared bool) bool {
	switch s {
	case SharedForce:
		return true
	case SharedYes:
		return jobShared
	}
	return false
}

type StepState uint16

const (
	StepStarting StepState = iota
	StepRunning
	StepCompleting
	StepDone
	StepFailed
)

var stepStateNames = map[StepState]string{
	StepStarting:   "STARTING",
	StepRunning:    "RUNNING",
	StepCompleting: "COMPLETING",
	StepDone:       "DONE",
	StepFailed:     "FAILED",
}

func (s StepState) String() string {
	if name, ok := stepStateNames[s]; ok {
		return name
	}
	return "INVALID"
}

func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobState) UnmarshalText(text []byte) error {
	state, err := ParseJobState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}

func (s StepState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StepState) UnmarshalText(text []byte) error {
	for state, name := range stepStateNames {
		if strings.EqualFold(name, string(text)) {
			*s = state
			return nil
		}
	}
	return errors.Errorf("unknown step state %q", text)
}
