package agent

import (
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

type StepState int

const (
	StepStarting StepState = iota
	StepRunning
	StepCompleting
	StepDone
	StepFailed
)

func (s StepState) String() string {
	switch s {
	case StepStarting:
		return "STARTING"
	case StepRunning:
		return "RUNNING"
	case StepCompleting:
		return "COMPLETING"
	case StepDone:
		return "DONE"
	case StepFailed:
		return "FAILED"
	}
	return fmt.Sprintf("StepState(%d)", int(s))
}

type task struct {
	// Global task id within the step.
	id      uint32
	localId uint32
	cmd     *exec.Cmd
	pid     int
	exited  bool
	status  uint32
	// Nil for batch tasks, whose streams are files.
	io *taskIO
}

// Step is the local part of one job step.
type Step struct {
	JobId      uint32
	StepId     uint32
	Uid        uint32
	Gid        uint32
	Credential []byte
	Argv       []string
	StartTime  time.Time

	mu     sync.Mutex
	state  StepState
	killed bool
	// Process group shared by every task; zero until the first task starts.
	pgid    int
	tasks   []*task
	running int
	// Set until every task of the launch has been started.
	spawning bool
	// End-of-step reports the controller has not acknowledged yet, in order.
	unreported []wire.Message
	delivering bool
	// Closed once every task has exited.
	done chan struct{}
}

func newStep(jobId, stepId, uid, gid uint32, credential []byte, argv []string, now time.Time) *Step {
	return &Step{
		JobId:      jobId,
		StepId:     stepId,
		Uid:        uid,
		Gid:        gid,
		Credential: credential,
		Argv:       argv,
		StartTime:  now,
		state:      StepStarting,
		spawning:   true,
		done:       make(chan struct{}),
	}
}

func (s *Step) Name() string {
	return api.StepName(s.JobId, s.StepId)
}

func (s *Step) State() StepState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once every task of the step has exited.
func (s *Step) Done() <-chan struct{} {
	return s.done
}

func (s *Step) processGroup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pgid
}

// addTask records a started task. The first task leads the step's process group.
func (s *Step) addTask(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.pid = t.cmd.Process.Pid
	if s.pgid == 0 {
		s.pgid = t.pid
	}
	s.tasks = append(s.tasks, t)
	s.running++
	if s.state == StepStarting {
		s.state = StepRunning
	}
}

// taskExited records the exit of one task and returns true when it was the last one.
func (s *Step) taskExited(t *task, status uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.exited = true
	t.status = status
	s.running--
	if s.state == StepRunning {
		s.state = StepCompleting
	}
	if s.running > 0 || s.spawning {
		return false
	}
	close(s.done)
	return true
}

// finishSpawning marks the launch complete and returns true if every task has already exited.
func (s *Step) finishSpawning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawning = false
	if s.running > 0 {
		return false
	}
	s.state = StepCompleting
	close(s.done)
	return true
}

// fail marks a step whose launch failed. Tasks already started are killed.
func (s *Step) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StepFailed
	s.spawning = false
	if s.pgid != 0 && s.running > 0 {
		_ = unix.Kill(-s.pgid, unix.SIGKILL)
	}
	if s.running == 0 {
		close(s.done)
	}
}

func (s *Step) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StepFailed
}

// markKilled sets the signal flag and returns true the first time it is called.
func (s *Step) markKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StepStarting || s.state == StepRunning {
		s.state = StepCompleting
	}
	first := !s.killed
	s.killed = true
	return first
}

// signal delivers sig to the step's process group.
func (s *Step) signal(sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pgid == 0 || s.running == 0 {
		return nil
	}
	if err := unix.Kill(-s.pgid, sig); err != nil && err != unix.ESRCH {
		return corralerrors.Newf(corralerrors.CodeInternal, "signalling %s: %v", api.StepName(s.JobId, s.StepId), err)
	}
	return nil
}

// finish builds the end-of-step reports: one task-exit per distinct wait status, then step-complete
// carrying the largest status.
func (s *Step) finish(nodeName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStatus := map[uint32][]uint32{}
	var statuses []uint32
	var largest uint32
	for _, t := range s.tasks {
		if _, ok := byStatus[t.status]; !ok {
			statuses = append(statuses, t.status)
		}
		byStatus[t.status] = append(byStatus[t.status], t.id)
		if t.status > largest {
			largest = t.status
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	for _, status := range statuses {
		s.unreported = append(s.unreported, &wire.TaskExit{
			JobId:      s.JobId,
			StepId:     s.StepId,
			NodeName:   nodeName,
			ReturnCode: status,
			TaskIds:    byStatus[status],
		})
	}
	s.unreported = append(s.unreported, &wire.StepComplete{
		JobId:      s.JobId,
		StepId:     s.StepId,
		NodeName:   nodeName,
		ReturnCode: largest,
	})
}

// beginDelivery returns the unacknowledged reports and claims the right to send them.
func (s *Step) beginDelivery() ([]wire.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivering || len(s.unreported) == 0 {
		return nil, false
	}
	s.delivering = true
	return append([]wire.Message{}, s.unreported...), true
}

// endDelivery records how many reports were acknowledged and returns true once all of them were.
func (s *Step) endDelivery(acknowledged int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivering = false
	s.unreported = s.unreported[acknowledged:]
	if len(s.unreported) > 0 {
		return false
	}
	s.state = StepDone
	return true
}

// awaitingDelivery reports whether every task exited but the controller has not acknowledged the end.
func (s *Step) awaitingDelivery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.delivering && len(s.unreported) > 0
}

// interactive returns the task ids, pids and streams of tasks with network I/O.
func (s *Step) interactive() ([]uint32, []uint32, []*taskIO) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids, pids []uint32
	var streams []*taskIO
	for _, t := range s.tasks {
		if t.io == nil {
			continue
		}
		ids = append(ids, t.id)
		pids = append(pids, uint32(t.pid))
		streams = append(streams, t.io)
	}
	return ids, pids, streams
}

func (s *Step) pids() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]uint32, 0, len(s.tasks))
	for _, t := range s.tasks {
		pids = append(pids, uint32(t.pid))
	}
	return pids
}

func (s *Step) closeIO() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.io != nil {
			t.io.close()
		}
	}
}

type stepKey struct {
	job  uint32
	step uint32
}

// StepTable holds every step with processes on this node.
type StepTable struct {
	mu    sync.Mutex
	steps map[stepKey]*Step
}

func NewStepTable() *StepTable {
	return &StepTable{steps: map[stepKey]*Step{}}
}

func (t *StepTable) Add(s *Step) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := stepKey{job: s.JobId, step: s.StepId}
	if _, exists := t.steps[key]; exists {
		return corralerrors.Newf(corralerrors.CodeStepExists, "step %s is already running here", s.Name())
	}
	t.steps[key] = s
	return nil
}

func (t *StepTable) Get(jobId, stepId uint32) (*Step, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.steps[stepKey{job: jobId, step: stepId}]
	if !ok {
		return nil, corralerrors.Newf(corralerrors.CodeUnknownStep, "no step %s on this node", api.StepName(jobId, stepId))
	}
	return s, nil
}

// Remove drops a step if it is still the one registered under its id.
func (t *StepTable) Remove(s *Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := stepKey{job: s.JobId, step: s.StepId}
	if t.steps[key] == s {
		delete(t.steps, key)
	}
}

// ForJob returns the steps of one job ordered by step id.
func (t *StepTable) ForJob(jobId uint32) []*Step {
	var steps []*Step
	for _, s := range t.All() {
		if s.JobId == jobId {
			steps = append(steps, s)
		}
	}
	return steps
}

// All returns every step ordered by job and step id.
func (t *StepTable) All() []*Step {
	t.mu.Lock()
	steps := make([]*Step, 0, len(t.steps))
	for _, s := range t.steps {
		steps = append(steps, s)
	}
	t.mu.Unlock()
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].JobId != steps[j].JobId {
			return steps[i].JobId < steps[j].JobId
		}
		return steps[i].StepId < steps[j].StepId
	})
	return steps
}

// Refs lists the live steps for the heartbeat.
func (t *StepTable) Refs() []wire.StepRef {
	steps := t.All()
	refs := make([]wire.StepRef, 0, len(steps))
	for _, s := range steps {
		refs = append(refs, wire.StepRef{JobId: s.JobId, StepId: s.StepId})
	}
	return refs
}

func (t *StepTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}
