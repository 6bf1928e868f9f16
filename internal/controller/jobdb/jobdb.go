// Package jobdb is the controller's registry of jobs and steps. It is implemented on top of
// https://github.com/hashicorp/go-memdb, an in-memory database built on immutable radix trees: readers
// work on consistent snapshots while the event loop prepares the next version in a write transaction.
package jobdb

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/api"
)

const (
	jobsTable      = "jobs"
	stepsTable     = "steps"
	idIndex        = "id"        // jobs by id; steps by (job id, step id)
	jobIndex       = "job"       // steps by job id
	stateIndex     = "state"     // jobs by state
	userIndex      = "user"      // jobs by owner
	partitionIndex = "partition" // jobs by partition
	pendingIndex   = "pending"   // pending jobs in scheduling order
)

type JobDb struct {
	db *memdb.MemDB
	// Guards nextId and numJobs, which are only changed when a write transaction commits.
	mu          sync.Mutex
	nextId      uint32
	numJobs     int
	maxJobCount int
}

// NewJobDb creates an empty registry assigning ids from firstJobId and holding at most maxJobCount jobs.
func NewJobDb(firstJobId uint32, maxJobCount int) (*JobDb, error) {
	if firstJobId == 0 || firstJobId >= api.BatchStep {
		return nil, errors.WithStack(&corralerrors.ErrInvalidArgument{
			Name:    "FirstJobId",
			Value:   firstJobId,
			Message: "must be positive and below the reserved id range",
		})
	}
	db, err := memdb.NewMemDB(jobDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &JobDb{
		db:          db,
		nextId:      firstJobId,
		maxJobCount: maxJobCount,
	}, nil
}

// NextId is the id the next inserted job will receive.
func (jobDb *JobDb) NextId() uint32 {
	jobDb.mu.Lock()
	defer jobDb.mu.Unlock()
	return jobDb.nextId
}

// SetNextId restores the id counter from persisted state. It never moves the counter backwards.
func (jobDb *JobDb) SetNextId(id uint32) {
	jobDb.mu.Lock()
	defer jobDb.mu.Unlock()
	if id > jobDb.nextId {
		jobDb.nextId = id
	}
}

func (jobDb *JobDb) NumJobs() int {
	jobDb.mu.Lock()
	defer jobDb.mu.Unlock()
	return jobDb.numJobs
}

// ReadTxn returns a read-only transaction.
// Multiple read-only transactions can access the db concurrently
func (jobDb *JobDb) ReadTxn() *Txn {
	jobDb.mu.Lock()
	defer jobDb.mu.Unlock()
	return &Txn{
		readOnly: true,
		jobDb:    jobDb,
		txn:      jobDb.db.Txn(false),
		nextId:   jobDb.nextId,
		numJobs:  jobDb.numJobs,
	}
}

// WriteTxn returns a writeable transaction.
// Only a single write transaction may access the db at any given time
func (jobDb *JobDb) WriteTxn() *Txn {
	txn := jobDb.db.Txn(true)
	jobDb.mu.Lock()
	defer jobDb.mu.Unlock()
	return &Txn{
		jobDb:   jobDb,
		txn:     txn,
		nextId:  jobDb.nextId,
		numJobs: jobDb.numJobs,
		changed: map[uint32]bool{},
	}
}

// Txn is a transaction over the registry. Write transactions record which jobs they touched so the
// caller can journal them before acknowledging the change.
type Txn struct {
	readOnly bool
	jobDb    *JobDb
	txn      *memdb.Txn
	nextId   uint32
	numJobs  int
	changed  map[uint32]bool
	removed  []uint32
	done     bool
}

// Commit makes the changes visible to new transactions.
func (txn *Txn) Commit() {
	if txn.readOnly || txn.done {
		return
	}
	txn.jobDb.mu.Lock()
	txn.txn.Commit()
	txn.jobDb.nextId = txn.nextId
	txn.jobDb.numJobs = txn.numJobs
	txn.jobDb.mu.Unlock()
	txn.done = true
}

// Abort discards the changes.
func (txn *Txn) Abort() {
	if txn.readOnly || txn.done {
		return
	}
	txn.txn.Abort()
	txn.done = true
}

func (txn *Txn) checkWritable() error {
	if txn.readOnly {
		return errors.New("cannot modify the registry in a read-only transaction")
	}
	if txn.done {
		return errors.New("transaction already committed or aborted")
	}
	return nil
}

// Changed returns the ids of jobs upserted (including via their steps) and removed in this transaction.
func (txn *Txn) Changed() (upserted []uint32, removed []uint32) {
	for id := range txn.changed {
		upserted = append(upserted, id)
	}
	return upserted, txn.removed
}

// NextId is the id the next inserted job will receive in this transaction.
func (txn *Txn) NextId() uint32 {
	return txn.nextId
}

// Insert assigns the next job id to a new job and stores it.
func (txn *Txn) Insert(job *Job, now time.Time) (*Job, error) {
	if err := txn.checkWritable(); err != nil {
		return nil, err
	}
	if txn.jobDb.maxJobCount > 0 && txn.numJobs >= txn.jobDb.maxJobCount {
		return nil, corralerrors.Newf(corralerrors.CodeReachedMaxJobCount, "%d jobs already in the system", txn.numJobs)
	}
	id := txn.nextId
	for {
		if id == 0 || id >= api.BatchStep {
			id = 1
		}
		if txn.GetById(id) == nil {
			break
		}
		id++
	}
	txn.nextId = id + 1
	job = job.withId(id)
	if err := txn.Upsert(now, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Upsert stores the given jobs, replacing any existing record with the same id.
// Any jobs passed to this function *must not* be subsequently modified
func (txn *Txn) Upsert(now time.Time, jobs ...*Job) error {
	if err := txn.checkWritable(); err != nil {
		return err
	}
	for _, job := range jobs {
		existing := txn.GetById(job.id)
		if existing == nil {
			txn.numJobs++
		}
		if err := txn.txn.Insert(jobsTable, job.withLastUpdate(now)); err != nil {
			return errors.WithStack(err)
		}
		txn.changed[job.id] = true
		if job.id >= txn.nextId && job.id < api.BatchStep {
			txn.nextId = job.id + 1
		}
	}
	return nil
}

// GetById returns the job with the given id or nil if no such job exists.
// The Job returned by this function *must not* be subsequently modified
func (txn *Txn) GetById(id uint32) *Job {
	obj, err := txn.txn.First(jobsTable, idIndex, id)
	if err != nil || obj == nil {
		return nil
	}
	return obj.(*Job)
}

// Lookup returns the job with the given id or an ErrNotFound.
func (txn *Txn) Lookup(id uint32) (*Job, error) {
	job := txn.GetById(id)
	if job == nil {
		return nil, errors.WithStack(&corralerrors.ErrNotFound{Type: "job", Value: fmt.Sprint(id)})
	}
	return job, nil
}

// Mutate replaces a job with the result of fn.
func (txn *Txn) Mutate(id uint32, now time.Time, fn func(*Job) (*Job, error)) (*Job, error) {
	job, err := txn.Lookup(id)
	if err != nil {
		return nil, err
	}
	updated, err := fn(job)
	if err != nil {
		return nil, err
	}
	if updated.id != id {
		return nil, errors.Errorf("mutation changed job id %d to %d", id, updated.id)
	}
	if err := txn.Upsert(now, updated); err != nil {
		return nil, err
	}
	return txn.GetById(id), nil
}

// Remove deletes a job and its steps. Only terminal jobs whose accounting has been flushed may be removed.
func (txn *Txn) Remove(id uint32) error {
	if err := txn.checkWritable(); err != nil {
		return err
	}
	job, err := txn.Lookup(id)
	if err != nil {
		return err
	}
	if !job.InTerminalState() || !job.AccountingFlushed() {
		return errors.WithStack(&corralerrors.ErrInvalidArgument{
			Name:    "JobId",
			Value:   id,
			Message: fmt.Sprintf("job is %s with accounting flushed=%t", job.State(), job.AccountingFlushed()),
		})
	}
	return txn.remove(job)
}

// Drop deletes a job regardless of its state. It is used when replaying a journal.
func (txn *Txn) Drop(id uint32) error {
	if err := txn.checkWritable(); err != nil {
		return err
	}
	job := txn.GetById(id)
	if job == nil {
		return nil
	}
	return txn.remove(job)
}

func (txn *Txn) remove(job *Job) error {
	if _, err := txn.txn.DeleteAll(stepsTable, jobIndex, job.id); err != nil {
		return errors.WithStack(err)
	}
	if err := txn.txn.Delete(jobsTable, job); err != nil {
		return errors.WithStack(err)
	}
	txn.numJobs--
	delete(txn.changed, job.id)
	txn.removed = append(txn.removed, job.id)
	return nil
}

// Filter selects jobs for List. Zero values match everything.
type Filter struct {
	States    []api.JobState
	UserId    *uint32
	Partition string
	// Only jobs changed after this time.
	UpdatedSince time.Time
}

func (f Filter) matches(job *Job) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if job.state == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserId != nil && job.descriptor.UserId != *f.UserId {
		return false
	}
	if f.Partition != "" && job.descriptor.Partition != f.Partition {
		return false
	}
	if !f.UpdatedSince.IsZero() && !job.lastUpdate.After(f.UpdatedSince) {
		return false
	}
	return true
}

// List returns the jobs matching the filter in id order.
func (txn *Txn) List(f Filter) []*Job {
	var it memdb.ResultIterator
	var err error
	switch {
	case f.UserId != nil:
		it, err = txn.txn.Get(jobsTable, userIndex, *f.UserId)
	case f.Partition != "":
		it, err = txn.txn.Get(jobsTable, partitionIndex, f.Partition)
	default:
		it, err = txn.txn.Get(jobsTable, idIndex)
	}
	if err != nil {
		return nil
	}
	var jobs []*Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		job := obj.(*Job)
		if f.matches(job) {
			jobs = append(jobs, job)
		}
	}
	if f.UserId != nil || f.Partition != "" {
		sortById(jobs)
	}
	return jobs
}

// InState returns the jobs in the given state in id order.
func (txn *Txn) InState(state api.JobState) []*Job {
	it, err := txn.txn.Get(jobsTable, stateIndex, state)
	if err != nil {
		return nil
	}
	var jobs []*Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		jobs = append(jobs, obj.(*Job))
	}
	return jobs
}

// Pending returns pending jobs in scheduling order: highest priority first, then earliest submission,
// then lowest id.
func (txn *Txn) Pending() []*Job {
	it, err := txn.txn.Get(jobsTable, pendingIndex)
	if err != nil {
		return nil
	}
	var jobs []*Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		jobs = append(jobs, obj.(*Job))
	}
	return jobs
}

// Active returns jobs holding nodes (RUNNING, SUSPENDED or COMPLETING) in id order.
func (txn *Txn) Active() []*Job {
	var jobs []*Job
	for _, state := range []api.JobState{api.JobRunning, api.JobSuspended, api.JobCompleting} {
		jobs = append(jobs, txn.InState(state)...)
	}
	sortById(jobs)
	return jobs
}

// GetAll returns all jobs in id order.
func (txn *Txn) GetAll() []*Job {
	return txn.List(Filter{})
}

// UpsertStep stores a step. Its job must exist.
func (txn *Txn) UpsertStep(step *Step) error {
	if err := txn.checkWritable(); err != nil {
		return err
	}
	if txn.GetById(step.jobId) == nil {
		return errors.WithStack(&corralerrors.ErrNotFound{Type: "job", Value: fmt.Sprint(step.jobId)})
	}
	if err := txn.txn.Insert(stepsTable, step); err != nil {
		return errors.WithStack(err)
	}
	txn.changed[step.jobId] = true
	return nil
}

// Step returns a step or an ErrNotFound.
func (txn *Txn) Step(jobId, stepId uint32) (*Step, error) {
	obj, err := txn.txn.First(stepsTable, idIndex, jobId, stepId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&corralerrors.ErrNotFound{Type: "step", Value: api.StepName(jobId, stepId)})
	}
	return obj.(*Step), nil
}

// Steps returns the live steps of a job in step id order.
func (txn *Txn) Steps(jobId uint32) []*Step {
	it, err := txn.txn.Get(stepsTable, jobIndex, jobId)
	if err != nil {
		return nil
	}
	var steps []*Step
	for obj := it.Next(); obj != nil; obj = it.Next() {
		steps = append(steps, obj.(*Step))
	}
	return steps
}

// RemoveStep deletes a step once every node reported it complete.
func (txn *Txn) RemoveStep(jobId, stepId uint32) error {
	if err := txn.checkWritable(); err != nil {
		return err
	}
	step, err := txn.Step(jobId, stepId)
	if err != nil {
		return err
	}
	if err := txn.txn.Delete(stepsTable, step); err != nil {
		return errors.WithStack(err)
	}
	txn.changed[jobId] = true
	return nil
}

// AllocateStepId returns the next step id of a job and stores the advanced counter. Step ids are never
// reused within a job.
func (txn *Txn) AllocateStepId(jobId uint32, now time.Time) (uint32, error) {
	var stepId uint32
	_, err := txn.Mutate(jobId, now, func(job *Job) (*Job, error) {
		stepId = job.nextStepId
		if stepId >= api.BatchStep {
			return nil, corralerrors.Newf(corralerrors.CodeInvalidStepId, "job %d has exhausted its step ids", jobId)
		}
		return job.WithNextStepId(stepId + 1), nil
	})
	return stepId, err
}

func jobDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: jobIdIndexer{},
					},
					stateIndex: {
						Name:    stateIndex,
						Indexer: stateIndexer{},
					},
					userIndex: {
						Name:    userIndex,
						Indexer: userIndexer{},
					},
					partitionIndex: {
						Name:    partitionIndex,
						Indexer: partitionIndexer{},
					},
					pendingIndex: {
						Name:         pendingIndex,
						AllowMissing: true,
						Indexer:      pendingOrderIndexer{},
					},
				},
			},
			stepsTable: {
				Name: stepsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: stepIdIndexer{},
					},
					jobIndex: {
						Name:    jobIndex,
						Indexer: jobIdIndexer{},
					},
				},
			},
		},
	}
}
