// Package scheduling decides which pending jobs start and where. A pass ages pending priorities,
// walks the queue in priority order, fits each job onto the resource map and, for jobs that cannot
// start, computes when they are expected to.
package scheduling

import (
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/common/slurmconf"
	"github.com/armadaproject/corral/internal/controller/jobdb"
	"github.com/armadaproject/corral/internal/controller/nodedb"
	"github.com/armadaproject/corral/pkg/api"
)

// Reasons a pending job is not running.
const (
	ReasonResources        = "Resources"
	ReasonPriority         = "Priority"
	ReasonPartitionDown    = "PartitionDown"
	ReasonPartitionMissing = "PartitionMissing"
	ReasonBeginTime        = "BeginTime"
	ReasonBadConstraints   = "BadConstraints"
)

// SchedulingAlgo decides which pending jobs to start. Jobs it starts are moved to RUNNING with their
// allocation recorded in both the transaction and the resource map.
type SchedulingAlgo interface {
	Schedule(ctx *corralcontext.Context, txn *jobdb.Txn, db *nodedb.NodeDb, now time.Time) (*SchedulerResult, error)
	// TryStart attempts to start one pending job immediately, ignoring queue order.
	TryStart(txn *jobdb.Txn, db *nodedb.NodeDb, job *jobdb.Job, now time.Time) (*jobdb.Job, error)
}

type SchedulerResult struct {
	// Jobs started by this pass.
	ScheduledJobs []*jobdb.Job
	// Jobs that remain pending.
	PendingJobs int
	// Powered down nodes moved to RESUMING that need to be powered up.
	ResumeNodes *bitset.BitSet
}

// QueueScheduler schedules jobs in priority order. With backfill disabled (sched/builtin) it is strict
// within a partition: once a job is blocked no later job of that partition starts. With backfill
// (sched/backfill) the first blocked job of each partition reserves the nodes it is expected to start on,
// and later jobs start only if they leave those nodes alone or end before the reservation begins.
// Jobs without a time limit are never backfilled.
type QueueScheduler struct {
	backfill      bool
	priority      PriorityCalculator
	resumeTimeout time.Duration
}

func NewSchedulingAlgo(config *slurmconf.Config) (*QueueScheduler, error) {
	s := &QueueScheduler{
		priority:      NewPriorityCalculator(config),
		resumeTimeout: config.ResumeTimeout,
	}
	switch config.SchedulerType {
	case slurmconf.SchedBuiltin:
	case slurmconf.SchedBackfill:
		s.backfill = true
	default:
		return nil, errors.Errorf("unknown SchedulerType %q", config.SchedulerType)
	}
	return s, nil
}

func (s *QueueScheduler) Priority() PriorityCalculator {
	return s.priority
}

func (s *QueueScheduler) Schedule(ctx *corralcontext.Context, txn *jobdb.Txn, db *nodedb.NodeDb, now time.Time) (*SchedulerResult, error) {
	result := &SchedulerResult{ResumeNodes: bitset.New(uint(db.NumNodes()))}

	if err := s.age(txn, db, now); err != nil {
		return nil, err
	}

	pl := newPlan(txn, db, now, s.resumeTimeout)
	blocked := map[string]bool{}
	var reservations []reservation
	for _, job := range txn.Pending() {
		if ctx.Err() != nil {
			ctx.Log.Info("Ending scheduling pass early as the context was cancelled")
			break
		}
		p, err := db.Partition(job.Partition())
		if err != nil {
			if err := s.markPending(txn, job, ReasonPartitionMissing, time.Time{}, now); err != nil {
				return nil, err
			}
			result.PendingJobs++
			continue
		}
		if !p.State.Schedules() {
			if err := s.markPending(txn, job, ReasonPartitionDown, time.Time{}, now); err != nil {
				return nil, err
			}
			result.PendingJobs++
			continue
		}
		if job.EligibleTime().After(now) {
			if err := s.markPending(txn, job, ReasonBeginTime, job.EligibleTime(), now); err != nil {
				return nil, err
			}
			result.PendingJobs++
			continue
		}
		r, err := newRequest(db, job.Descriptor())
		if err != nil {
			ctx.Log.WithError(err).Warnf("Job %d has unresolvable node constraints", job.Id())
			if err := s.markPending(txn, job, ReasonBadConstraints, time.Time{}, now); err != nil {
				return nil, err
			}
			result.PendingJobs++
			continue
		}
		eligible := r.eligible(db, p)
		limit := job.TimeLimit()

		if !blocked[p.Name] || (s.backfill && !limit.IsInfinite()) {
			share := p.Shared.Permits(job.Descriptor().Shared)
			candidates := db.AvailableFor(p, share)
			candidates.InPlaceIntersection(eligible)
			if len(reservations) > 0 {
				candidates = withoutReservations(candidates, reservations, now, limit)
			}
			if sel := r.fit(db, p, candidates); sel != nil {
				started, err := s.start(txn, db, job, sel, share, now)
				if err != nil {
					ctx.Log.WithError(err).Warnf("Unable to start job %d", job.Id())
				} else {
					pl.occupy(sel, now, limit)
					result.ScheduledJobs = append(result.ScheduledJobs, started)
					continue
				}
			}
		}

		reason := ReasonResources
		if blocked[p.Name] {
			reason = ReasonPriority
		}
		start, nodes, ok := pl.expectedStart(db, r, p, eligible)
		if !ok {
			start = time.Time{}
		}
		if err := s.markPending(txn, job, reason, start, now); err != nil {
			return nil, err
		}
		result.PendingJobs++
		if ok {
			s.resume(ctx, db, nodes, result.ResumeNodes)
			pl.occupy(nodes, start, limit)
			if s.backfill && !blocked[p.Name] {
				reservations = append(reservations, reservation{jobId: job.Id(), nodes: nodes, start: start})
			}
		}
		blocked[p.Name] = true
	}
	return result, nil
}

// TryStart attempts to start one pending job right away. It returns CodeNodesBusy if the job does not
// fit on the nodes available now.
func (s *QueueScheduler) TryStart(txn *jobdb.Txn, db *nodedb.NodeDb, job *jobdb.Job, now time.Time) (*jobdb.Job, error) {
	if job.State() != api.JobPending {
		return nil, corralerrors.Newf(corralerrors.CodeAlreadyDone, "job %d is %s", job.Id(), job.State())
	}
	p, err := db.Partition(job.Partition())
	if err != nil {
		return nil, err
	}
	if !p.State.Schedules() {
		return nil, corralerrors.Newf(corralerrors.CodePartitionDown, "partition %s is %s", p.Name, p.State)
	}
	r, err := newRequest(db, job.Descriptor())
	if err != nil {
		return nil, err
	}
	share := p.Shared.Permits(job.Descriptor().Shared)
	candidates := db.AvailableFor(p, share)
	candidates.InPlaceIntersection(r.eligible(db, p))
	sel := r.fit(db, p, candidates)
	if sel == nil {
		return nil, corralerrors.Newf(corralerrors.CodeNodesBusy, "resources for job %d are not available", job.Id())
	}
	return s.start(txn, db, job, sel, share, now)
}

// age raises the priority of every pending job to its aged value.
func (s *QueueScheduler) age(txn *jobdb.Txn, db *nodedb.NodeDb, now time.Time) error {
	for _, job := range txn.Pending() {
		p, err := db.Partition(job.Partition())
		if err != nil {
			continue
		}
		if priority := s.priority.Priority(job, p, now); priority != job.Priority() {
			if err := txn.Upsert(now, job.WithPriority(priority)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *QueueScheduler) start(txn *jobdb.Txn, db *nodedb.NodeDb, job *jobdb.Job, nodes *bitset.BitSet, share bool, now time.Time) (*jobdb.Job, error) {
	if err := db.Allocate(nodes, share); err != nil {
		return nil, err
	}
	started := job.
		WithState(api.JobRunning).
		WithAllocation(nodes, db.HostList(nodes), cpusPerNode(db, nodes)).
		WithStartTime(now).
		WithExpectedStart(time.Time{}).
		WithReason("")
	if job.IsBatch() {
		started = started.WithBatchHost(db.Names(nodes)[0])
	}
	if err := txn.Upsert(now, started); err != nil {
		db.Rollback(nodes)
		return nil, err
	}
	return started, nil
}

// markPending records why a job is still pending and when it is expected to start, writing the job
// only if either changed.
func (s *QueueScheduler) markPending(txn *jobdb.Txn, job *jobdb.Job, reason string, expectedStart time.Time, now time.Time) error {
	if job.Reason() == reason && job.ExpectedStart().Equal(expectedStart) {
		return nil
	}
	return txn.Upsert(now, job.WithReason(reason).WithExpectedStart(expectedStart))
}

// resume wakes the powered down nodes among those a blocked job is expected to use.
func (s *QueueScheduler) resume(ctx *corralcontext.Context, db *nodedb.NodeDb, nodes *bitset.BitSet, resumed *bitset.BitSet) {
	for i, ok := nodes.NextSet(0); ok; i, ok = nodes.NextSet(i + 1) {
		n := db.Node(int(i))
		if n.State != api.NodePoweredDown {
			continue
		}
		if err := db.Transition(n, api.NodeResuming); err != nil {
			ctx.Log.WithError(err).Warnf("Unable to resume node %s", n.Name)
			continue
		}
		resumed.Set(i)
	}
}
