package scheduling

import (
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/corral/internal/controller/jobdb"
	"github.com/armadaproject/corral/internal/controller/nodedb"
	"github.com/armadaproject/corral/pkg/api"
)

// plan is the look-ahead view of the cluster: for every node, the earliest time it is expected to be
// free. Nodes held by jobs without a time limit, and nodes out of service, are never free.
type plan struct {
	now    time.Time
	freeAt []time.Time
	never  []bool
}

func newPlan(txn *jobdb.Txn, db *nodedb.NodeDb, now time.Time, resumeTimeout time.Duration) *plan {
	pl := &plan{
		now:    now,
		freeAt: make([]time.Time, db.NumNodes()),
		never:  make([]bool, db.NumNodes()),
	}
	for _, n := range db.Nodes() {
		switch n.State {
		case api.NodeIdle, api.NodeAllocated, api.NodeCompleting:
			pl.freeAt[n.Index] = now
		case api.NodePoweredDown, api.NodeResuming:
			pl.freeAt[n.Index] = now.Add(resumeTimeout)
		default:
			pl.never[n.Index] = true
		}
	}
	for _, job := range txn.Active() {
		if job.State() == api.JobCompleting || job.Nodes() == nil {
			continue
		}
		end, ok := job.EndsBy()
		for i, more := job.Nodes().NextSet(0); more; i, more = job.Nodes().NextSet(i + 1) {
			if int(i) >= len(pl.freeAt) {
				break
			}
			if !ok {
				pl.never[i] = true
			} else if end.After(pl.freeAt[i]) {
				pl.freeAt[i] = end
			}
		}
	}
	return pl
}

// occupy records that nodes are held from start for the given limit.
func (pl *plan) occupy(nodes *bitset.BitSet, start time.Time, limit api.TimeLimit) {
	d, finite := limit.Duration()
	for i, ok := nodes.NextSet(0); ok; i, ok = nodes.NextSet(i + 1) {
		if !finite {
			pl.never[i] = true
			continue
		}
		if end := start.Add(d); end.After(pl.freeAt[i]) {
			pl.freeAt[i] = end
		}
	}
}

// expectedStart returns the earliest time at which the request fits on the eligible nodes, and the
// nodes it would use then.
func (pl *plan) expectedStart(db *nodedb.NodeDb, r *request, p *nodedb.Partition, eligible *bitset.BitSet) (time.Time, *bitset.BitSet, bool) {
	var times []time.Time
	for i, ok := eligible.NextSet(0); ok; i, ok = eligible.NextSet(i + 1) {
		if !pl.never[i] {
			times = append(times, pl.freeAt[i])
		}
	}
	slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })
	times = slices.CompactFunc(times, func(a, b time.Time) bool { return a.Equal(b) })
	for _, t := range times {
		candidates := bitset.New(uint(db.NumNodes()))
		for i, ok := eligible.NextSet(0); ok; i, ok = eligible.NextSet(i + 1) {
			if !pl.never[i] && !pl.freeAt[i].After(t) {
				candidates.Set(i)
			}
		}
		if sel := r.fit(db, p, candidates); sel != nil {
			if t.Before(pl.now) {
				t = pl.now
			}
			return t, sel, true
		}
	}
	return time.Time{}, nil, false
}

// reservation protects the nodes a blocked job is expected to start on.
type reservation struct {
	jobId uint32
	nodes *bitset.BitSet
	start time.Time
}

// withoutReservations removes from candidates the reserved nodes a job starting now with the given limit
// would still hold when the reservation begins.
func withoutReservations(candidates *bitset.BitSet, reservations []reservation, now time.Time, limit api.TimeLimit) *bitset.BitSet {
	result := candidates.Clone()
	d, finite := limit.Duration()
	for _, res := range reservations {
		if finite && !now.Add(d).After(res.start) {
			continue
		}
		result.InPlaceDifference(res.nodes)
	}
	return result
}
