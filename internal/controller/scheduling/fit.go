package scheduling

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/armadaproject/corral/internal/controller/nodedb"
	"github.com/armadaproject/corral/pkg/api"
)

// request is a job's resource request resolved against the resource map.
type request struct {
	minNodes     uint32
	maxNodes     uint32
	numTasks     uint32
	cpusPerTask  uint32
	minMemoryMB  uint64
	minTmpDiskMB uint64
	features     []string
	contiguous   bool
	overcommit   bool
	// Nodes that must be part of the allocation. Nil if none were named.
	required *bitset.BitSet
	// Nodes that must not be part of the allocation. Nil if none were named.
	excluded *bitset.BitSet
}

func newRequest(db *nodedb.NodeDb, d *api.JobDescriptor) (*request, error) {
	r := &request{
		minNodes:     d.MinNodes,
		maxNodes:     d.MaxNodes,
		numTasks:     d.NumTasks,
		cpusPerTask:  d.CpusPerTask,
		minMemoryMB:  d.MinMemoryMB,
		minTmpDiskMB: d.MinTmpDiskMB,
		features:     d.Features,
		contiguous:   d.Contiguous,
		overcommit:   d.Overcommit,
	}
	if r.maxNodes < r.minNodes {
		r.maxNodes = r.minNodes
	}
	// Every node runs at least one task.
	if !r.overcommit && r.numTasks >= r.minNodes && r.numTasks < r.maxNodes {
		r.maxNodes = r.numTasks
	}
	if d.ReqNodes != "" {
		bs, err := db.BitSetFromHostList(d.ReqNodes)
		if err != nil {
			return nil, err
		}
		r.required = bs
		if n := uint32(bs.Count()); n > r.minNodes {
			r.minNodes = n
			if r.maxNodes < n {
				r.maxNodes = n
			}
		}
	}
	if d.ExcNodes != "" {
		bs, err := db.BitSetFromHostList(d.ExcNodes)
		if err != nil {
			return nil, err
		}
		r.excluded = bs
	}
	return r, nil
}

// eligible returns the partition members that satisfy the request's static constraints: features,
// exclusions and per-node resource minima. Node state is not considered.
func (r *request) eligible(db *nodedb.NodeDb, p *nodedb.Partition) *bitset.BitSet {
	bs := p.Members.Clone()
	if len(r.features) > 0 {
		bs.InPlaceIntersection(db.WithFeatures(r.features))
	}
	if r.excluded != nil {
		bs.InPlaceDifference(r.excluded)
	}
	for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
		n := db.Node(int(i))
		if n.Cpus < r.cpusPerTask || n.RealMemoryMB < r.minMemoryMB || n.TmpDiskMB < r.minTmpDiskMB {
			bs.Clear(i)
		}
	}
	return bs
}

// fit picks nodes for the request out of candidates, which must be a subset of the partition's members.
// It returns nil if the request cannot be satisfied from candidates.
func (r *request) fit(db *nodedb.NodeDb, p *nodedb.Partition, candidates *bitset.BitSet) *bitset.BitSet {
	if r.required != nil && !candidates.IsSuperSet(r.required) {
		return nil
	}
	if !r.contiguous {
		return r.pick(db, members(p, candidates))
	}
	for _, run := range runs(p, candidates) {
		if r.required != nil && !containsAll(run, r.required) {
			continue
		}
		if sel := r.pick(db, run); sel != nil {
			return sel
		}
	}
	return nil
}

// pick tries the maximum node count first and falls back to the smallest prefix of order that
// satisfies the minimum node count and the task count.
func (r *request) pick(db *nodedb.NodeDb, order []uint) *bitset.BitSet {
	sizes := []uint32{r.maxNodes}
	if r.minNodes != r.maxNodes {
		sizes = append(sizes, r.minNodes)
	}
	for _, size := range sizes {
		sel := bitset.New(uint(db.NumNodes()))
		var count, capacity uint32
		add := func(i uint) {
			sel.Set(i)
			count++
			capacity += db.Node(int(i)).Cpus / r.cpusPerTask
		}
		if r.required != nil {
			for i, ok := r.required.NextSet(0); ok; i, ok = r.required.NextSet(i + 1) {
				add(i)
			}
		}
		for _, i := range order {
			if count >= r.maxNodes || (count >= size && r.tasksFit(capacity)) {
				break
			}
			if !sel.Test(i) {
				add(i)
			}
		}
		if count >= size && count <= r.maxNodes && r.tasksFit(capacity) {
			return sel
		}
	}
	return nil
}

func (r *request) tasksFit(capacity uint32) bool {
	return r.overcommit || capacity >= r.numTasks
}

// cpusPerNode returns the CPUs allocated on each selected node. Allocation is by whole node.
func cpusPerNode(db *nodedb.NodeDb, nodes *bitset.BitSet) []uint32 {
	var cpus []uint32
	for i, ok := nodes.NextSet(0); ok; i, ok = nodes.NextSet(i + 1) {
		cpus = append(cpus, db.Node(int(i)).Cpus)
	}
	return cpus
}

// members returns the candidate indices in partition order.
func members(p *nodedb.Partition, candidates *bitset.BitSet) []uint {
	var order []uint
	for i, ok := p.Members.NextSet(0); ok; i, ok = p.Members.NextSet(i + 1) {
		if candidates.Test(i) {
			order = append(order, i)
		}
	}
	return order
}

// runs splits the candidates into maximal runs of nodes adjacent in the partition's node ordering.
func runs(p *nodedb.Partition, candidates *bitset.BitSet) [][]uint {
	var result [][]uint
	var current []uint
	for i, ok := p.Members.NextSet(0); ok; i, ok = p.Members.NextSet(i + 1) {
		if candidates.Test(i) {
			current = append(current, i)
			continue
		}
		if len(current) > 0 {
			result = append(result, current)
			current = nil
		}
	}
	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

func containsAll(run []uint, required *bitset.BitSet) bool {
	bs := bitset.New(required.Len())
	for _, i := range run {
		bs.Set(i)
	}
	return bs.IsSuperSet(required)
}
