package scheduling

import (
	"os/user"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/controller/nodedb"
	"github.com/armadaproject/corral/pkg/api"
)

const maxCachedGroups = 1024

// GroupLookup returns the name of a group id.
type GroupLookup func(gid uint32) (string, error)

// SubmitChecker rejects requests that could never run on the configured cluster, so that they are
// not left pending forever.
type SubmitChecker struct {
	lookupGroup GroupLookup
	groupNames  *lru.Cache
}

func NewSubmitChecker(lookupGroup GroupLookup) *SubmitChecker {
	if lookupGroup == nil {
		lookupGroup = systemGroupName
	}
	groupNames, err := lru.New(maxCachedGroups)
	if err != nil {
		panic(errors.WithStack(err))
	}
	return &SubmitChecker{lookupGroup: lookupGroup, groupNames: groupNames}
}

func systemGroupName(gid uint32) (string, error) {
	g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
	if err != nil {
		return "", errors.WithStack(err)
	}
	return g.Name, nil
}

// Check validates a normalized descriptor against the partition it targets and returns the descriptor
// with the partition resolved, the time limit defaulted to the partition maximum and MaxNodes clamped
// to the partition limit.
func (c *SubmitChecker) Check(db *nodedb.NodeDb, d api.JobDescriptor) (api.JobDescriptor, error) {
	if err := d.Validate(); err != nil {
		return d, errors.WithStack(&corralerrors.ErrInvalidArgument{Name: "JobDescriptor", Value: d.Name, Message: err.Error()})
	}
	p, err := db.Partition(d.Partition)
	if err != nil {
		return d, err
	}
	d.Partition = p.Name
	if !p.State.AcceptsJobs() {
		return d, corralerrors.Newf(corralerrors.CodePartitionDown, "partition %s is %s", p.Name, p.State)
	}
	if err := c.checkAccess(p, d); err != nil {
		return d, err
	}

	if d.TimeLimit == api.TimeLimitNone {
		d.TimeLimit = p.MaxTime
	} else if !p.MaxTime.IsInfinite() && (d.TimeLimit.IsInfinite() || d.TimeLimit > p.MaxTime) {
		return d, corralerrors.Newf(corralerrors.CodeInvalidTimeLimit, "time limit %s exceeds partition %s maximum %s", d.TimeLimit, p.Name, p.MaxTime)
	}

	if d.NumTasks < d.MinNodes && !d.Overcommit {
		return d, corralerrors.Newf(corralerrors.CodeBadTaskCount, "%d tasks cannot cover %d nodes", d.NumTasks, d.MinNodes)
	}
	if p.MaxNodes != api.NoValue && d.MinNodes > p.MaxNodes {
		return d, corralerrors.Newf(corralerrors.CodeTooManyRequestedNodes, "%d nodes requested, partition %s allows %d", d.MinNodes, p.Name, p.MaxNodes)
	}
	if d.MaxNodes < p.MinNodes {
		return d, corralerrors.Newf(corralerrors.CodeRequestedPartConfigUnavailable, "at most %d nodes requested, partition %s requires %d", d.MaxNodes, p.Name, p.MinNodes)
	}
	if p.MaxNodes != api.NoValue && d.MaxNodes > p.MaxNodes {
		d.MaxNodes = p.MaxNodes
	}
	size := uint32(p.Members.Count())
	if d.MinNodes > size || d.MinNodes > uint32(db.NumNodes()) {
		return d, corralerrors.Newf(corralerrors.CodeTooManyRequestedNodes, "%d nodes requested, partition %s has %d", d.MinNodes, p.Name, size)
	}
	if d.MaxNodes > size {
		d.MaxNodes = size
	}

	r, err := newRequest(db, &d)
	if err != nil {
		return d, err
	}
	if r.required != nil {
		if !p.Members.IsSuperSet(r.required) {
			return d, corralerrors.Newf(corralerrors.CodeRequestedNodesNotInPartition, "nodes %s are not all in partition %s", d.ReqNodes, p.Name)
		}
		if p.MaxNodes != api.NoValue && uint32(r.required.Count()) > p.MaxNodes {
			return d, corralerrors.Newf(corralerrors.CodeTooManyRequestedNodes, "%d required nodes exceed partition %s limit %d", r.required.Count(), p.Name, p.MaxNodes)
		}
		if r.excluded != nil && r.required.IntersectionCardinality(r.excluded) > 0 {
			return d, errors.WithStack(&corralerrors.ErrInvalidArgument{Name: "ExcNodes", Value: d.ExcNodes, Message: "overlaps the required nodes"})
		}
	}
	if !d.Overcommit && d.TotalCpus() > totalCpus(db, p) {
		return d, corralerrors.Newf(corralerrors.CodeTooManyRequestedCpus, "%d CPUs requested, partition %s has %d", d.TotalCpus(), p.Name, totalCpus(db, p))
	}
	if r.fit(db, p, r.eligible(db, p)) == nil {
		return d, corralerrors.Newf(corralerrors.CodeRequestedNodeConfigUnavailable, "no set of nodes in partition %s satisfies the request", p.Name)
	}
	return d, nil
}

func (c *SubmitChecker) checkAccess(p *nodedb.Partition, d api.JobDescriptor) error {
	if p.AllowAccounts != nil && !slices.Contains(p.AllowAccounts, d.Account) {
		return corralerrors.Newf(corralerrors.CodePartitionAccessDenied, "account %q may not use partition %s", d.Account, p.Name)
	}
	if p.AllowGroups == nil || d.UserId == 0 {
		return nil
	}
	gid := strconv.FormatUint(uint64(d.GroupId), 10)
	if slices.Contains(p.AllowGroups, gid) {
		return nil
	}
	if name, ok := c.groupName(d.GroupId); ok && slices.Contains(p.AllowGroups, name) {
		return nil
	}
	return corralerrors.Newf(corralerrors.CodePartitionAccessDenied, "group %d may not use partition %s", d.GroupId, p.Name)
}

func (c *SubmitChecker) groupName(gid uint32) (string, bool) {
	if name, ok := c.groupNames.Get(gid); ok {
		return name.(string), true
	}
	name, err := c.lookupGroup(gid)
	if err != nil {
		return "", false
	}
	c.groupNames.Add(gid, name)
	return name, true
}

func totalCpus(db *nodedb.NodeDb, p *nodedb.Partition) uint32 {
	var total uint32
	for i, ok := p.Members.NextSet(0); ok; i, ok = p.Members.NextSet(i + 1) {
		total += db.Node(int(i)).Cpus
	}
	return total
}
