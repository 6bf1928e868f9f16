package scheduling

import (
	"math"
	"time"

	"github.com/armadaproject/corral/internal/common/slurmconf"
	"github.com/armadaproject/corral/internal/controller/jobdb"
	"github.com/armadaproject/corral/internal/controller/nodedb"
)

// PriorityCalculator computes job priorities from partition priority, nice and time spent eligible.
type PriorityCalculator struct {
	Base            uint32
	WeightAge       uint32
	WeightPartition uint32
	// Age beyond which a pending job accrues no further bonus.
	MaxAge time.Duration
}

func NewPriorityCalculator(config *slurmconf.Config) PriorityCalculator {
	return PriorityCalculator{
		Base:            config.PriorityBase,
		WeightAge:       config.PriorityWeightAge,
		WeightPartition: config.PriorityWeightPartition,
		MaxAge:          config.PriorityMaxAge,
	}
}

// Initial is the priority assigned at submission, before any aging.
func (c PriorityCalculator) Initial(p *nodedb.Partition, nice int32) uint32 {
	return c.compute(p, nice, 0)
}

// Priority returns the aged priority of a pending job. It never returns less than the job's current
// priority, so aging is monotone even if the partition priority was lowered by a reconfigure.
func (c PriorityCalculator) Priority(job *jobdb.Job, p *nodedb.Partition, now time.Time) uint32 {
	var age time.Duration
	if eligible := job.EligibleTime(); !eligible.IsZero() && now.After(eligible) {
		age = now.Sub(eligible)
	}
	if c.MaxAge > 0 && age > c.MaxAge {
		age = c.MaxAge
	}
	priority := c.compute(p, job.Descriptor().Nice, age)
	if priority < job.Priority() {
		return job.Priority()
	}
	return priority
}

func (c PriorityCalculator) compute(p *nodedb.Partition, nice int32, age time.Duration) uint32 {
	v := int64(c.Base) - int64(nice)
	if p != nil {
		v += int64(p.Priority) * int64(c.WeightPartition)
	}
	v += int64(c.WeightAge) * int64(age/time.Minute)
	switch {
	case v < 1:
		return 1
	case v > math.MaxUint32-1:
		return math.MaxUint32 - 1
	}
	return uint32(v)
}
