package controller

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/controller/jobdb"
	"github.com/armadaproject/corral/internal/controller/journal"
	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

// syncWaiter is a reply held back until the journal is durable up to pos.
type syncWaiter struct {
	pos journal.Position
	fn  func()
}

// commit journals every job the transaction touched and makes the changes visible.
func (c *Controller) commit(txn *jobdb.Txn) {
	upserted, removed := txn.Changed()
	records := make([]journal.Record, 0, len(upserted)+len(removed)+1)
	for _, id := range upserted {
		job := txn.GetById(id)
		if job == nil {
			continue
		}
		records = append(records, journal.JobUpsert(id, jobdb.EncodeJob(job, txn.Steps(id))))
	}
	for _, id := range removed {
		records = append(records, journal.JobRemove(id))
	}
	if next := txn.NextId(); next != c.jobDb.NextId() {
		records = append(records, journal.NextIdChange(next))
	}
	txn.Commit()
	if len(records) > 0 {
		c.journal.Append(records...)
	}
}

// journalTopology appends a record for every node and partition whose persisted fields changed.
func (c *Controller) journalTopology() {
	var records []journal.Record
	for _, n := range c.nodeDb.Nodes() {
		ns := journal.NodeState{
			Name:       n.Name,
			State:      n.State,
			Reason:     n.Reason,
			ReasonUid:  n.ReasonUid,
			ReasonTime: n.ReasonTime,
		}
		if prev, ok := c.nodeShadow[n.Name]; ok && prev == ns {
			continue
		}
		c.nodeShadow[n.Name] = ns
		records = append(records, journal.NodeChange(ns))
	}
	for _, p := range c.nodeDb.Partitions() {
		ps := journal.PartitionState{Name: p.Name, State: p.State}
		if prev, ok := c.partShadow[p.Name]; ok && prev == ps {
			continue
		}
		c.partShadow[p.Name] = ps
		records = append(records, journal.PartitionChange(ps))
	}
	if len(records) > 0 {
		c.journal.Append(records...)
	}
}

// whenDurable runs fn once everything journaled so far is on disk.
func (c *Controller) whenDurable(fn func()) {
	pos := c.journal.Mark()
	if pos <= c.journal.Durable() {
		fn()
		return
	}
	c.syncWaiters = append(c.syncWaiters, syncWaiter{pos: pos, fn: fn})
	c.requestSync()
}

// requestSync starts a journal sync on the worker pool. Only one sync runs at a time; records appended
// meanwhile are picked up by the next one.
func (c *Controller) requestSync() {
	if c.syncInFlight {
		c.syncAgain = true
		return
	}
	c.syncInFlight = true
	c.pool.Submit(func(ctx *corralcontext.Context) {
		start := time.Now()
		pos, err := c.journal.Sync()
		journalSyncDuration.Observe(time.Since(start).Seconds())
		c.complete(func() {
			c.onSynced(pos, err)
		})
	})
}

func (c *Controller) onSynced(pos journal.Position, err error) {
	c.syncInFlight = false
	if err != nil {
		c.fatal = errors.WithMessage(err, "journal sync failed")
		return
	}
	c.releaseWaiters(pos)
	if c.syncAgain || len(c.syncWaiters) > 0 {
		c.syncAgain = false
		c.requestSync()
	}
}

func (c *Controller) releaseWaiters(durable journal.Position) {
	n := 0
	for _, w := range c.syncWaiters {
		if w.pos <= durable {
			w.fn()
			continue
		}
		c.syncWaiters[n] = w
		n++
	}
	for i := n; i < len(c.syncWaiters); i++ {
		c.syncWaiters[i] = syncWaiter{}
	}
	c.syncWaiters = c.syncWaiters[:n]
}

// snapshot captures the full controller state at the current journal position.
func (c *Controller) snapshot() *journal.State {
	c.journalTopology()
	state := journal.NewState()
	state.Position = c.journal.Mark()
	state.NextId = c.jobDb.NextId()
	txn := c.jobDb.ReadTxn()
	for _, job := range txn.GetAll() {
		state.Jobs[job.Id()] = jobdb.EncodeJob(job, txn.Steps(job.Id()))
	}
	state.Nodes = maps.Clone(c.nodeShadow)
	state.Partitions = maps.Clone(c.partShadow)
	return state
}

// maybeCheckpoint writes a checkpoint in the background once CheckpointInterval has passed.
func (c *Controller) maybeCheckpoint(now time.Time) {
	if c.checkpointInFlight || now.Sub(c.lastCheckpoint) < c.config.CheckpointInterval {
		return
	}
	c.checkpointInFlight = true
	c.lastCheckpoint = now
	state := c.snapshot()
	c.pool.Submit(func(ctx *corralcontext.Context) {
		err := c.journal.Checkpoint(state)
		c.complete(func() {
			c.checkpointInFlight = false
			if err != nil {
				ctx.Log.WithError(err).Error("Unable to write checkpoint")
				return
			}
			ctx.Log.Infof("Checkpointed %d jobs at journal position %d", len(state.Jobs), state.Position)
			c.releaseWaiters(c.journal.Durable())
		})
	})
}

// restore rebuilds the registry and the resource map from recovered state.
func (c *Controller) restore(ctx *corralcontext.Context, state *journal.State) error {
	for name, ns := range state.Nodes {
		n, err := c.nodeDb.NodeByName(name)
		if err != nil {
			ctx.Log.Warnf("Ignoring saved state of node %s, which is no longer configured", name)
			continue
		}
		c.nodeDb.Restore(n, ns.State, ns.Reason, ns.ReasonUid, ns.ReasonTime)
	}
	for name, ps := range state.Partitions {
		p, err := c.nodeDb.Partition(name)
		if err != nil {
			ctx.Log.Warnf("Ignoring saved state of partition %s, which is no longer configured", name)
			continue
		}
		p.State = ps.State
	}

	txn := c.jobDb.WriteTxn()
	for _, id := range state.JobIds() {
		job, steps, err := jobdb.DecodeJob(state.Jobs[id])
		if err != nil {
			txn.Abort()
			return errors.WithMessagef(err, "recovering job %d", id)
		}
		if err := txn.Restore(job, steps); err != nil {
			txn.Abort()
			return err
		}
		c.adopt(ctx, job)
	}
	txn.Commit()
	c.jobDb.SetNextId(state.NextId)

	for _, n := range c.nodeDb.Nodes() {
		c.nodeShadow[n.Name] = journal.NodeState{
			Name:       n.Name,
			State:      n.State,
			Reason:     n.Reason,
			ReasonUid:  n.ReasonUid,
			ReasonTime: n.ReasonTime,
		}
	}
	for _, p := range c.nodeDb.Partitions() {
		c.partShadow[p.Name] = journal.PartitionState{Name: p.Name, State: p.State}
	}
	if len(state.Jobs) > 0 {
		ctx.Log.Infof("Recovered %d jobs; next job id %d", len(state.Jobs), c.jobDb.NextId())
	}
	if err := c.checkInvariant(); err != nil {
		ctx.Log.WithError(err).Warn("Recovered node counts do not match job allocations")
	}
	return nil
}

// adopt puts a recovered job's allocation back on its nodes.
func (c *Controller) adopt(ctx *corralcontext.Context, job *jobdb.Job) {
	share := c.shares(job)
	switch job.State() {
	case api.JobRunning, api.JobSuspended:
		if job.Nodes() != nil {
			c.nodeDb.Adopt(job.Nodes(), share, false)
		}
	case api.JobCompleting:
		if job.Awaiting() != nil {
			c.nodeDb.Adopt(job.Awaiting(), share, true)
		}
	}
	ctx.Log.Debugf("Recovered job %d in state %s", job.Id(), job.State())
}

// requestRegistrations asks every node to register so recovered allocations can be reconciled.
func (c *Controller) requestRegistrations() {
	for _, n := range c.nodeDb.Nodes() {
		host, port := n.Addr, n.Port
		c.pool.Submit(func(ctx *corralcontext.Context) {
			addr, err := c.resolver.Resolve(ctx, host, port)
			if err != nil {
				ctx.Log.WithError(err).Debugf("Unable to resolve %s", host)
				return
			}
			if err := c.dialer.Notify(ctx, addr, &wire.RequestNodeRegistration{}); err != nil {
				ctx.Log.WithError(err).Debugf("Unable to ask %s to register", host)
			}
		})
	}
}
