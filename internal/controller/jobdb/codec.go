package jobdb

import (
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

const recordVersion = 1

// EncodeJob serialises a job and its live steps for the controller journal and checkpoint.
func EncodeJob(job *Job, steps []*Step) []byte {
	p := wire.NewPacker(512)
	p.PackU16(recordVersion)
	p.PackU32(job.id)
	wire.PackJobDescriptor(p, &job.descriptor)
	p.PackU16(uint16(job.state))
	p.PackU16(uint16(job.finalState))
	p.PackString(job.reason)
	p.PackU32(job.priority)
	packNanos(p, job.submitTime)
	packNanos(p, job.eligibleTime)
	packNanos(p, job.startTime)
	packNanos(p, job.endTime)
	packNanos(p, job.expectedStart)
	packBitSet(p, job.nodes)
	p.PackString(job.nodeList)
	p.PackU32Array(job.cpusPerNode)
	packBitSet(p, job.awaiting)
	p.PackU32(job.exitCode)
	p.PackU32(job.nextStepId)
	p.PackU32(job.launchAttempts)
	p.PackU32(job.restarts)
	p.PackString(job.batchHost)
	p.PackBool(job.accountingFlushed)
	p.PackU32(job.killAttempts)
	packNanos(p, job.lastKillTime)
	packNanos(p, job.suspendTime)
	p.PackU64(uint64(job.suspendedFor))
	packNanos(p, job.lastUpdate)
	p.PackU32(uint32(len(steps)))
	for _, s := range steps {
		p.PackU32(s.stepId)
		p.PackString(s.name)
		p.PackU16(uint16(s.state))
		p.PackU32(s.numTasks)
		p.PackU32(s.cpusPerTask)
		packBitSet(p, s.nodes)
		p.PackString(s.nodeList)
		p.PackU32Array(s.tasksPerNode)
		p.PackBytes(s.credential)
		p.PackStringArray(s.argv)
		p.PackString(s.clientAddr)
		packNanos(p, s.startTime)
		p.PackU32(s.exitCode)
		packBitSet(p, s.pending)
	}
	return p.Bytes()
}

// DecodeJob is the inverse of EncodeJob.
func DecodeJob(b []byte) (*Job, []*Step, error) {
	u := wire.NewUnpacker(b)
	if version := u.UnpackU16(); u.Err() == nil && version != recordVersion {
		return nil, nil, errors.Errorf("job record version %d is not supported (want %d)", version, recordVersion)
	}
	job := &Job{}
	job.id = u.UnpackU32()
	job.descriptor = wire.UnpackJobDescriptor(u)
	job.state = api.JobState(u.UnpackU16())
	job.finalState = api.JobState(u.UnpackU16())
	job.reason = u.UnpackString()
	job.priority = u.UnpackU32()
	job.submitTime = unpackNanos(u)
	job.eligibleTime = unpackNanos(u)
	job.startTime = unpackNanos(u)
	job.endTime = unpackNanos(u)
	job.expectedStart = unpackNanos(u)
	job.nodes = unpackBitSet(u)
	job.nodeList = u.UnpackString()
	job.cpusPerNode = u.UnpackU32Array()
	job.awaiting = unpackBitSet(u)
	job.exitCode = u.UnpackU32()
	job.nextStepId = u.UnpackU32()
	job.launchAttempts = u.UnpackU32()
	job.restarts = u.UnpackU32()
	job.batchHost = u.UnpackString()
	job.accountingFlushed = u.UnpackBool()
	job.killAttempts = u.UnpackU32()
	job.lastKillTime = unpackNanos(u)
	job.suspendTime = unpackNanos(u)
	job.suspendedFor = time.Duration(u.UnpackU64())
	job.lastUpdate = unpackNanos(u)
	n := u.UnpackU32()
	if u.Err() == nil && int(n) > u.Remaining() {
		return nil, nil, errors.Errorf("job %d record claims %d steps in %d bytes", job.id, n, u.Remaining())
	}
	var steps []*Step
	for i := uint32(0); i < n && u.Err() == nil; i++ {
		s := &Step{jobId: job.id}
		s.stepId = u.UnpackU32()
		s.name = u.UnpackString()
		s.state = api.StepState(u.UnpackU16())
		s.numTasks = u.UnpackU32()
		s.cpusPerTask = u.UnpackU32()
		s.nodes = unpackBitSet(u)
		s.nodeList = u.UnpackString()
		s.tasksPerNode = u.UnpackU32Array()
		s.credential = u.UnpackBytes()
		s.argv = u.UnpackStringArray()
		s.clientAddr = u.UnpackString()
		s.startTime = unpackNanos(u)
		s.exitCode = u.UnpackU32()
		s.pending = unpackBitSet(u)
		if s.nodes == nil {
			s.nodes = bitset.New(0)
		}
		if s.pending == nil {
			s.pending = bitset.New(0)
		}
		steps = append(steps, s)
	}
	if err := u.Finish(); err != nil {
		return nil, nil, errors.WithMessage(err, "decoding job record")
	}
	return job, steps, nil
}

// Restore stores jobs and steps recovered from persisted state, keeping their ids.
func (txn *Txn) Restore(job *Job, steps []*Step) error {
	if err := txn.checkWritable(); err != nil {
		return err
	}
	if existing := txn.GetById(job.id); existing != nil {
		if err := txn.remove(existing); err != nil {
			return err
		}
		txn.removed = txn.removed[:len(txn.removed)-1]
	}
	if txn.GetById(job.id) == nil {
		txn.numJobs++
	}
	if err := txn.txn.Insert(jobsTable, job); err != nil {
		return errors.WithStack(err)
	}
	for _, s := range steps {
		if err := txn.txn.Insert(stepsTable, s); err != nil {
			return errors.WithStack(err)
		}
	}
	if job.id >= txn.nextId && job.id < api.BatchStep {
		txn.nextId = job.id + 1
	}
	return nil
}

func packNanos(p *wire.Packer, t time.Time) {
	if t.IsZero() {
		p.PackU64(0)
		return
	}
	p.PackU64(uint64(t.UnixNano()))
}

func unpackNanos(u *wire.Unpacker) time.Time {
	v := u.UnpackU64()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v)).UTC()
}

// Bitmaps are written as a presence flag and the indices of their set bits.
func packBitSet(p *wire.Packer, bs *bitset.BitSet) {
	if !p.PackPresent(bs != nil) {
		return
	}
	var indices []uint32
	for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
		indices = append(indices, uint32(i))
	}
	p.PackU32(uint32(bs.Len()))
	p.PackU32Array(indices)
}

func unpackBitSet(u *wire.Unpacker) *bitset.BitSet {
	if !u.UnpackPresent() {
		return nil
	}
	length := u.UnpackU32()
	indices := u.UnpackU32Array()
	if u.Err() != nil || length > 1<<20 {
		return nil
	}
	bs := bitset.New(uint(length))
	for _, i := range indices {
		if i < length {
			bs.Set(uint(i))
		}
	}
	return bs
}
