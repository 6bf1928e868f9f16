package jobdb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/armadaproject/corral/pkg/api"
)

// The go-memdb field indexers read exported struct fields through reflection. Jobs and steps keep their
// fields private, so the indexes below extract keys through the getters instead.

type jobIdIndexer struct{}

func (jobIdIndexer) FromObject(raw interface{}) (bool, []byte, error) {
	switch v := raw.(type) {
	case *Job:
		return true, u32Key(v.id), nil
	case *Step:
		return true, u32Key(v.jobId), nil
	}
	return false, nil, fmt.Errorf("unexpected object %T", raw)
}

func (jobIdIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected one job id, got %d arguments", len(args))
	}
	id, ok := args[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("job id must be uint32, got %T", args[0])
	}
	return u32Key(id), nil
}

type stepIdIndexer struct{}

func (stepIdIndexer) FromObject(raw interface{}) (bool, []byte, error) {
	step, ok := raw.(*Step)
	if !ok {
		return false, nil, fmt.Errorf("unexpected object %T", raw)
	}
	return true, append(u32Key(step.jobId), u32Key(step.stepId)...), nil
}

func (stepIdIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expected job and step id, got %d arguments", len(args))
	}
	jobId, ok1 := args[0].(uint32)
	stepId, ok2 := args[1].(uint32)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("job and step ids must be uint32, got %T and %T", args[0], args[1])
	}
	return append(u32Key(jobId), u32Key(stepId)...), nil
}

type stateIndexer struct{}

func (stateIndexer) FromObject(raw interface{}) (bool, []byte, error) {
	job, ok := raw.(*Job)
	if !ok {
		return false, nil, fmt.Errorf("unexpected object %T", raw)
	}
	return true, u32Key(uint32(job.state)), nil
}

func (stateIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected one state, got %d arguments", len(args))
	}
	state, ok := args[0].(api.JobState)
	if !ok {
		return nil, fmt.Errorf("state must be an api.JobState, got %T", args[0])
	}
	return u32Key(uint32(state)), nil
}

type userIndexer struct{}

func (userIndexer) FromObject(raw interface{}) (bool, []byte, error) {
	job, ok := raw.(*Job)
	if !ok {
		return false, nil, fmt.Errorf("unexpected object %T", raw)
	}
	return true, u32Key(job.descriptor.UserId), nil
}

func (userIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected one uid, got %d arguments", len(args))
	}
	uid, ok := args[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("uid must be uint32, got %T", args[0])
	}
	return u32Key(uid), nil
}

type partitionIndexer struct{}

func (partitionIndexer) FromObject(raw interface{}) (bool, []byte, error) {
	job, ok := raw.(*Job)
	if !ok {
		return false, nil, fmt.Errorf("unexpected object %T", raw)
	}
	return true, []byte(job.descriptor.Partition + "\x00"), nil
}

func (partitionIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected one partition, got %d arguments", len(args))
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("partition must be a string, got %T", args[0])
	}
	return []byte(name + "\x00"), nil
}

// pendingOrderIndexer indexes pending jobs only, ordered by descending priority, then submit time,
// then id.
type pendingOrderIndexer struct{}

func (pendingOrderIndexer) FromObject(raw interface{}) (bool, []byte, error) {
	job, ok := raw.(*Job)
	if !ok {
		return false, nil, fmt.Errorf("unexpected object %T", raw)
	}
	if job.state != api.JobPending {
		return false, nil, nil
	}
	key := make([]byte, 16)
	binary.BigEndian.PutUint32(key[0:4], math.MaxUint32-job.priority)
	binary.BigEndian.PutUint64(key[4:12], uint64(job.submitTime.UnixNano()))
	binary.BigEndian.PutUint32(key[12:16], job.id)
	return true, key, nil
}

func (pendingOrderIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	return nil, fmt.Errorf("the pending order index only supports full scans")
}

func u32Key(v uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, v)
	return key
}
