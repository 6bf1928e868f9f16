package journal

import (
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

type RecordType uint8

const (
	RecordJobUpsert RecordType = iota + 1
	RecordJobRemove
	RecordNodeState
	RecordPartitionState
	RecordNextId
)

func (t RecordType) String() string {
	switch t {
	case RecordJobUpsert:
		return "job-upsert"
	case RecordJobRemove:
		return "job-remove"
	case RecordNodeState:
		return "node-state"
	case RecordPartitionState:
		return "partition-state"
	case RecordNextId:
		return "next-id"
	}
	return "unknown"
}

// Record is one state change. Exactly the fields relevant to Type are set.
type Record struct {
	Type RecordType
	// Encoded job and steps, for RecordJobUpsert.
	Job   []byte
	JobId uint32
	Node  NodeState
	Part  PartitionState
	// For RecordNextId.
	NextId uint32
}

// NodeState is the persisted part of a node record.
type NodeState struct {
	Name       string
	State      api.NodeState
	Reason     string
	ReasonUid  uint32
	ReasonTime time.Time
}

// PartitionState is the persisted part of a partition record.
type PartitionState struct {
	Name  string
	State api.PartitionState
}

func JobUpsert(jobId uint32, encoded []byte) Record {
	return Record{Type: RecordJobUpsert, JobId: jobId, Job: encoded}
}

func JobRemove(jobId uint32) Record {
	return Record{Type: RecordJobRemove, JobId: jobId}
}

func NodeChange(state NodeState) Record {
	return Record{Type: RecordNodeState, Node: state}
}

func PartitionChange(state PartitionState) Record {
	return Record{Type: RecordPartitionState, Part: state}
}

func NextIdChange(id uint32) Record {
	return Record{Type: RecordNextId, NextId: id}
}

func (r Record) payload() []byte {
	p := wire.NewPacker(64 + len(r.Job))
	switch r.Type {
	case RecordJobUpsert:
		p.PackU32(r.JobId)
		p.PackBytes(r.Job)
	case RecordJobRemove:
		p.PackU32(r.JobId)
	case RecordNodeState:
		packNodeState(p, r.Node)
	case RecordPartitionState:
		packPartitionState(p, r.Part)
	case RecordNextId:
		p.PackU32(r.NextId)
	}
	return p.Bytes()
}

func decodeRecord(t RecordType, payload []byte) (Record, error) {
	u := wire.NewUnpacker(payload)
	r := Record{Type: t}
	switch t {
	case RecordJobUpsert:
		r.JobId = u.UnpackU32()
		r.Job = u.UnpackBytes()
	case RecordJobRemove:
		r.JobId = u.UnpackU32()
	case RecordNodeState:
		r.Node = unpackNodeState(u)
	case RecordPartitionState:
		r.Part = unpackPartitionState(u)
	case RecordNextId:
		r.NextId = u.UnpackU32()
	default:
		return r, errors.Errorf("unknown journal record type %d", t)
	}
	if err := u.Finish(); err != nil {
		return r, errors.WithMessagef(err, "decoding %s record", t)
	}
	return r, nil
}

func packNodeState(p *wire.Packer, n NodeState) {
	p.PackString(n.Name)
	p.PackU16(uint16(n.State))
	p.PackString(n.Reason)
	p.PackU32(n.ReasonUid)
	p.PackTime(n.ReasonTime)
}

func unpackNodeState(u *wire.Unpacker) NodeState {
	return NodeState{
		Name:       u.UnpackString(),
		State:      api.NodeState(u.UnpackU16()),
		Reason:     u.UnpackString(),
		ReasonUid:  u.UnpackU32(),
		ReasonTime: u.UnpackTime(),
	}
}

func packPartitionState(p *wire.Packer, s PartitionState) {
	p.PackString(s.Name)
	p.PackU16(uint16(s.State))
}

func unpackPartitionState(u *wire.Unpacker) PartitionState {
	return PartitionState{
		Name:  u.UnpackString(),
		State: api.PartitionState(u.UnpackU16()),
	}
}
