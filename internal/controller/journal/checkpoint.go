package journal

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/wire"
)

// State is the persisted controller state: a checkpoint with the journal applied on top.
type State struct {
	// Journal position covered by this state.
	Position   Position
	NextId     uint32
	Jobs       map[uint32][]byte
	Nodes      map[string]NodeState
	Partitions map[string]PartitionState
}

func NewState() *State {
	return &State{
		Jobs:       map[uint32][]byte{},
		Nodes:      map[string]NodeState{},
		Partitions: map[string]PartitionState{},
	}
}

// Apply folds one record into the state.
func (s *State) Apply(r Record) {
	switch r.Type {
	case RecordJobUpsert:
		s.Jobs[r.JobId] = r.Job
		if r.JobId >= s.NextId {
			s.NextId = r.JobId + 1
		}
	case RecordJobRemove:
		delete(s.Jobs, r.JobId)
	case RecordNodeState:
		s.Nodes[r.Node.Name] = r.Node
	case RecordPartitionState:
		s.Partitions[r.Part.Name] = r.Part
	case RecordNextId:
		if r.NextId > s.NextId {
			s.NextId = r.NextId
		}
	}
}

// JobIds returns the ids of the jobs in the state in ascending order.
func (s *State) JobIds() []uint32 {
	ids := maps.Keys(s.Jobs)
	slices.Sort(ids)
	return ids
}

func writeCheckpoint(path string, s *State) error {
	p := wire.NewPacker(4096)
	for i := 0; i < len(checkpointMagic); i++ {
		p.PackU8(checkpointMagic[i])
	}
	p.PackU16(Version)
	p.PackU64(uint64(s.Position))
	p.PackU32(s.NextId)

	ids := s.JobIds()
	p.PackU32(uint32(len(ids)))
	for _, id := range ids {
		p.PackU32(id)
		p.PackBytes(s.Jobs[id])
	}
	nodes := maps.Keys(s.Nodes)
	slices.Sort(nodes)
	p.PackU32(uint32(len(nodes)))
	for _, name := range nodes {
		packNodeState(p, s.Nodes[name])
	}
	parts := maps.Keys(s.Partitions)
	slices.Sort(parts)
	p.PackU32(uint32(len(parts)))
	for _, name := range parts {
		packPartitionState(p, s.Partitions[name])
	}

	tmp := path + ".new"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return corralerrors.Newf(corralerrors.CodePersistence, "creating checkpoint: %v", err)
	}
	if _, err := f.Write(p.Bytes()); err != nil {
		f.Close()
		return corralerrors.Newf(corralerrors.CodePersistence, "writing checkpoint: %v", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return corralerrors.Newf(corralerrors.CodePersistence, "syncing checkpoint: %v", err)
	}
	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.WithStack(err)
	}
	return syncDir(filepath.Dir(path))
}

// readCheckpoint returns an empty state when no checkpoint exists.
func readCheckpoint(path string) (*State, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewState(), nil
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(b) < 6 || string(b[:4]) != checkpointMagic {
		return nil, errors.Errorf("%s is not a checkpoint", path)
	}
	u := wire.NewUnpacker(b[4:])
	if version := u.UnpackU16(); version != Version {
		return nil, corralerrors.Newf(corralerrors.CodeVersionMismatch, "checkpoint version %d, expected %d", version, Version)
	}
	s := NewState()
	s.Position = Position(u.UnpackU64())
	s.NextId = u.UnpackU32()
	for i, n := uint32(0), u.UnpackU32(); i < n && u.Err() == nil; i++ {
		id := u.UnpackU32()
		s.Jobs[id] = u.UnpackBytes()
	}
	for i, n := uint32(0), u.UnpackU32(); i < n && u.Err() == nil; i++ {
		ns := unpackNodeState(u)
		s.Nodes[ns.Name] = ns
	}
	for i, n := uint32(0), u.UnpackU32(); i < n && u.Err() == nil; i++ {
		ps := unpackPartitionState(u)
		s.Partitions[ps.Name] = ps
	}
	if err := u.Finish(); err != nil {
		return nil, errors.WithMessagef(err, "reading %s", path)
	}
	log.Infof("Loaded checkpoint %s with %d jobs at position %d", path, len(s.Jobs), s.Position)
	return s, nil
}
