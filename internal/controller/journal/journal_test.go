package journal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/api"
)

var reasonTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openJournal(t *testing.T, dir string) (*Journal, *State) {
	j, s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, s
}

func TestOpen_Empty(t *testing.T) {
	dir := t.TempDir()
	j, s := openJournal(t, dir)
	assert.Empty(t, s.Jobs)
	assert.Equal(t, Position(0), s.Position)
	assert.Equal(t, Position(0), j.Mark())

	info, err := os.Stat(filepath.Join(dir, JournalFile))
	require.NoError(t, err)
	assert.Equal(t, int64(journalHeaderSize), info.Size())
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	j, _ := openJournal(t, dir)
	j.Append(
		JobUpsert(1, []byte("job-1")),
		JobUpsert(2, []byte("job-2")),
		NodeChange(NodeState{Name: "n1", State: api.NodeDown, Reason: "bad disk", ReasonUid: 1000, ReasonTime: reasonTime}),
	)
	j.Append(JobRemove(1), PartitionChange(PartitionState{Name: "debug", State: api.PartitionDrain}))
	mark := j.Mark()
	durable, err := j.Sync()
	require.NoError(t, err)
	assert.Equal(t, mark, durable)
	assert.Equal(t, mark, j.Durable())
	require.NoError(t, j.Close())

	j2, s := openJournal(t, dir)
	assert.Equal(t, map[uint32][]byte{2: []byte("job-2")}, s.Jobs)
	assert.Equal(t, uint32(3), s.NextId)
	assert.Equal(t, api.NodeDown, s.Nodes["n1"].State)
	assert.Equal(t, "bad disk", s.Nodes["n1"].Reason)
	assert.Equal(t, uint32(1000), s.Nodes["n1"].ReasonUid)
	assert.True(t, reasonTime.Equal(s.Nodes["n1"].ReasonTime))
	assert.Equal(t, api.PartitionDrain, s.Partitions["debug"].State)
	assert.Equal(t, mark, s.Position)
	assert.Equal(t, mark, j2.Mark())
}

func TestUnsyncedRecordsAreLost(t *testing.T) {
	dir := t.TempDir()
	j, _ := openJournal(t, dir)
	j.Append(JobUpsert(1, []byte("a")))
	_, err := j.Sync()
	require.NoError(t, err)
	j.Append(JobUpsert(2, []byte("b")))
	require.NoError(t, j.Close())

	_, s := openJournal(t, dir)
	assert.Equal(t, []uint32{1}, s.JobIds())
}

func TestReplay_TornTail(t *testing.T) {
	dir := t.TempDir()
	j, _ := openJournal(t, dir)
	j.Append(JobUpsert(1, []byte("a")), JobUpsert(2, []byte("b")))
	good, err := j.Sync()
	require.NoError(t, err)
	require.NoError(t, j.Close())

	path := filepath.Join(dir, JournalFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	// A record header promising more payload than was written.
	torn := []byte{byte(RecordJobUpsert), 0, 0, 0, 40, 0, 0, 0}
	_, err = f.Write(torn)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2, s := openJournal(t, dir)
	assert.Equal(t, []uint32{1, 2}, s.JobIds())
	assert.Equal(t, good, j2.Mark())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(journalHeaderSize)+int64(good), info.Size())

	// Appends after recovery land after the last good record.
	j2.Append(JobUpsert(3, []byte("c")))
	_, err = j2.Sync()
	require.NoError(t, err)
	require.NoError(t, j2.Close())
	_, s = openJournal(t, dir)
	assert.Equal(t, []uint32{1, 2, 3}, s.JobIds())
}

func TestReplay_Errors(t *testing.T) {
	tests := map[string]struct {
		contents     func() []byte
		expectedCode corralerrors.Code
	}{
		"version mismatch": {
			contents: func() []byte {
				b := []byte(journalMagic)
				b = binary.BigEndian.AppendUint16(b, Version+1)
				return binary.BigEndian.AppendUint64(b, 0)
			},
			expectedCode: corralerrors.CodeVersionMismatch,
		},
		"bad magic": {
			contents: func() []byte {
				b := []byte("XXXX")
				b = binary.BigEndian.AppendUint16(b, Version)
				return binary.BigEndian.AppendUint64(b, 0)
			},
			expectedCode: corralerrors.CodeInternal,
		},
		"unknown record type": {
			contents: func() []byte {
				b := []byte(journalMagic)
				b = binary.BigEndian.AppendUint16(b, Version)
				b = binary.BigEndian.AppendUint64(b, 0)
				b = append(b, 99, 0, 0, 0, 0)
				// A valid record after the bad one makes it mid-file.
				b = append(b, byte(RecordNextId), 0, 0, 0, 4, 0, 0, 0, 7)
				return b
			},
			expectedCode: corralerrors.CodeInternal,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, JournalFile), tc.contents(), 0o600))
			_, _, err := Open(dir)
			require.Error(t, err)
			assert.Equal(t, tc.expectedCode, corralerrors.CodeFromError(err))
		})
	}
}

func TestCheckpoint(t *testing.T) {
	dir := t.TempDir()
	j, _ := openJournal(t, dir)
	j.Append(JobUpsert(1, []byte("a")), NodeChange(NodeState{Name: "n1", State: api.NodeDrained, Reason: "maint"}))

	// Snapshot taken here, then more changes arrive before the checkpoint is written.
	snapshot := NewState()
	snapshot.Position = j.Mark()
	snapshot.NextId = 2
	snapshot.Jobs[1] = []byte("a")
	snapshot.Nodes["n1"] = NodeState{Name: "n1", State: api.NodeDrained, Reason: "maint"}
	j.Append(JobUpsert(2, []byte("b")))

	require.NoError(t, j.Checkpoint(snapshot))
	_, err := j.Sync()
	require.NoError(t, err)
	require.NoError(t, j.Close())

	info, err := os.Stat(filepath.Join(dir, JournalFile))
	require.NoError(t, err)
	record := JobUpsert(2, []byte("b"))
	assert.Equal(t, int64(journalHeaderSize+recordHeaderSize+len(record.payload())), info.Size())

	j2, s := openJournal(t, dir)
	assert.Equal(t, []uint32{1, 2}, s.JobIds())
	assert.Equal(t, uint32(3), s.NextId)
	assert.Equal(t, api.NodeDrained, s.Nodes["n1"].State)
	assert.Equal(t, snapshot.Position+Position(recordHeaderSize+len(record.payload())), j2.Mark())
}

func TestCheckpoint_StaleJournal(t *testing.T) {
	dir := t.TempDir()
	j, _ := openJournal(t, dir)
	j.Append(JobUpsert(1, []byte("old")))
	_, err := j.Sync()
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// A checkpoint beyond everything in the journal, as if the journal restart never happened.
	snapshot := NewState()
	snapshot.Position = 1000
	snapshot.NextId = 5
	snapshot.Jobs[1] = []byte("new")
	require.NoError(t, writeCheckpoint(filepath.Join(dir, CheckpointFile), snapshot))

	j2, s := openJournal(t, dir)
	assert.Equal(t, []byte("new"), s.Jobs[1])
	assert.Equal(t, Position(1000), j2.Mark())

	j2.Append(JobUpsert(4, []byte("d")))
	_, err = j2.Sync()
	require.NoError(t, err)
	require.NoError(t, j2.Close())

	_, s = openJournal(t, dir)
	assert.Equal(t, []uint32{1, 4}, s.JobIds())
	assert.Equal(t, []byte("new"), s.Jobs[1])
}

func TestCheckpoint_VersionMismatch(t *testing.T) {
	dir := t.TempDir()
	b := []byte(checkpointMagic)
	b = binary.BigEndian.AppendUint16(b, Version+1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, CheckpointFile), b, 0o600))
	_, _, err := Open(dir)
	assert.True(t, corralerrors.IsCode(err, corralerrors.CodeVersionMismatch))
}

func TestState_Apply(t *testing.T) {
	tests := map[string]struct {
		records        []Record
		expectedNextId uint32
		expectedJobs   []uint32
	}{
		"upsert advances next id": {
			records:        []Record{JobUpsert(7, nil)},
			expectedNextId: 8,
			expectedJobs:   []uint32{7},
		},
		"next id never moves back": {
			records:        []Record{NextIdChange(20), NextIdChange(10), JobUpsert(3, nil)},
			expectedNextId: 20,
			expectedJobs:   []uint32{3},
		},
		"remove": {
			records:        []Record{JobUpsert(1, nil), JobUpsert(2, nil), JobRemove(1)},
			expectedNextId: 3,
			expectedJobs:   []uint32{2},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := NewState()
			for _, r := range tc.records {
				s.Apply(r)
			}
			assert.Equal(t, tc.expectedNextId, s.NextId)
			assert.Equal(t, tc.expectedJobs, s.JobIds())
		})
	}
}
