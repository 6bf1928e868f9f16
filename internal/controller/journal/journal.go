// Package journal persists controller state under the state save location as a checkpoint file plus a
// write-ahead journal of the changes made since that checkpoint.
//
// Both files use the wire packing primitives. The journal starts with {magic "CRLJ", version, base}
// and continues with records {type u8, length u32, payload}. Every record has an absolute position
// (base plus its offset); the checkpoint {magic "CRLC", version, position, next id, jobs, nodes,
// partitions} records the position it covers, so replay skips journal records already folded into it.
package journal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/pkg/wire"
)

const (
	JournalFile    = "journal"
	CheckpointFile = "checkpoint"

	journalMagic    = "CRLJ"
	checkpointMagic = "CRLC"
	Version         = uint16(1)

	journalHeaderSize = 4 + 2 + 8
	recordHeaderSize  = 1 + 4
	maxRecordSize     = 64 << 20
)

// Position is an absolute offset in the stream of journal records.
type Position uint64

type Journal struct {
	dir string
	// Serialises Sync and Checkpoint, the only users of file.
	syncMu sync.Mutex
	file   *os.File
	// Guards the fields below. Held only briefly so Append never waits for disk.
	mu sync.Mutex
	// Position of log[0].
	base Position
	// Every record appended since the last checkpoint.
	log []byte
	// Length of the prefix of log written to file.
	flushed int
}

// Open recovers the state persisted in dir and opens the journal for appending. A checkpoint or journal
// written with another version is an error; a torn final journal record is dropped with a warning.
func Open(dir string) (*Journal, *State, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	state, err := readCheckpoint(filepath.Join(dir, CheckpointFile))
	if err != nil {
		return nil, nil, err
	}
	j := &Journal{dir: dir, base: state.Position}
	path := filepath.Join(dir, JournalFile)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.WithStack(err)
	}
	if info.Size() == 0 {
		if err := writeJournalHeader(f, state.Position); err != nil {
			f.Close()
			return nil, nil, err
		}
	} else {
		base, end, err := replay(f, state)
		if err != nil {
			f.Close()
			return nil, nil, errors.WithMessagef(err, "replaying %s", path)
		}
		if end < info.Size() {
			log.Warnf("Dropping torn record at the end of %s (%d of %d bytes valid)", path, end, info.Size())
			if err := f.Truncate(end); err != nil {
				f.Close()
				return nil, nil, errors.WithStack(err)
			}
		}
		// Records already in the file count as appended and flushed.
		if _, err := f.Seek(journalHeaderSize, io.SeekStart); err != nil {
			f.Close()
			return nil, nil, errors.WithStack(err)
		}
		existing := make([]byte, end-journalHeaderSize)
		if _, err := io.ReadFull(f, existing); err != nil {
			f.Close()
			return nil, nil, errors.WithStack(err)
		}
		j.base = base
		j.log = existing
		j.flushed = len(existing)
		if end := base + Position(len(existing)); end < state.Position {
			// The checkpoint was written but the journal was never restarted.
			log.Warnf("Journal %s ends at %d, before checkpoint position %d; restarting it", path, end, state.Position)
			if err := f.Truncate(0); err != nil {
				f.Close()
				return nil, nil, errors.WithStack(err)
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				f.Close()
				return nil, nil, errors.WithStack(err)
			}
			if err := writeJournalHeader(f, state.Position); err != nil {
				f.Close()
				return nil, nil, err
			}
			j.base, j.log, j.flushed = state.Position, nil, 0
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, nil, errors.WithStack(err)
	}
	j.file = f
	return j, state, nil
}

// Append buffers records. They become durable on the next Sync or Checkpoint.
func (j *Journal) Append(records ...Record) Position {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range records {
		payload := r.payload()
		j.log = append(j.log, byte(r.Type))
		j.log = binary.BigEndian.AppendUint32(j.log, uint32(len(payload)))
		j.log = append(j.log, payload...)
	}
	return j.base + Position(len(j.log))
}

// Mark returns the position just after the last appended record.
func (j *Journal) Mark() Position {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.base + Position(len(j.log))
}

// Durable returns the position up to which records are on disk.
func (j *Journal) Durable() Position {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.base + Position(j.flushed)
}

// Sync writes buffered records and flushes them to stable storage. It returns the position now durable.
func (j *Journal) Sync() (Position, error) {
	j.syncMu.Lock()
	defer j.syncMu.Unlock()

	j.mu.Lock()
	pending := j.log[j.flushed:]
	end := len(j.log)
	base := j.base
	j.mu.Unlock()

	if len(pending) > 0 {
		if _, err := j.file.Write(pending); err != nil {
			return base + Position(j.flushedLocked()), corralerrors.Newf(corralerrors.CodePersistence, "writing journal: %v", err)
		}
	}
	if err := j.file.Sync(); err != nil {
		return base + Position(j.flushedLocked()), corralerrors.Newf(corralerrors.CodePersistence, "syncing journal: %v", err)
	}
	j.mu.Lock()
	j.flushed = end
	j.mu.Unlock()
	return base + Position(end), nil
}

func (j *Journal) flushedLocked() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushed
}

// Checkpoint writes state, which must reflect every record appended before state.Position, and starts a
// new journal holding only the records appended after it.
func (j *Journal) Checkpoint(state *State) error {
	j.syncMu.Lock()
	defer j.syncMu.Unlock()

	if err := writeCheckpoint(filepath.Join(j.dir, CheckpointFile), state); err != nil {
		return err
	}

	j.mu.Lock()
	cut := int(state.Position - j.base)
	if state.Position < j.base || cut > len(j.log) {
		j.mu.Unlock()
		return errors.Errorf("checkpoint position %d outside journal range [%d, %d]", state.Position, j.base, j.base+Position(len(j.log)))
	}
	rest := append([]byte(nil), j.log[cut:]...)
	j.log = rest
	j.base = state.Position
	j.flushed = 0
	j.mu.Unlock()

	path := filepath.Join(j.dir, JournalFile)
	tmp := path + ".new"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := writeJournalHeader(f, state.Position); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(rest); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	if err := syncDir(j.dir); err != nil {
		log.WithError(err).Warnf("Unable to sync %s", j.dir)
	}
	j.file.Close()
	j.file = f
	j.mu.Lock()
	j.flushed = len(rest)
	j.mu.Unlock()
	return nil
}

func (j *Journal) Close() error {
	j.syncMu.Lock()
	defer j.syncMu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return errors.WithStack(err)
}

func writeJournalHeader(w io.Writer, base Position) error {
	p := wire.NewPacker(journalHeaderSize)
	for i := 0; i < len(journalMagic); i++ {
		p.PackU8(journalMagic[i])
	}
	p.PackU16(Version)
	p.PackU64(uint64(base))
	_, err := w.Write(p.Bytes())
	return errors.WithStack(err)
}

// replay applies the journal records positioned at or after the checkpoint to state. It returns the
// journal base and the file offset just after the last complete record.
func replay(f *os.File, state *State) (Position, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, errors.WithStack(err)
	}
	r := bufio.NewReader(f)
	header := make([]byte, journalHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, errors.Wrap(err, "reading journal header")
	}
	if string(header[:4]) != journalMagic {
		return 0, 0, errors.Errorf("bad journal magic %q", header[:4])
	}
	if version := binary.BigEndian.Uint16(header[4:6]); version != Version {
		return 0, 0, corralerrors.Newf(corralerrors.CodeVersionMismatch, "journal version %d, expected %d", version, Version)
	}
	base := Position(binary.BigEndian.Uint64(header[6:14]))
	offset := int64(journalHeaderSize)
	applied, skipped := 0, 0
	recHeader := make([]byte, recordHeaderSize)
	for {
		if _, err := io.ReadFull(r, recHeader); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return 0, 0, errors.WithStack(err)
		}
		t := RecordType(recHeader[0])
		length := binary.BigEndian.Uint32(recHeader[1:])
		if length > maxRecordSize {
			return 0, 0, errors.Errorf("journal record at offset %d claims %d bytes", offset, length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return 0, 0, errors.WithStack(err)
		}
		pos := base + Position(offset-journalHeaderSize)
		offset += int64(recordHeaderSize) + int64(length)
		if pos < state.Position {
			skipped++
			continue
		}
		rec, err := decodeRecord(t, payload)
		if err != nil {
			return 0, 0, errors.WithMessagef(err, "journal record at offset %d", offset)
		}
		state.Apply(rec)
		applied++
	}
	// Records after the checkpoint position are now part of the recovered state.
	if end := base + Position(offset-journalHeaderSize); end > state.Position {
		state.Position = end
	}
	log.Infof("Replayed %d journal records (%d already in checkpoint)", applied, skipped)
	return base, offset, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.WithStack(err)
	}
	defer d.Close()
	return errors.WithStack(d.Sync())
}
