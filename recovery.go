package seqkv

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/seqkv/seqkv/keys"
	"github.com/seqkv/seqkv/memtable"
	"github.com/seqkv/seqkv/segment"
	"github.com/seqkv/seqkv/wal"
)

// How a replay reacts to a torn or corrupt record.
type tailPolicy int

const (
	// tailFatal fails recovery. Retired logs were synced before their
	// rename, so damage there is real corruption.
	tailFatal tailPolicy = iota

	// tailTruncate cuts the file at the last clean record. Correct for
	// the active log, whose tail can legitimately hold a half-written
	// record from a crash.
	tailTruncate

	// tailIgnore stops replay without touching the file, for read-only
	// opens.
	tailIgnore
)

// recover rebuilds the store from disk: the manifest names the durable
// segment set, retired logs hold flushes that never completed, and the
// active log holds everything since the last rotation. Orphan files
// from interrupted flushes or compactions are swept.
func (db *DB) recover() error {
	state, err := readManifest(db.path)
	if err != nil {
		return err
	}

	// Cleanup of crash artifacts mutates the store, so a read-only open
	// leaves all of it in place and serves the recovered state as-is.
	if !db.opts.ReadOnly {
		// A crash during a manifest snapshot rewrite can leave the tmp
		// file.
		tmp := filepath.Join(db.path, manifestTmpName)
		if err := os.Remove(tmp); err == nil {
			db.logger.Info("removed interrupted manifest snapshot", "path", tmp)
		}

		// Cut a torn final record so the next append starts at a clean
		// boundary.
		manifestPath := filepath.Join(db.path, manifestName)
		if st, err := os.Stat(manifestPath); err == nil && st.Size() > state.validSize {
			if err := os.Truncate(manifestPath, state.validSize); err != nil {
				return err
			}
			db.logger.Info("truncated torn manifest tail",
				"from", st.Size(), "to", state.validSize)
		}

		if err := db.sweepOrphanSegments(state); err != nil {
			return err
		}
	}

	versions, err := newVersionSet(db.path, state, db.opts)
	if err != nil {
		return err
	}
	db.versions = versions

	maxSeq, err := db.replayLogs(state.logNum)
	if err != nil {
		versions.close()
		return err
	}

	for _, meta := range state.segments {
		if meta.MaxSeq > maxSeq {
			maxSeq = meta.MaxSeq
		}
	}
	db.recoveredSeq = maxSeq

	// A read-only store has no log writer: wal.Open would create
	// current.log, and nothing here will ever append.
	if db.opts.ReadOnly {
		return nil
	}

	log, err := wal.Open(wal.Opts{
		Dir:              db.logDir,
		NextSeq:          maxSeq + 1,
		BytesPerSync:     db.opts.BytesPerSync,
		AutoSyncInterval: db.opts.SyncInterval,
	})
	if err != nil {
		versions.close()
		return err
	}
	db.log = log
	return nil
}

// sweepOrphanSegments deletes segment files the manifest does not
// reference. A crash between writing an output file and committing the
// manifest edit leaves exactly these behind.
func (db *DB) sweepOrphanSegments(state *manifestState) error {
	segDir := filepath.Join(db.path, "segments")
	entries, err := os.ReadDir(segDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".seg") {
			continue
		}
		_, id, ok := segment.ParseFileName(name)
		if !ok {
			db.logger.Warn("unrecognized file in segments directory", "name", name)
			continue
		}
		meta, live := state.segments[id]
		if live && meta.FileName() == name {
			continue
		}
		path := filepath.Join(segDir, name)
		if err := os.Remove(path); err != nil {
			return err
		}
		db.logger.Info("removed orphan segment", "name", name)
	}
	return nil
}

// replayLogs rebuilds memtables from the logs. Retired logs newer than
// the manifest's captured log number become queued flush tasks; logs
// at or below it are fully captured in segments and are deleted. The
// active log replays into the fresh active memtable, truncating a torn
// tail. Returns the highest sequence seen.
func (db *DB) replayLogs(capturedLogNum uint64) (uint64, error) {
	entries, err := os.ReadDir(db.logDir)
	if err != nil {
		if os.IsNotExist(err) {
			db.active = memtable.New(db.opts.WriteBufferSize)
			return 0, nil
		}
		return 0, err
	}

	var retired []uint64
	for _, entry := range entries {
		name := entry.Name()
		if name == wal.ActiveName {
			continue
		}
		num, ok := wal.ParseRetiredName(name)
		if !ok {
			db.logger.Warn("unrecognized file in log directory", "name", name)
			continue
		}
		if num <= capturedLogNum {
			// Fully captured in segments. Read-only opens leave the file
			// for the next writable open to collect.
			if db.opts.ReadOnly {
				continue
			}
			if err := os.Remove(filepath.Join(db.logDir, name)); err != nil {
				return 0, err
			}
			db.logger.Info("removed captured log", "name", name)
			continue
		}
		retired = append(retired, num)
		if num >= db.nextLogNum {
			db.nextLogNum = num + 1
		}
	}
	if capturedLogNum >= db.nextLogNum {
		db.nextLogNum = capturedLogNum + 1
	}
	if db.nextLogNum == 0 {
		db.nextLogNum = 1
	}
	sort.Slice(retired, func(i, j int) bool { return retired[i] < retired[j] })

	var maxSeq uint64
	for _, num := range retired {
		path := filepath.Join(db.logDir, wal.RetiredName(num))
		mt := memtable.New(db.opts.WriteBufferSize)
		seq, err := replayLog(path, mt, tailFatal)
		if err != nil {
			mt.Unref()
			return 0, err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		db.frozen = append(db.frozen, mt)
		// A read-only open serves the records from the frozen memtable
		// but must not flush them: the segment write, the manifest edit
		// and the log deletion are all mutations.
		if !db.opts.ReadOnly {
			db.flushQ = append(db.flushQ, &flushTask{mt: mt, logNum: num, logPath: path})
		}
		db.logger.Info("replayed retired log", "num", num, "entries", mt.Len())
	}

	db.active = memtable.New(db.opts.WriteBufferSize)
	activePath := filepath.Join(db.logDir, wal.ActiveName)
	if _, err := os.Stat(activePath); err == nil {
		policy := tailTruncate
		if db.opts.ReadOnly {
			policy = tailIgnore
		}
		seq, err := replayLog(activePath, db.active, policy)
		if err != nil {
			return 0, err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		db.logger.Info("replayed active log", "entries", db.active.Len())
	}
	return maxSeq, nil
}

// replayLog feeds one log file's valid records into mt and returns the
// highest sequence replayed.
func replayLog(path string, mt *memtable.MemTable, policy tailPolicy) (uint64, error) {
	reader, err := wal.NewReader(path)
	if err != nil {
		return 0, err
	}

	var maxSeq uint64
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			return maxSeq, reader.Close()
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, wal.ErrCorruptRecord) {
			offset := reader.Offset()
			if cerr := reader.Close(); cerr != nil {
				return 0, cerr
			}
			switch policy {
			case tailTruncate:
				if terr := os.Truncate(path, offset); terr != nil {
					return 0, terr
				}
				return maxSeq, nil
			case tailIgnore:
				return maxSeq, nil
			default:
				return 0, fmt.Errorf("%w: log %s: %v", ErrCorruption, filepath.Base(path), err)
			}
		}
		if err != nil {
			reader.Close()
			return 0, err
		}

		mt.Put(keys.NewEncodedKey(rec.Key, rec.Seq, rec.Kind), rec.Value)
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
}
