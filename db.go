// Package seqkv is an embedded log-structured key-value store. Writes
// land in a durable log and an in-memory table; full tables are
// flushed to immutable sorted segment files which a size-tiered
// compactor merges in the background. Reads see the newest version of
// each key across all of it.
package seqkv

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seqkv/seqkv/bufferpool"
	"github.com/seqkv/seqkv/keys"
	"github.com/seqkv/seqkv/memtable"
	"github.com/seqkv/seqkv/segment"
	"github.com/seqkv/seqkv/wal"
)

const (
	// logDirName holds the active and retired log files.
	logDirName = "log"

	// flushGeneration tags segments produced by memtable flushes.
	// Compaction outputs take max(input generations)+1.
	flushGeneration = 1

	// capacityWait bounds how long a write blocks on a full flush queue
	// before giving up with ErrCapacity.
	capacityWait = 100 * time.Millisecond

	// flushRetryWait is the pause between flush attempts after a
	// failure. The records stay durable in the retired log throughout.
	flushRetryWait = 250 * time.Millisecond
)

// flushTask pairs a frozen memtable with the retired log that holds
// its records. The log file can only be deleted once the memtable's
// segment is durable in the manifest.
type flushTask struct {
	mt      *memtable.MemTable
	logNum  uint64
	logPath string
}

// DB is an open store. All methods are safe for concurrent use.
type DB struct {
	opts             *Options
	defaultWriteOpts *WriteOptions
	path             string
	logDir           string

	// mu guards the memtable pointers and the flush queue. Writes take
	// the read side so rotation, which swaps the active memtable, is
	// the only exclusive path in steady state.
	mu     sync.RWMutex
	active *memtable.MemTable
	frozen []*memtable.MemTable
	flushQ []*flushTask

	// flushErr is the most recent background flush failure, cleared
	// once a retry succeeds. Set under mu.
	flushErr error

	log       *wal.Log
	versions  *versionSet
	compactor *compactor
	fileLock  *dirLock

	nextLogNum uint64

	// recoveredSeq is the highest sequence replayed at open. It stands
	// in for the log's sequence counter on read-only opens, which carry
	// no log writer.
	recoveredSeq uint64

	closed atomic.Bool
	done   chan struct{}

	flushWg      sync.WaitGroup
	flushTrigger *sync.Cond
	flushDone    *sync.Cond

	logger *slog.Logger
}

// Open opens or creates the store at opts.Path, recovering state from
// the manifest and the logs, then starts the background flusher and
// compactor.
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts = opts.Clone()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger

	exists := false
	if _, err := os.Stat(opts.Path); err == nil {
		exists = true
	}
	if opts.ErrorIfExists && exists {
		return nil, errors.New("store already exists at " + opts.Path)
	}
	if (!opts.CreateIfMissing || opts.ReadOnly) && !exists {
		return nil, errors.New("store does not exist at " + opts.Path)
	}

	logDir := filepath.Join(opts.Path, logDirName)
	if !opts.ReadOnly {
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Join(opts.Path, "segments"), 0755); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, err
		}
	}

	fileLock, err := lockDir(opts.Path)
	if err != nil {
		return nil, err
	}

	db := &DB{
		opts:             opts,
		defaultWriteOpts: &WriteOptions{Sync: opts.Sync},
		path:             opts.Path,
		logDir:           logDir,
		fileLock:         fileLock,
		done:             make(chan struct{}),
		logger:           logger,
	}
	db.flushTrigger = sync.NewCond(&db.mu)
	db.flushDone = sync.NewCond(&db.mu)

	if err := db.recover(); err != nil {
		db.fileLock.release()
		return nil, err
	}

	db.compactor = newCompactor(db.versions, opts, nil)

	// Read-only stores run no background work: nothing to flush,
	// nothing may compact.
	if !opts.ReadOnly {
		db.flushWg.Add(1)
		go db.backgroundFlusher()

		if len(db.flushQ) > 0 {
			// Recovered retired logs are waiting; get them flushed.
			db.mu.Lock()
			db.flushTrigger.Signal()
			db.mu.Unlock()
		}
		db.compactor.schedule()
	}
	return db, nil
}

// Close stops background work and closes all files. Unflushed
// memtables are not flushed; their records stay in the logs and are
// replayed on the next Open. Safe to call more than once.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	close(db.done)

	db.mu.Lock()
	db.flushTrigger.Broadcast()
	db.flushDone.Broadcast()
	db.mu.Unlock()
	db.flushWg.Wait()

	db.compactor.close()

	var firstErr error
	if db.log != nil {
		if err := db.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.versions.close(); err != nil && firstErr == nil {
		firstErr = err
	}

	db.mu.Lock()
	if db.active != nil {
		db.active.Unref()
		db.active = nil
	}
	for _, mt := range db.frozen {
		mt.Unref()
	}
	db.frozen = nil
	db.flushQ = nil
	db.mu.Unlock()

	if err := db.fileLock.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Put stores a key-value pair using the store's default sync setting.
func (db *DB) Put(key, value []byte) error {
	return db.write(key, value, keys.KindSet, nil)
}

// PutWithOptions stores a key-value pair with an explicit durability
// choice.
func (db *DB) PutWithOptions(key, value []byte, opts *WriteOptions) error {
	return db.write(key, value, keys.KindSet, opts)
}

// Delete removes a key by writing a tombstone. Deleting an absent key
// is not an error.
func (db *DB) Delete(key []byte) error {
	return db.write(key, nil, keys.KindDelete, nil)
}

// DeleteWithOptions removes a key with an explicit durability choice.
func (db *DB) DeleteWithOptions(key []byte, opts *WriteOptions) error {
	return db.write(key, nil, keys.KindDelete, opts)
}

// write appends the operation to the log, which assigns its sequence
// number, then inserts it into the active memtable. The log write and
// the memtable insert happen under the read lock so a rotation can
// never split them across log files.
func (db *DB) write(key, value []byte, kind keys.Kind, opts *WriteOptions) error {
	if opts == nil {
		opts = db.defaultWriteOpts
	}
	if !keys.IsValidUserKey(key) {
		return ErrInvalidKey
	}
	if !keys.IsValidValue(value) {
		return ErrInvalidValue
	}
	if db.closed.Load() {
		return ErrDBClosed
	}
	if db.opts.ReadOnly {
		return ErrReadOnly
	}

	db.mu.Lock()
	if db.active.ShouldFlush(db.opts.WriteBufferSize) {
		if err := db.waitForFlushRoomLocked(); err != nil {
			db.mu.Unlock()
			return err
		}
		// The queue may have drained while we waited and another writer
		// may have rotated already.
		if db.active.ShouldFlush(db.opts.WriteBufferSize) {
			if err := db.rotateLocked(); err != nil {
				db.mu.Unlock()
				return err
			}
		}
	}
	db.mu.Unlock()

	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed.Load() {
		return ErrDBClosed
	}

	seq, err := db.log.Append(kind, key, value)
	if err != nil {
		return err
	}

	ekey := keys.EncodedKey(bufferpool.GetBuffer(len(key) + keys.FooterLen))
	defer bufferpool.PutBuffer(ekey)
	ekey.Encode(key, seq, kind)
	db.active.Put(ekey, value)

	if opts.Sync {
		return db.log.Sync()
	}
	return nil
}

// waitForFlushRoomLocked blocks briefly while the flush queue is full,
// then admits defeat with ErrCapacity. Caller holds db.mu.
func (db *DB) waitForFlushRoomLocked() error {
	deadline := time.Now().Add(capacityWait)
	for len(db.frozen) >= db.opts.MaxFrozenMemtables {
		if db.closed.Load() {
			return ErrDBClosed
		}
		if err := db.flushErr; err != nil {
			return err
		}
		if !time.Now().Before(deadline) {
			return ErrCapacity
		}
		timer := time.AfterFunc(time.Until(deadline), db.flushDone.Broadcast)
		db.flushDone.Wait()
		timer.Stop()
	}
	return nil
}

// rotateLocked freezes the active memtable together with its log file.
// The retired log keeps the memtable's records durable until the flush
// lands in the manifest. Caller holds db.mu.
func (db *DB) rotateLocked() error {
	retiredNum := db.nextLogNum
	retiredPath, err := db.log.Rotate(retiredNum)
	if err != nil {
		return err
	}
	db.nextLogNum++

	db.frozen = append(db.frozen, db.active)
	db.flushQ = append(db.flushQ, &flushTask{
		mt:      db.active,
		logNum:  retiredNum,
		logPath: retiredPath,
	})
	db.active = memtable.New(db.opts.WriteBufferSize)
	db.flushTrigger.Signal()
	return nil
}

// backgroundFlusher drains the flush queue oldest-first, turning each
// frozen memtable into a generation-1 segment and recording the swap
// in the manifest before the retired log is deleted. A failed attempt
// leaves the task at the head of the queue and retries after a pause;
// durability is intact throughout, the records are still in the
// retired log.
func (db *DB) backgroundFlusher() {
	defer db.flushWg.Done()

	for {
		db.mu.Lock()
		for len(db.flushQ) == 0 {
			if db.closed.Load() {
				db.mu.Unlock()
				return
			}
			db.flushTrigger.Wait()
		}
		if db.closed.Load() {
			db.mu.Unlock()
			return
		}
		task := db.flushQ[0]
		db.mu.Unlock()

		if err := db.flushOne(task); err != nil {
			db.logger.Error("memtable flush failed, will retry", "error", err)
			db.mu.Lock()
			db.flushErr = err
			db.flushDone.Broadcast()
			db.mu.Unlock()
			select {
			case <-db.done:
				return
			case <-time.After(flushRetryWait):
			}
			continue
		}

		db.mu.Lock()
		db.flushErr = nil
		db.flushQ = db.flushQ[1:]
		db.frozen = db.frozen[1:]
		db.flushDone.Broadcast()
		db.mu.Unlock()

		task.mt.Unref()
		if task.logPath != "" {
			if err := os.Remove(task.logPath); err != nil && !os.IsNotExist(err) {
				db.logger.Warn("failed to remove retired log", "path", task.logPath, "error", err)
			}
		}
		db.compactor.schedule()
	}
}

// flushOne makes one attempt at turning a frozen memtable into a
// durable segment recorded in the manifest.
func (db *DB) flushOne(task *flushTask) error {
	edit := &manifestEdit{}
	edit.setLogNumber(task.logNum)

	var meta *SegmentMeta
	if !task.mt.Empty() {
		var err error
		meta, err = db.writeSegment(task.mt)
		if err != nil {
			return err
		}
		edit.addSegment(meta)
	}

	if err := db.versions.logAndApply(edit); err != nil {
		if meta != nil {
			path := meta.reader.Path()
			meta.reader.Unref()
			os.Remove(path)
		}
		return err
	}
	if meta != nil {
		// The installed version holds its own reference now.
		meta.reader.Unref()
	}
	return nil
}

// writeSegment turns a memtable into a sorted segment file and opens a
// reader on the result.
func (db *DB) writeSegment(mt *memtable.MemTable) (*SegmentMeta, error) {
	id := db.versions.newSegmentID()
	path := filepath.Join(db.versions.segmentDir, segment.FileName(flushGeneration, id))

	writer, err := segment.NewWriter(segment.WriterOpts{
		Path:            path,
		Compression:     db.opts.Compression,
		BlockSize:       db.opts.BlockSize,
		BlockMinEntries: db.opts.BlockMinEntries,
	})
	if err != nil {
		return nil, err
	}

	iter := mt.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		if err := writer.Add(iter.Key(), iter.Value()); err != nil {
			writer.Abort()
			return nil, err
		}
	}

	meta := &SegmentMeta{
		ID:            id,
		Generation:    flushGeneration,
		MaxSeq:        writer.MaxSeq(),
		NumEntries:    writer.NumEntries(),
		NumTombstones: writer.NumTombstones(),
		Smallest:      writer.Smallest().Clone(),
		Largest:       writer.Largest().Clone(),
	}
	if err := writer.Finish(); err != nil {
		writer.Abort()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}

	reader, err := segment.Open(path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	st, err := os.Stat(path)
	if err != nil {
		reader.Unref()
		os.Remove(path)
		return nil, err
	}
	meta.Size = uint64(st.Size())
	meta.reader = reader

	db.logger.Info("memtable flushed",
		"segment", meta.FileName(),
		"entries", meta.NumEntries,
		"bytes", meta.Size)
	return meta, nil
}

// Get returns the newest value for key, or ErrNotFound if the key was
// never written or its newest version is a tombstone.
func (db *DB) Get(key []byte) ([]byte, error) {
	if !keys.IsValidUserKey(key) {
		return nil, ErrInvalidKey
	}
	if db.closed.Load() {
		return nil, ErrDBClosed
	}

	db.mu.RLock()
	if db.closed.Load() {
		db.mu.RUnlock()
		return nil, ErrDBClosed
	}
	mems := memtable.RefList(db.active, db.frozen)
	version := db.versions.currentVersion()
	db.mu.RUnlock()
	if version == nil {
		memtable.UnrefList(mems)
		return nil, ErrDBClosed
	}
	defer func() {
		version.Unref()
		memtable.UnrefList(mems)
	}()

	query := keys.NewQueryKey(key)

	// Memtables first, newest to oldest: the active table is mems[0]
	// and frozen tables follow oldest-first. Any memtable hit beats
	// every segment, since segments only hold already-flushed history.
	if k, v := mems[0].Get(query); k != nil {
		return finishGet(k, v)
	}
	for i := len(mems) - 1; i >= 1; i-- {
		if k, v := mems[i].Get(query); k != nil {
			return finishGet(k, v)
		}
	}

	// Segment key ranges overlap arbitrarily under size-tiering, so
	// every containing segment is consulted and the highest sequence
	// wins.
	var bestKey keys.EncodedKey
	var bestVal []byte
	for _, m := range version.Segments() {
		if !m.ContainsUserKey(keys.UserKey(key)) {
			continue
		}
		k, v, err := m.reader.Get(query)
		if err != nil {
			return nil, err
		}
		if k == nil {
			continue
		}
		if bestKey == nil || k.Seq() > bestKey.Seq() {
			bestKey, bestVal = k, v
		}
	}
	if bestKey == nil {
		return nil, ErrNotFound
	}
	return finishGet(bestKey, bestVal)
}

func finishGet(key keys.EncodedKey, value []byte) ([]byte, error) {
	if key.Kind() == keys.KindDelete {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Scan returns an iterator over user keys in [start, end). Nil bounds
// leave that side open. The iterator sees a snapshot of the store as
// of this call; later writes are invisible to it.
func (db *DB) Scan(start, end []byte) (*DBIterator, error) {
	if db.closed.Load() {
		return nil, ErrDBClosed
	}
	if start != nil && end != nil && bytes.Compare(start, end) >= 0 {
		return nil, ErrInvalidRange
	}

	it := db.newSnapshotIterator(keys.NewRange(start, end))
	if it.err != nil {
		return nil, it.err
	}
	it.SeekToFirst()
	return it, nil
}

// Flush rotates the active memtable if it has data and blocks until
// every queued memtable is durable in a segment.
func (db *DB) Flush() error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if db.opts.ReadOnly {
		return ErrReadOnly
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.flushErr; err != nil {
		return err
	}
	if !db.active.Empty() {
		if err := db.rotateLocked(); err != nil {
			return err
		}
	}
	for len(db.flushQ) > 0 {
		if db.closed.Load() {
			return ErrDBClosed
		}
		if err := db.flushErr; err != nil {
			return err
		}
		db.flushDone.Wait()
	}
	return nil
}

// CompactNow runs one synchronous compaction pass. It is a no-op when
// the policy finds no eligible tier.
func (db *DB) CompactNow() error {
	if db.closed.Load() {
		return ErrDBClosed
	}
	if db.opts.ReadOnly {
		return ErrReadOnly
	}
	_, err := db.compactor.runOnce()
	return err
}

// Stats is a point-in-time snapshot of store state.
type Stats struct {
	MemtableBytes   int
	FrozenMemtables int
	Segments        int
	SegmentBytes    uint64
	LogBytes        int64
	NextSeq         uint64
	Compaction      CompactionStats
}

// Stats reports current sizes and cumulative compaction totals. A
// closed store reports the zero Stats.
func (db *DB) Stats() Stats {
	var s Stats

	db.mu.RLock()
	if db.closed.Load() || db.active == nil {
		db.mu.RUnlock()
		return s
	}
	s.MemtableBytes = db.active.ApproximateSize()
	s.FrozenMemtables = len(db.frozen)
	db.mu.RUnlock()

	if db.log != nil {
		s.LogBytes = db.log.Size()
		s.NextSeq = db.log.NextSeq()
	} else {
		s.NextSeq = db.recoveredSeq + 1
	}
	if v := db.versions.currentVersion(); v != nil {
		s.Segments = len(v.Segments())
		s.SegmentBytes = v.TotalSize()
		v.Unref()
	}

	s.Compaction = db.compactor.statsSnapshot()
	return s
}
