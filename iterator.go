package seqkv

import (
	"github.com/seqkv/seqkv/keys"
	"github.com/seqkv/seqkv/memtable"
)

// Iterator is the common shape of every key-ordered source: memtables,
// segments and the merged views over them.
type Iterator interface {
	// Valid reports whether the iterator is positioned at an entry.
	Valid() bool

	// SeekToFirst positions at the first entry.
	SeekToFirst()

	// Seek positions at the first entry >= target.
	Seek(target keys.EncodedKey)

	// Next advances to the following entry.
	Next()

	// Key returns the current key.
	Key() keys.EncodedKey

	// Value returns the current value.
	Value() []byte

	// Error returns the first error encountered.
	Error() error

	// Close releases any held resources.
	Close() error
}

// DBIterator is the iterator returned by Scan. It pins a version and
// the memtables that existed when it was created, so the view is a
// consistent snapshot: writes and compactions that happen later are
// invisible to it.
type DBIterator struct {
	mergeIter Iterator
	valid     bool
	err       error
	bounds    *keys.Range
	version   *Version
	memtables []*memtable.MemTable
	closed    bool
}

// newSnapshotIterator captures the current version and memtable set
// and assembles the merge over them.
func (db *DB) newSnapshotIterator(bounds *keys.Range) *DBIterator {
	if bounds == nil {
		bounds = &keys.Range{}
	}

	// Version and memtables must be captured under one lock so a
	// concurrent flush cannot move entries between the two captures.
	db.mu.RLock()
	if db.closed.Load() {
		db.mu.RUnlock()
		return &DBIterator{err: ErrDBClosed}
	}
	version := db.versions.currentVersion()
	if version == nil {
		db.mu.RUnlock()
		return &DBIterator{err: ErrDBClosed}
	}
	memtables := memtable.RefList(db.active, db.frozen)
	snapshotSeq := db.recoveredSeq
	if db.log != nil {
		snapshotSeq = db.log.NextSeq() - 1
	}
	db.mu.RUnlock()

	expected := len(memtables)
	for _, meta := range version.Segments() {
		if meta.OverlapsRange(bounds) {
			expected++
		}
	}

	mergeIter := NewMergeIterator(bounds, false, snapshotSeq, expected)
	for _, mt := range memtables {
		mergeIter.AddIterator(mt.NewIteratorWithBounds(bounds))
	}
	for _, meta := range version.Segments() {
		if !meta.OverlapsRange(bounds) {
			continue
		}
		mergeIter.AddIterator(meta.reader.NewIteratorWithBounds(bounds))
	}

	return &DBIterator{
		mergeIter: mergeIter,
		bounds:    bounds,
		version:   version,
		memtables: memtables,
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *DBIterator) Valid() bool {
	return it.valid && it.err == nil && it.mergeIter.Valid()
}

// SeekToFirst positions at the first entry within bounds.
func (it *DBIterator) SeekToFirst() {
	if it.mergeIter == nil {
		return
	}
	if it.bounds != nil && it.bounds.Start != nil {
		it.mergeIter.Seek(it.bounds.Start)
	} else {
		it.mergeIter.SeekToFirst()
	}
	it.valid = it.mergeIter.Valid()
}

// Seek positions at the first entry with user key >= target.
func (it *DBIterator) Seek(target []byte) {
	if it.mergeIter == nil {
		return
	}
	it.mergeIter.Seek(keys.NewQueryKey(target))
	it.valid = it.mergeIter.Valid()
}

// Next advances to the next user key.
func (it *DBIterator) Next() {
	if !it.valid {
		return
	}
	it.mergeIter.Next()
	it.valid = it.mergeIter.Valid()
}

// Key returns the current user key.
func (it *DBIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	if key := it.mergeIter.Key(); key != nil {
		return key.UserKey()
	}
	return nil
}

// Value returns the current value.
func (it *DBIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.mergeIter.Value()
}

// Error returns the first error encountered.
func (it *DBIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.mergeIter == nil {
		return nil
	}
	return it.mergeIter.Error()
}

// Close releases the snapshot. Segment files removed by compaction
// while this iterator was open become deletable here.
func (it *DBIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true

	var err error
	if it.mergeIter != nil {
		err = it.mergeIter.Close()
	}
	if it.version != nil {
		it.version.Unref()
		it.version = nil
	}
	memtable.UnrefList(it.memtables)
	it.memtables = nil
	return err
}
