package seqkv

import (
	"container/heap"

	"github.com/seqkv/seqkv/keys"
)

// iterHeap is a min-heap over source iterators ordered by their
// current key. Encoded-key order puts the newest version of a user key
// first, so the heap top is always the winning entry.
type iterHeap []Iterator

func (h iterHeap) Len() int { return len(h) }

func (h iterHeap) Less(i, j int) bool {
	ki, kj := h[i].Key(), h[j].Key()
	if ki == nil {
		return false
	}
	if kj == nil {
		return true
	}
	return ki.Compare(kj) < 0
}

func (h iterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *iterHeap) Push(x any) { *h = append(*h, x.(Iterator)) }

func (h *iterHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

func copyInto(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}
	dst = dst[:len(src)]
	copy(dst, src)
	return dst
}

// MergeIterator merges memtable and segment iterators into one sorted
// stream, exposing only the newest visible version of each user key.
// Tombstones hide older versions and are themselves suppressed unless
// the caller (compaction) asks to see them.
type MergeIterator struct {
	iterators []Iterator
	current   Iterator
	bounds    *keys.Range
	h         iterHeap

	// Stable copies of the winning key; source buffers may be reused
	// when their iterator advances.
	winningKeyBuf []byte
	winningKey    keys.EncodedKey
	userKeyBuf    []byte

	// includeTombstones is set for compaction merges, which must carry
	// delete markers forward.
	includeTombstones bool

	// seq hides entries newer than the snapshot. Callers that want
	// everything pass keys.MaxSequence.
	seq uint64

	err error
}

// NewMergeIterator builds a merge iterator. Source iterators are added
// with AddIterator before the first seek.
func NewMergeIterator(bounds *keys.Range, includeTombstones bool, seq uint64, expected int) *MergeIterator {
	if expected < 1 {
		expected = 8
	}
	return &MergeIterator{
		iterators:         make([]Iterator, 0, expected),
		bounds:            bounds,
		h:                 make(iterHeap, 0, expected),
		winningKeyBuf:     make([]byte, 64),
		userKeyBuf:        make([]byte, 32),
		includeTombstones: includeTombstones,
		seq:               seq,
	}
}

// AddIterator registers a source. The merge owns it and closes it.
func (it *MergeIterator) AddIterator(iter Iterator) {
	it.iterators = append(it.iterators, iter)
}

// rebuildHeap loads every valid source into the heap, skipping entries
// above the snapshot sequence.
func (it *MergeIterator) rebuildHeap() {
	it.h = it.h[:0]
	for _, iter := range it.iterators {
		if iter == nil || !iter.Valid() {
			continue
		}
		key := iter.Key()
		if key == nil {
			continue
		}
		if it.seq < key.Seq() {
			if it.advanceToVisible(iter) == nil {
				continue
			}
		}
		heap.Push(&it.h, iter)
	}
}

// advanceToVisible steps an iterator past entries newer than the
// snapshot and returns the first visible key, or nil at exhaustion.
func (it *MergeIterator) advanceToVisible(iter Iterator) keys.EncodedKey {
	for iter.Valid() {
		key := iter.Key()
		if key == nil {
			return nil
		}
		if it.seq >= key.Seq() {
			return key
		}
		iter.Next()
	}
	return nil
}

// popAndAdvanceMatchingKeys consumes every remaining version of the
// user key at the heap top, advancing the iterators that held them.
func (it *MergeIterator) popAndAdvanceMatchingKeys() {
	if len(it.h) == 0 {
		return
	}
	minKey := it.h[0].Key()
	if minKey == nil {
		return
	}
	it.userKeyBuf = copyInto(it.userKeyBuf, minKey.UserKey())

	for len(it.h) > 0 {
		topKey := it.h[0].Key()
		if topKey == nil || topKey.UserKey().Compare(it.userKeyBuf) != 0 {
			break
		}
		iter := heap.Pop(&it.h).(Iterator)
		iter.Next()
		if !iter.Valid() || iter.Key() == nil {
			continue
		}
		if it.seq < iter.Key().Seq() {
			if it.advanceToVisible(iter) == nil {
				continue
			}
		}
		heap.Push(&it.h, iter)
	}
}

// findAndSetCurrent settles on the next exposable entry: the newest
// version of the smallest remaining user key that passes bounds and
// tombstone filtering.
func (it *MergeIterator) findAndSetCurrent() {
	it.current = nil
	it.winningKey = nil

	for len(it.h) > 0 {
		top := it.h[0]
		key := top.Key()
		if key == nil {
			return
		}
		it.winningKeyBuf = copyInto(it.winningKeyBuf, key)
		it.winningKey = keys.EncodedKey(it.winningKeyBuf)

		if it.exposable(it.winningKey) {
			it.current = top
			return
		}
		// Hidden entry. Burn all versions of this user key and try the
		// next one.
		it.popAndAdvanceMatchingKeys()
	}
	it.winningKey = nil
}

// exposable reports whether the winning entry should be surfaced.
func (it *MergeIterator) exposable(key keys.EncodedKey) bool {
	if it.bounds != nil {
		if it.bounds.Limit != nil && key.UserKey().Compare(it.bounds.Limit.UserKey()) >= 0 {
			return false
		}
		if it.bounds.Start != nil && key.UserKey().Compare(it.bounds.Start.UserKey()) < 0 {
			return false
		}
	}
	if key.Kind() == keys.KindDelete && !it.includeTombstones {
		return false
	}
	return true
}

// SeekToFirst positions all sources at their first entry and settles.
func (it *MergeIterator) SeekToFirst() {
	it.err = nil
	it.current = nil
	it.winningKey = nil
	for _, iter := range it.iterators {
		iter.SeekToFirst()
	}
	it.rebuildHeap()
	it.findAndSetCurrent()
}

// Seek positions at the first exposable entry >= target.
func (it *MergeIterator) Seek(target keys.EncodedKey) {
	it.err = nil
	it.current = nil
	it.winningKey = nil
	for _, iter := range it.iterators {
		iter.Seek(target)
	}
	it.rebuildHeap()
	it.findAndSetCurrent()
}

// Next advances past the current user key to the next exposable entry.
func (it *MergeIterator) Next() {
	if it.current != nil {
		it.popAndAdvanceMatchingKeys()
	}
	it.findAndSetCurrent()
}

// Valid reports whether the iterator holds an entry.
func (it *MergeIterator) Valid() bool {
	return it.err == nil && it.current != nil && it.winningKey != nil
}

// Key returns the current encoded key.
func (it *MergeIterator) Key() keys.EncodedKey {
	if !it.Valid() {
		return nil
	}
	return it.winningKey
}

// Value returns the current value.
func (it *MergeIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.current.Value()
}

// Error returns the first error from any source.
func (it *MergeIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	for _, iter := range it.iterators {
		if iter == nil {
			continue
		}
		if err := iter.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every source, returning the first failure.
func (it *MergeIterator) Close() error {
	for _, iter := range it.iterators {
		if iter == nil {
			continue
		}
		if err := iter.Close(); err != nil && it.err == nil {
			it.err = err
		}
	}
	return it.err
}
