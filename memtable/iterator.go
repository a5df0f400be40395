package memtable

import "github.com/seqkv/seqkv/keys"

// Iterator walks the memtable in encoded-key order. Node 0 is the
// header and doubles as the invalid position.
type Iterator struct {
	mt     *MemTable
	node   int
	bounds *keys.Range
	key    keys.EncodedKey
	value  []byte
}

// NewIterator returns an unbounded iterator.
func (mt *MemTable) NewIterator() *Iterator {
	return &Iterator{mt: mt}
}

// NewIteratorWithBounds returns an iterator clamped to bounds.
func (mt *MemTable) NewIteratorWithBounds(bounds *keys.Range) *Iterator {
	return &Iterator{mt: mt, bounds: bounds}
}

// fill loads key/value for the current node and invalidates the
// iterator when the node crosses the upper bound.
func (it *Iterator) fill() {
	if it.node == 0 {
		it.key = nil
		it.value = nil
		return
	}
	o := it.mt.meta[it.node]
	m := o + it.mt.meta[it.node+offKeyLen]
	it.key = it.mt.data[o:m]
	if it.bounds != nil && it.bounds.Limit != nil && it.key.Compare(it.bounds.Limit) >= 0 {
		it.node = 0
		it.key = nil
		it.value = nil
		return
	}
	it.value = it.mt.data[m : m+it.mt.meta[it.node+offValLen]]
}

// SeekToFirst positions at the first entry, or the lower bound when
// one is set.
func (it *Iterator) SeekToFirst() {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()

	if it.bounds != nil && it.bounds.Start != nil {
		it.node, _ = it.mt.findGE(it.bounds.Start, false)
	} else {
		it.node = it.mt.meta[offNext]
	}
	it.fill()
}

// Seek positions at the first entry >= target, clamped to the lower
// bound.
func (it *Iterator) Seek(target keys.EncodedKey) {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()

	if it.bounds != nil && it.bounds.Start != nil && target.Compare(it.bounds.Start) < 0 {
		target = it.bounds.Start
	}
	it.node, _ = it.mt.findGE(target, false)
	it.fill()
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.node != 0
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if it.node == 0 {
		return
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.meta[it.node+offNext]
	it.fill()
}

// Key returns the current encoded key.
func (it *Iterator) Key() keys.EncodedKey {
	return it.key
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	return it.value
}

// Error always returns nil; memtable iteration cannot fail.
func (it *Iterator) Error() error {
	return nil
}

// Close releases nothing; the table is pinned by its refcount.
func (it *Iterator) Close() error {
	return nil
}
