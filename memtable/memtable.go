// Package memtable holds recently written entries in a sorted
// in-memory buffer until a flush turns them into a segment file. The
// structure is a skiplist laid out over two flat arrays: one byte
// buffer for encoded keys and values, one int array for node metadata
// and next pointers. Nodes are identified by their offset into the
// metadata array, so the whole table is three allocations plus growth.
package memtable

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/seqkv/seqkv/keys"
)

const maxHeight = 12

// Node metadata layout. A node occupies offData..offNext+height ints.
const (
	offData   = iota // byte offset of the key/value bytes in data
	offKeyLen        // encoded key length
	offValLen        // value length
	offHeight        // number of next pointers
	offNext          // first next pointer (level 0)
)

// MemTable is an ordered buffer of encoded-key entries. Writes are
// serialized by the owning store; reads take the shared lock.
type MemTable struct {
	mu        sync.RWMutex
	rnd       *rand.Rand
	data      []byte
	meta      []int
	prev      [maxHeight]int
	curHeight int
	n         int

	refs atomic.Int32
}

// New creates a memtable sized for roughly bufferSize bytes of
// key/value data. The returned table carries one reference.
func New(bufferSize int) *MemTable {
	// Rough metadata estimate: four base ints plus an average of two
	// next pointers per entry, assuming 64-byte entries.
	estEntries := bufferSize / 64
	mt := &MemTable{
		rnd:       rand.New(rand.NewPCG(uint64(bufferSize), 0x9e3779b9)),
		curHeight: 1,
		data:      make([]byte, 0, bufferSize),
		meta:      make([]int, offNext+maxHeight, offNext+maxHeight+estEntries*6),
	}
	mt.meta[offHeight] = maxHeight
	mt.refs.Store(1)
	return mt
}

// Ref takes a reference for a reader snapshot.
func (mt *MemTable) Ref() {
	mt.refs.Add(1)
}

// Unref releases a reference. The memory is reclaimed by the GC once
// every holder lets go.
func (mt *MemTable) Unref() {
	mt.refs.Add(-1)
}

func (mt *MemTable) randHeight() int {
	const branching = 4
	h := 1
	for h < maxHeight && mt.rnd.Int()%branching == 0 {
		h++
	}
	return h
}

// findGE returns the first node whose key is >= key. With fillPrev set
// it also records the rightmost node below key at every level, for
// insertion.
func (mt *MemTable) findGE(key keys.EncodedKey, fillPrev bool) (int, bool) {
	node := 0
	h := mt.curHeight - 1
	for {
		next := mt.meta[node+offNext+h]
		cmp := 1
		if next != 0 {
			o := mt.meta[next]
			stored := keys.EncodedKey(mt.data[o : o+mt.meta[next+offKeyLen]])
			cmp = stored.Compare(key)
		}
		if cmp < 0 {
			node = next
			continue
		}
		if fillPrev {
			mt.prev[h] = node
		} else if cmp == 0 {
			return next, true
		}
		if h == 0 {
			return next, cmp == 0
		}
		h--
	}
}

// Put inserts an entry. Encoded keys are unique because every write
// carries a fresh sequence number, so no exact match ever exists.
func (mt *MemTable) Put(key keys.EncodedKey, value []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.findGE(key, true)

	h := mt.randHeight()
	if h > mt.curHeight {
		for i := mt.curHeight; i < h; i++ {
			mt.prev[i] = 0
		}
		mt.curHeight = h
	}

	off := len(mt.data)
	mt.data = append(mt.data, key...)
	mt.data = append(mt.data, value...)
	node := len(mt.meta)
	mt.meta = append(mt.meta, off, len(key), len(value), h)
	for i, p := range mt.prev[:h] {
		m := p + offNext + i
		mt.meta = append(mt.meta, mt.meta[m])
		mt.meta[m] = node
	}
	mt.n++
}

// Get returns the newest entry for the user key in query. The first
// node at or after a max-sequence query key is the highest-sequence
// version of that user key. Returns nil, nil when the key is absent.
func (mt *MemTable) Get(query keys.EncodedKey) (keys.EncodedKey, []byte) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if mt.n == 0 {
		return nil, nil
	}
	node, _ := mt.findGE(query, false)
	if node == 0 {
		return nil, nil
	}
	o := mt.meta[node]
	stored := keys.EncodedKey(mt.data[o : o+mt.meta[node+offKeyLen]])
	if stored.UserKey().Compare(query.UserKey()) != 0 {
		return nil, nil
	}
	valStart := o + mt.meta[node+offKeyLen]
	return stored, mt.data[valStart : valStart+mt.meta[node+offValLen]]
}

// ApproximateSize reports bytes held, counting metadata ints at word
// size. Used against the write-buffer threshold.
func (mt *MemTable) ApproximateSize() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	if mt.n == 0 {
		return 0
	}
	return len(mt.data) + len(mt.meta)*8
}

// ShouldFlush reports whether the table has outgrown the threshold.
func (mt *MemTable) ShouldFlush(threshold int) bool {
	return mt.ApproximateSize() >= threshold
}

// Len returns the number of entries.
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.n
}

// Empty reports whether the table holds no entries.
func (mt *MemTable) Empty() bool {
	return mt.Len() == 0
}
