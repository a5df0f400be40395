package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/seqkv/seqkv/keys"
)

// blockBuilder accumulates length-prefixed entries for one block:
//
//	[uvarint keyLen][key][uvarint valLen][value]...
//
// The sparse index maps first keys to whole blocks, so entries carry
// full keys with no prefix truncation and a block is scanned linearly
// once found.
type blockBuilder struct {
	buf        []byte
	firstKey   keys.EncodedKey
	numEntries int
	targetSize int
	minEntries int
}

func newBlockBuilder(targetSize, minEntries int) *blockBuilder {
	if minEntries <= 0 {
		minEntries = 4
	}
	return &blockBuilder{
		buf:        make([]byte, 0, targetSize),
		targetSize: targetSize,
		minEntries: minEntries,
	}
}

func (b *blockBuilder) add(key keys.EncodedKey, value []byte) {
	if b.numEntries == 0 {
		b.firstKey = key.Clone()
	}
	b.buf = binary.AppendUvarint(b.buf, uint64(len(key)))
	b.buf = append(b.buf, key...)
	b.buf = binary.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, value...)
	b.numEntries++
}

// full reports whether the block reached its target size. A minimum
// entry count keeps huge values from producing single-entry runs of
// tiny index granularity.
func (b *blockBuilder) full() bool {
	return len(b.buf) >= b.targetSize && b.numEntries >= b.minEntries
}

func (b *blockBuilder) empty() bool {
	return b.numEntries == 0
}

func (b *blockBuilder) finish() []byte {
	return b.buf
}

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.firstKey = nil
	b.numEntries = 0
}

// blockIter walks the decoded entries of one block sequentially.
type blockIter struct {
	data []byte
	off  int
	key  keys.EncodedKey
	val  []byte
	err  error
}

func newBlockIter(data []byte) *blockIter {
	return &blockIter{data: data}
}

// next decodes the following entry. It returns false at the end of the
// block or on a framing error, which is recorded in err.
func (it *blockIter) next() bool {
	if it.err != nil || it.off >= len(it.data) {
		it.key = nil
		it.val = nil
		return false
	}
	keyLen, n := binary.Uvarint(it.data[it.off:])
	if n <= 0 || it.off+n+int(keyLen) > len(it.data) {
		it.err = fmt.Errorf("segment: bad block entry key framing at %d", it.off)
		return false
	}
	it.off += n
	it.key = keys.EncodedKey(it.data[it.off : it.off+int(keyLen)])
	it.off += int(keyLen)

	valLen, n := binary.Uvarint(it.data[it.off:])
	if n <= 0 || it.off+n+int(valLen) > len(it.data) {
		it.err = fmt.Errorf("segment: bad block entry value framing at %d", it.off)
		return false
	}
	it.off += n
	it.val = it.data[it.off : it.off+int(valLen)]
	it.off += int(valLen)
	return true
}

// seek advances until the current key is >= target. Returns false when
// the block is exhausted first.
func (it *blockIter) seek(target keys.EncodedKey) bool {
	for it.next() {
		if it.key.Compare(target) >= 0 {
			return true
		}
	}
	return false
}
