package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"sync/atomic"

	"github.com/seqkv/seqkv/bufferpool"
	"github.com/seqkv/seqkv/compression"
	"github.com/seqkv/seqkv/keys"
)

// Reader serves point lookups and scans from one segment file. A
// reader is created with one reference held by its owner; snapshots
// take additional references. When the last reference drops and the
// segment has been marked obsolete, the file is deleted.
type Reader struct {
	file       *os.File
	path       string
	numEntries uint64
	index      []indexEntry

	refs     atomic.Int32
	obsolete atomic.Bool
}

// Open validates the footer and loads the sparse index.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{file: file, path: path}
	r.refs.Store(1)
	if err := r.readFooter(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

// NumEntries returns the entry count recorded in the footer.
func (r *Reader) NumEntries() uint64 { return r.numEntries }

// Ref takes a reference for a snapshot.
func (r *Reader) Ref() {
	r.refs.Add(1)
}

// Unref drops a reference. The file handle closes at zero, and the
// file itself is removed if MarkObsolete was called.
func (r *Reader) Unref() error {
	if r.refs.Add(-1) != 0 {
		return nil
	}
	err := r.file.Close()
	if r.obsolete.Load() {
		if rmErr := os.Remove(r.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// MarkObsolete schedules the file for deletion once the last reference
// drops. Called only after the manifest durably stops referencing the
// segment.
func (r *Reader) MarkObsolete() {
	r.obsolete.Store(true)
}

func (r *Reader) readFooter() error {
	st, err := r.file.Stat()
	if err != nil {
		return err
	}
	if st.Size() < FooterLen {
		return fmt.Errorf("segment: %s: file shorter than footer", r.path)
	}

	footer := make([]byte, FooterLen)
	if _, err := r.file.ReadAt(footer, st.Size()-FooterLen); err != nil {
		return err
	}
	if !bytes.Equal(footer[FooterLen-magicLen:], magic) {
		return fmt.Errorf("segment: %s: bad magic", r.path)
	}
	version := binary.LittleEndian.Uint32(footer[handleMaxLen+8:])
	if version != FormatVersion {
		return fmt.Errorf("segment: %s: unsupported format version %d", r.path, version)
	}
	r.numEntries = binary.LittleEndian.Uint64(footer[handleMaxLen:])

	indexHandle, n := decodeHandle(footer)
	if n <= 0 {
		return fmt.Errorf("segment: %s: bad index handle", r.path)
	}

	indexData, err := r.readBlock(indexHandle)
	if err != nil {
		return fmt.Errorf("segment: %s: index block: %w", r.path, err)
	}
	it := newBlockIter(indexData)
	for it.next() {
		h, m := decodeHandle(it.val)
		if m <= 0 {
			return fmt.Errorf("segment: %s: bad index entry", r.path)
		}
		r.index = append(r.index, indexEntry{firstKey: it.key.Clone(), handle: h})
	}
	return it.err
}

// readBlock reads, CRC-checks and decompresses one block.
func (r *Reader) readBlock(h Handle) ([]byte, error) {
	if h.Size < BlockTrailerLen {
		return nil, fmt.Errorf("block handle smaller than trailer")
	}
	raw := bufferpool.GetBuffer(int(h.Size))
	defer bufferpool.PutBuffer(raw)

	if _, err := r.file.ReadAt(raw, int64(h.Offset)); err != nil {
		return nil, err
	}

	payloadEnd := len(raw) - BlockTrailerLen
	tag := raw[payloadEnd]
	want := binary.LittleEndian.Uint32(raw[payloadEnd+1:])
	if crc32.Checksum(raw[:payloadEnd+1], blockCRCTable) != want {
		return nil, fmt.Errorf("block checksum mismatch at offset %d", h.Offset)
	}
	return compression.DecompressBlock(nil, raw[:payloadEnd], tag)
}

// findBlock returns the position of the last index entry whose first
// key is <= target, which is the only block that can contain target.
func (r *Reader) findBlock(target keys.EncodedKey) int {
	i := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].firstKey.Compare(target) > 0
	})
	return i - 1
}

// Get returns the newest entry for the query's user key, or nil, nil
// when this segment has none.
func (r *Reader) Get(query keys.EncodedKey) (keys.EncodedKey, []byte, error) {
	blockPos := r.findBlock(query)
	if blockPos < 0 {
		blockPos = 0
	}
	// The first entry >= query may sit at the start of the following
	// block when query falls past the end of its candidate block.
	for ; blockPos < len(r.index); blockPos++ {
		data, err := r.readBlock(r.index[blockPos].handle)
		if err != nil {
			return nil, nil, err
		}
		it := newBlockIter(data)
		if it.seek(query) {
			if it.key.UserKey().Compare(query.UserKey()) != 0 {
				return nil, nil, nil
			}
			key := it.key.Clone()
			val := make([]byte, len(it.val))
			copy(val, it.val)
			return key, val, nil
		}
		if it.err != nil {
			return nil, nil, it.err
		}
	}
	return nil, nil, nil
}

// Iterator walks a segment in key order, loading one block at a time.
type Iterator struct {
	r        *Reader
	bounds   *keys.Range
	blockPos int
	block    *blockIter
	valid    bool
	err      error
}

// NewIterator returns an iterator over the whole segment.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, blockPos: -1}
}

// NewIteratorWithBounds clamps iteration to bounds.
func (r *Reader) NewIteratorWithBounds(bounds *keys.Range) *Iterator {
	return &Iterator{r: r, bounds: bounds, blockPos: -1}
}

func (it *Iterator) loadBlock(pos int) bool {
	if pos < 0 || pos >= len(it.r.index) {
		it.block = nil
		return false
	}
	data, err := it.r.readBlock(it.r.index[pos].handle)
	if err != nil {
		it.err = err
		it.block = nil
		return false
	}
	it.blockPos = pos
	it.block = newBlockIter(data)
	return true
}

// checkBounds invalidates the iterator once the current key crosses
// the upper bound.
func (it *Iterator) checkBounds() {
	if !it.valid || it.bounds == nil || it.bounds.Limit == nil {
		return
	}
	if it.block.key.Compare(it.bounds.Limit) >= 0 {
		it.valid = false
	}
}

// SeekToFirst positions at the segment's first entry, or the lower
// bound when set.
func (it *Iterator) SeekToFirst() {
	it.err = nil
	if it.bounds != nil && it.bounds.Start != nil {
		it.Seek(it.bounds.Start)
		return
	}
	it.valid = it.loadBlock(0) && it.block.next()
	if it.block != nil && it.block.err != nil {
		it.err = it.block.err
		it.valid = false
	}
	it.checkBounds()
}

// Seek positions at the first entry >= target.
func (it *Iterator) Seek(target keys.EncodedKey) {
	it.err = nil
	if it.bounds != nil && it.bounds.Start != nil && target.Compare(it.bounds.Start) < 0 {
		target = it.bounds.Start
	}

	pos := it.r.findBlock(target)
	if pos < 0 {
		pos = 0
	}
	for ; pos < len(it.r.index); pos++ {
		if !it.loadBlock(pos) {
			it.valid = false
			return
		}
		if it.block.seek(target) {
			it.valid = true
			it.checkBounds()
			return
		}
		if it.block.err != nil {
			it.err = it.block.err
			it.valid = false
			return
		}
	}
	it.valid = false
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.valid && it.err == nil
}

// Next advances to the following entry, crossing block boundaries.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	if it.block.next() {
		it.checkBounds()
		return
	}
	if it.block.err != nil {
		it.err = it.block.err
		it.valid = false
		return
	}
	if !it.loadBlock(it.blockPos+1) || !it.block.next() {
		it.valid = false
		return
	}
	it.checkBounds()
}

// Key returns the current encoded key.
func (it *Iterator) Key() keys.EncodedKey {
	if !it.Valid() {
		return nil
	}
	return it.block.key
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.block.val
}

// Error returns the first error hit during iteration.
func (it *Iterator) Error() error {
	return it.err
}

// Close releases nothing; the segment is pinned by its refcount.
func (it *Iterator) Close() error {
	return nil
}
