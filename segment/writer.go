package segment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/seqkv/seqkv/compression"
	"github.com/seqkv/seqkv/keys"
)

// WriterOpts configures a segment Writer.
type WriterOpts struct {
	Path        string
	Compression compression.Config
	BlockSize   int
	// BlockMinEntries keeps index granularity sane for large values.
	BlockMinEntries int
}

// Writer streams sorted entries into a new segment file. Keys must
// arrive in strictly increasing encoded order. The file is not usable
// until Finish and Close both return nil.
type Writer struct {
	file   *os.File
	writer *bufio.Writer
	path   string

	dataBlock *blockBuilder
	index     []indexEntry

	offset     uint64
	numEntries uint64
	tombstones uint64

	smallest keys.EncodedKey
	largest  keys.EncodedKey
	maxSeq   uint64

	compressor compression.Compressor
	closed     bool
}

type indexEntry struct {
	firstKey keys.EncodedKey
	handle   Handle
}

// NewWriter creates the segment file and its parent directory.
func NewWriter(opts WriterOpts) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, err
	}
	file, err := os.Create(opts.Path)
	if err != nil {
		return nil, err
	}
	compressor, err := compression.NewCompressor(opts.Compression)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("segment: compressor: %w", err)
	}
	return &Writer{
		file:       file,
		writer:     bufio.NewWriter(file),
		path:       opts.Path,
		dataBlock:  newBlockBuilder(opts.BlockSize, opts.BlockMinEntries),
		compressor: compressor,
	}, nil
}

// Add appends one entry. Tombstones are counted so compaction can
// estimate how much dead weight a segment carries.
func (w *Writer) Add(key keys.EncodedKey, value []byte) error {
	if w.closed {
		return fmt.Errorf("segment: writer closed")
	}
	if len(key) <= keys.FooterLen {
		return fmt.Errorf("segment: key too short to be encoded")
	}

	if w.numEntries == 0 {
		w.smallest = key.Clone()
	}
	w.largest = key.Clone()
	if s := key.Seq(); s > w.maxSeq {
		w.maxSeq = s
	}
	if key.Kind() == keys.KindDelete {
		w.tombstones++
	}

	w.dataBlock.add(key, value)
	w.numEntries++

	if w.dataBlock.full() {
		return w.flushDataBlock()
	}
	return nil
}

// writeBlock compresses raw, appends the trailer and writes the result.
// The CRC covers the stored payload and the compression tag, so a
// reader validates before decompressing.
func (w *Writer) writeBlock(raw []byte) (Handle, error) {
	payload, tag, err := compression.CompressBlock(w.compressor, nil, raw)
	if err != nil {
		return Handle{}, fmt.Errorf("segment: compress block: %w", err)
	}

	block := make([]byte, len(payload)+BlockTrailerLen)
	copy(block, payload)
	block[len(payload)] = tag
	crc := crc32.Checksum(block[:len(payload)+1], blockCRCTable)
	binary.LittleEndian.PutUint32(block[len(payload)+1:], crc)

	n, err := w.writer.Write(block)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{Offset: w.offset, Size: uint64(n)}
	w.offset += uint64(n)
	return h, nil
}

func (w *Writer) flushDataBlock() error {
	if w.dataBlock.empty() {
		return nil
	}
	firstKey := w.dataBlock.firstKey
	h, err := w.writeBlock(w.dataBlock.finish())
	if err != nil {
		return err
	}
	w.index = append(w.index, indexEntry{firstKey: firstKey, handle: h})
	w.dataBlock.reset()
	return nil
}

// Finish flushes the last data block, writes the index block and the
// footer, and fsyncs the file.
func (w *Writer) Finish() error {
	if w.closed {
		return nil
	}
	if err := w.flushDataBlock(); err != nil {
		return err
	}

	indexBuilder := newBlockBuilder(len(w.index)*32, 1)
	for _, e := range w.index {
		indexBuilder.add(e.firstKey, encodeHandle(e.handle))
	}
	indexHandle, err := w.writeBlock(indexBuilder.finish())
	if err != nil {
		return err
	}

	footer := make([]byte, FooterLen)
	copy(footer, encodeHandle(indexHandle))
	binary.LittleEndian.PutUint64(footer[handleMaxLen:], w.numEntries)
	binary.LittleEndian.PutUint32(footer[handleMaxLen+8:], FormatVersion)
	copy(footer[FooterLen-magicLen:], magic)

	if _, err := w.writer.Write(footer); err != nil {
		return err
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close closes the file and syncs the parent directory so the entry
// survives a crash.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return syncDir(filepath.Dir(w.path))
}

// Abort discards a partially written segment.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.file.Close()
	return os.Remove(w.path)
}

// EstimatedSize returns the bytes written plus pending block content.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(len(w.dataBlock.buf)) + FooterLen
}

// NumEntries returns the entries added so far.
func (w *Writer) NumEntries() uint64 { return w.numEntries }

// NumTombstones returns how many entries were tombstones.
func (w *Writer) NumTombstones() uint64 { return w.tombstones }

// Smallest returns the lowest key added.
func (w *Writer) Smallest() keys.EncodedKey { return w.smallest }

// Largest returns the highest key added.
func (w *Writer) Largest() keys.EncodedKey { return w.largest }

// MaxSeq returns the highest sequence number added.
func (w *Writer) MaxSeq() uint64 { return w.maxSeq }

// syncDir fsyncs a directory. Filesystems that reject directory sync
// return EINVAL, which is not a durability failure worth surfacing.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		if err == os.ErrInvalid {
			return nil
		}
		return err
	}
	return nil
}
