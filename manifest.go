package seqkv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/seqkv/seqkv/keys"
)

// The manifest is a single append-only file of CRC'd records naming
// the live segment set and the newest log whose contents are fully
// captured in segments. Every edit is fsynced before the in-memory
// version advances, so the set of segments a recovering store trusts
// is exactly the set a crashed store had made durable.
const (
	manifestName    = "MANIFEST"
	manifestTmpName = "MANIFEST.tmp"

	// Record header: length + checksum + tag.
	manifestHeaderLen = 4 + 4 + 1

	// maxManifestRecordLen bounds one record at the largest possible
	// add-segment payload: six fixed fields plus two length-prefixed
	// keys at MaxKeyLen. A length beyond it cannot come from a writer,
	// so the reader rejects it before allocating.
	maxManifestRecordLen = manifestHeaderLen + 6*8 + 2*(4+keys.MaxKeyLen+keys.FooterLen)

	// Record tags. On-disk values, do not renumber.
	tagAddSegment    = 1
	tagRemoveSegment = 2
	tagLogNumber     = 3
)

var manifestCRCTable = crc32.MakeTable(0xEDB88320)

// manifestEdit is one atomic change to the segment set. A flush adds
// one segment and bumps the captured log number; a compaction adds one
// segment and removes its inputs.
type manifestEdit struct {
	added   []*SegmentMeta
	removed []uint64 // segment IDs

	// logNum, when set, records that every write in logs numbered <=
	// logNum now lives in a durable segment.
	logNum    uint64
	hasLogNum bool
}

func (e *manifestEdit) addSegment(meta *SegmentMeta) {
	e.added = append(e.added, meta)
}

func (e *manifestEdit) removeSegment(id uint64) {
	e.removed = append(e.removed, id)
}

func (e *manifestEdit) setLogNumber(n uint64) {
	e.logNum = n
	e.hasLogNum = true
}

// manifestWriter appends edits to the MANIFEST file.
type manifestWriter struct {
	mu     sync.Mutex
	dir    string
	path   string
	file   *os.File
	writer *bufio.Writer
	size   int64
	closed bool
}

func newManifestWriter(dir string) (*manifestWriter, error) {
	path := filepath.Join(dir, manifestName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &manifestWriter{
		dir:    dir,
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		size:   st.Size(),
	}, nil
}

// append encodes the edit as records and makes them durable before
// returning.
func (mw *manifestWriter) append(edit *manifestEdit) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.closed {
		return fmt.Errorf("manifest: writer closed")
	}
	if err := mw.writeEdit(edit); err != nil {
		return err
	}
	if err := mw.writer.Flush(); err != nil {
		return err
	}
	return mw.file.Sync()
}

func (mw *manifestWriter) writeEdit(edit *manifestEdit) error {
	for _, meta := range edit.added {
		if err := mw.writeRecord(tagAddSegment, encodeSegmentMeta(meta)); err != nil {
			return err
		}
	}
	for _, id := range edit.removed {
		var data [8]byte
		binary.LittleEndian.PutUint64(data[:], id)
		if err := mw.writeRecord(tagRemoveSegment, data[:]); err != nil {
			return err
		}
	}
	if edit.hasLogNum {
		var data [8]byte
		binary.LittleEndian.PutUint64(data[:], edit.logNum)
		if err := mw.writeRecord(tagLogNumber, data[:]); err != nil {
			return err
		}
	}
	return nil
}

func (mw *manifestWriter) writeRecord(tag uint8, data []byte) error {
	recordLen := manifestHeaderLen + len(data)
	buf := make([]byte, recordLen)
	binary.LittleEndian.PutUint32(buf, uint32(recordLen))
	buf[8] = tag
	copy(buf[manifestHeaderLen:], data)

	// CRC covers tag and data.
	crc := crc32.Checksum(buf[8:], manifestCRCTable)
	binary.LittleEndian.PutUint32(buf[4:8], crc)

	if _, err := mw.writer.Write(buf); err != nil {
		return err
	}
	mw.size += int64(recordLen)
	return nil
}

func (mw *manifestWriter) needsRewrite(maxSize int64) bool {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.size >= maxSize
}

// rewriteSnapshot replaces the manifest with a compact snapshot of the
// current state: one add record per live segment plus the captured log
// number. The new file is built beside the old one and swapped in with
// an atomic rename.
func (mw *manifestWriter) rewriteSnapshot(segments []*SegmentMeta, logNum uint64) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.closed {
		return fmt.Errorf("manifest: writer closed")
	}

	tmpPath := filepath.Join(mw.dir, manifestTmpName)
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	snapshot := &manifestWriter{
		dir:    mw.dir,
		path:   tmpPath,
		file:   tmp,
		writer: bufio.NewWriter(tmp),
	}
	edit := &manifestEdit{added: segments}
	edit.setLogNumber(logNum)
	if err := snapshot.writeEdit(edit); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := snapshot.writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Swap in the snapshot, then reopen for appending.
	if err := mw.writer.Flush(); err != nil {
		return err
	}
	if err := mw.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, mw.path); err != nil {
		return err
	}
	if err := syncManifestDir(mw.dir); err != nil {
		return err
	}

	file, err := os.OpenFile(mw.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	mw.file = file
	mw.writer = bufio.NewWriter(file)
	mw.size = st.Size()
	return nil
}

func (mw *manifestWriter) close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.closed {
		return nil
	}
	mw.closed = true
	if err := mw.writer.Flush(); err != nil {
		return err
	}
	return mw.file.Close()
}

// manifestState is the decoded result of a full manifest replay.
type manifestState struct {
	segments map[uint64]*SegmentMeta
	logNum   uint64

	// validSize is the offset past the last complete record. Bytes
	// beyond it are a torn append and must be cut before the writer
	// reopens the file, or the next append would land after garbage.
	validSize int64
}

// readManifest replays dir/MANIFEST. A missing manifest yields an
// empty state. An incomplete final record is a crash artifact of an
// interrupted append and stops replay cleanly; a checksum mismatch on
// a complete record is real corruption and fails recovery.
func readManifest(dir string) (*manifestState, error) {
	state := &manifestState{segments: make(map[uint64]*SegmentMeta)}

	path := filepath.Join(dir, manifestName)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		tag, data, err := readManifestRecord(reader)
		if err == io.EOF {
			return state, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return state, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: manifest: %v", ErrCorruption, err)
		}
		state.validSize += int64(manifestHeaderLen + len(data))

		switch tag {
		case tagAddSegment:
			meta, err := decodeSegmentMeta(data)
			if err != nil {
				return nil, fmt.Errorf("%w: manifest: %v", ErrCorruption, err)
			}
			state.segments[meta.ID] = meta
		case tagRemoveSegment:
			if len(data) != 8 {
				return nil, fmt.Errorf("%w: manifest: bad remove record", ErrCorruption)
			}
			delete(state.segments, binary.LittleEndian.Uint64(data))
		case tagLogNumber:
			if len(data) != 8 {
				return nil, fmt.Errorf("%w: manifest: bad log number record", ErrCorruption)
			}
			state.logNum = binary.LittleEndian.Uint64(data)
		default:
			return nil, fmt.Errorf("%w: manifest: unknown record tag %d", ErrCorruption, tag)
		}
	}
}

func readManifestRecord(reader *bufio.Reader) (uint8, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	recordLen := binary.LittleEndian.Uint32(lenBuf[:])
	if recordLen < manifestHeaderLen || recordLen > maxManifestRecordLen {
		return 0, nil, fmt.Errorf("record length %d out of range", recordLen)
	}

	buf := make([]byte, recordLen-4)
	if _, err := io.ReadFull(reader, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}

	want := binary.LittleEndian.Uint32(buf)
	if crc32.Checksum(buf[4:], manifestCRCTable) != want {
		return 0, nil, fmt.Errorf("record checksum mismatch")
	}
	return buf[4], buf[5:], nil
}

func encodeSegmentMeta(meta *SegmentMeta) []byte {
	var buf bytes.Buffer
	var u64 [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(u64[:], v)
		buf.Write(u64[:])
	}
	put(meta.Generation)
	put(meta.ID)
	put(meta.Size)
	put(meta.MaxSeq)
	put(meta.NumEntries)
	put(meta.NumTombstones)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(meta.Smallest)))
	buf.Write(u32[:])
	buf.Write(meta.Smallest)
	binary.LittleEndian.PutUint32(u32[:], uint32(len(meta.Largest)))
	buf.Write(u32[:])
	buf.Write(meta.Largest)
	return buf.Bytes()
}

func decodeSegmentMeta(data []byte) (*SegmentMeta, error) {
	const fixed = 6*8 + 4
	if len(data) < fixed {
		return nil, fmt.Errorf("segment record too short")
	}
	meta := &SegmentMeta{}
	off := 0
	next := func() uint64 {
		v := binary.LittleEndian.Uint64(data[off:])
		off += 8
		return v
	}
	meta.Generation = next()
	meta.ID = next()
	meta.Size = next()
	meta.MaxSeq = next()
	meta.NumEntries = next()
	meta.NumTombstones = next()

	smallestLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if off+smallestLen+4 > len(data) {
		return nil, fmt.Errorf("segment record truncated smallest key")
	}
	meta.Smallest = keys.EncodedKey(data[off : off+smallestLen]).Clone()
	off += smallestLen

	largestLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if off+largestLen != len(data) {
		return nil, fmt.Errorf("segment record truncated largest key")
	}
	meta.Largest = keys.EncodedKey(data[off : off+largestLen]).Clone()
	return meta, nil
}

// syncManifestDir fsyncs the store directory after a manifest rename.
func syncManifestDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil && err != os.ErrInvalid {
		return err
	}
	return nil
}
