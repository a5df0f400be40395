// Package wal implements the durable append-only log that makes writes
// crash-safe before they reach a segment file. Records are framed as
//
//	[u32 length][u64 seq][u8 flags][u32 keyLen][key][u32 valLen][value][u32 crc]
//
// where length counts every byte after itself and the trailing CRC32
// covers the bytes between length and CRC. The log owns sequence
// assignment: Append hands out the next sequence under the same lock
// that orders bytes in the file, so file order and sequence order can
// never disagree.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seqkv/seqkv/bufferpool"
	"github.com/seqkv/seqkv/keys"
)

const (
	// ActiveName is the file name of the log currently receiving
	// appends. Retired logs are renamed to a numbered name until the
	// flush that covers them is durable.
	ActiveName = "current.log"

	// lenSize is the u32 length prefix, not covered by the CRC.
	lenSize = 4

	// fixedPayload is seq + flags + keyLen + valLen.
	fixedPayload = 8 + 1 + 4 + 4

	// crcSize is the trailing checksum.
	crcSize = 4

	// MinRecordLen is the smallest legal value of the length prefix.
	MinRecordLen = fixedPayload + crcSize

	// MaxRecordLen bounds the length prefix so a corrupt length cannot
	// trigger a huge allocation. Keys cap at 1MB and values at 1GB.
	MaxRecordLen = MinRecordLen + keys.MaxKeyLen + keys.MaxValueLen
)

const flagTombstone = 1 << 0

var crcTable = crc32.MakeTable(0xEDB88320)

var (
	// ErrCorruptRecord indicates a record failed checksum or framing
	// validation.
	ErrCorruptRecord = errors.New("wal: corrupt record")

	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("wal: closed")
)

// RetiredName returns the file name a rotated log is renamed to.
func RetiredName(num uint64) string {
	return fmt.Sprintf("%06d.log", num)
}

// ParseRetiredName extracts the log number from a retired log file
// name.
func ParseRetiredName(name string) (num uint64, ok bool) {
	n, err := fmt.Sscanf(name, "%06d.log", &num)
	if err != nil || n != 1 {
		return 0, false
	}
	return num, true
}

// Record is one logical write carried by the log.
type Record struct {
	Seq   uint64
	Kind  keys.Kind
	Key   []byte
	Value []byte
}

// EncodedSize returns the full on-disk size of the record including
// the length prefix.
func (r *Record) EncodedSize() int {
	return lenSize + fixedPayload + len(r.Key) + len(r.Value) + crcSize
}

// Encode writes the record into buf, which must hold EncodedSize()
// bytes. It returns the number of bytes written.
func (r *Record) Encode(buf []byte) int {
	payload := fixedPayload + len(r.Key) + len(r.Value) + crcSize
	binary.LittleEndian.PutUint32(buf, uint32(payload))
	off := lenSize

	binary.LittleEndian.PutUint64(buf[off:], r.Seq)
	off += 8

	var flags byte
	if r.Kind == keys.KindDelete {
		flags |= flagTombstone
	}
	buf[off] = flags
	off++

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Key)))
	off += 4
	copy(buf[off:], r.Key)
	off += len(r.Key)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Value)))
	off += 4
	copy(buf[off:], r.Value)
	off += len(r.Value)

	crc := crc32.Checksum(buf[lenSize:off], crcTable)
	binary.LittleEndian.PutUint32(buf[off:], crc)
	return off + crcSize
}

// decode parses the payload bytes that follow the length prefix.
func (r *Record) decode(buf []byte) error {
	if len(buf) < MinRecordLen {
		return ErrCorruptRecord
	}
	body := buf[:len(buf)-crcSize]
	want := binary.LittleEndian.Uint32(buf[len(buf)-crcSize:])
	if crc32.Checksum(body, crcTable) != want {
		return ErrCorruptRecord
	}

	off := 0
	r.Seq = binary.LittleEndian.Uint64(body[off:])
	off += 8

	flags := body[off]
	off++
	if flags&flagTombstone != 0 {
		r.Kind = keys.KindDelete
	} else {
		r.Kind = keys.KindSet
	}

	keyLen := binary.LittleEndian.Uint32(body[off:])
	off += 4
	if uint64(off)+uint64(keyLen)+4 > uint64(len(body)) {
		return ErrCorruptRecord
	}
	r.Key = make([]byte, keyLen)
	copy(r.Key, body[off:off+int(keyLen)])
	off += int(keyLen)

	valLen := binary.LittleEndian.Uint32(body[off:])
	off += 4
	if uint64(off)+uint64(valLen) != uint64(len(body)) {
		return ErrCorruptRecord
	}
	if valLen > 0 {
		r.Value = make([]byte, valLen)
		copy(r.Value, body[off:])
	} else {
		r.Value = nil
	}
	return nil
}

// syncRequest is one caller waiting for a group commit.
type syncRequest struct {
	done chan error
}

// Opts configures a Log.
type Opts struct {
	// Dir is the log directory. The active file is Dir/current.log.
	Dir string

	// NextSeq is the first sequence number Append will hand out.
	NextSeq uint64

	// BytesPerSync triggers a background sync after this many bytes
	// are appended. Zero disables byte-triggered syncing.
	BytesPerSync int

	// AutoSyncInterval periodically syncs so low-throughput workloads
	// still bound their loss window. Zero disables the ticker.
	AutoSyncInterval time.Duration
}

// Log is the durable log writer. One exists per open store.
type Log struct {
	dir    string
	path   string
	file   *os.File
	writer *bufio.Writer

	mu      sync.Mutex
	closed  bool
	err     error // first write or sync failure; poisons the log
	nextSeq uint64

	bytesPerSync     int
	autoSyncInterval time.Duration

	totalBytes     int64
	bytesSinceSync int64

	syncQueue      syncQueue
	syncInProgress bool

	autoSyncTicker *time.Ticker
	autoSyncDone   chan struct{}
}

// Open opens or creates the active log file in opts.Dir.
func Open(opts Opts) (*Log, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(opts.Dir, ActiveName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	l := &Log{
		dir:              opts.Dir,
		path:             path,
		file:             file,
		writer:           bufio.NewWriter(file),
		nextSeq:          opts.NextSeq,
		bytesPerSync:     opts.BytesPerSync,
		autoSyncInterval: opts.AutoSyncInterval,
		totalBytes:       st.Size(),
		autoSyncDone:     make(chan struct{}),
	}
	if opts.AutoSyncInterval > 0 {
		l.autoSyncTicker = time.NewTicker(opts.AutoSyncInterval)
		go l.backgroundAutoSync()
	}
	return l, nil
}

// Path returns the active log file path.
func (l *Log) Path() string { return l.path }

// Size returns the total bytes appended to the active file.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalBytes
}

// NextSeq returns the sequence the next Append will receive.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Append assigns the next sequence number to the write and buffers the
// record. The record is not durable until a Sync covering it returns.
// A write failure poisons the log: every later Append returns the same
// error, so no record can be acknowledged after a lost one.
func (l *Log) Append(kind keys.Kind, key, value []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if l.err != nil {
		return 0, l.err
	}

	rec := Record{Seq: l.nextSeq, Kind: kind, Key: key, Value: value}
	size := rec.EncodedSize()
	buf := bufferpool.GetBuffer(size)
	defer bufferpool.PutBuffer(buf)

	n := rec.Encode(buf)
	if _, err := l.writer.Write(buf[:n]); err != nil {
		l.err = fmt.Errorf("wal: append: %w", err)
		return 0, l.err
	}

	l.nextSeq++
	l.totalBytes += int64(n)
	l.bytesSinceSync += int64(n)

	if l.bytesPerSync > 0 && l.bytesSinceSync >= int64(l.bytesPerSync) {
		go func() { _ = l.SyncAsync() }()
	}
	return rec.Seq, nil
}

// SyncAsync queues a sync request and returns a channel that receives
// the result. Concurrent requests share one fsync.
func (l *Log) SyncAsync() <-chan error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()
		done := make(chan error, 1)
		done <- ErrClosed
		return done
	}

	req := &syncRequest{done: make(chan error, 1)}
	l.syncQueue.put(req)

	if l.syncInProgress {
		l.mu.Unlock()
		return req.done
	}
	l.syncInProgress = true
	l.mu.Unlock()

	go l.processSyncQueue()
	return req.done
}

// Sync flushes buffered records and fsyncs the file, group-committing
// with any concurrent callers.
func (l *Log) Sync() error {
	return <-l.SyncAsync()
}

func (l *Log) processSyncQueue() {
	l.mu.Lock()

	if l.syncQueue.len() == 0 {
		l.syncInProgress = false
		l.mu.Unlock()
		return
	}

	err := l.doSync()

	for {
		req, ok := l.syncQueue.get()
		if !ok {
			break
		}
		req.done <- err
	}

	if l.syncQueue.len() > 0 {
		l.mu.Unlock()
		l.processSyncQueue()
	} else {
		l.syncInProgress = false
		l.mu.Unlock()
	}
}

// doSync flushes and fsyncs. Caller holds l.mu. A failure poisons the
// log the same way a write failure does.
func (l *Log) doSync() error {
	if l.err != nil {
		return l.err
	}
	if err := l.writer.Flush(); err != nil {
		l.err = fmt.Errorf("wal: flush: %w", err)
		return l.err
	}
	if err := l.file.Sync(); err != nil {
		l.err = fmt.Errorf("wal: sync: %w", err)
		return l.err
	}
	l.bytesSinceSync = 0
	if l.autoSyncTicker != nil {
		l.autoSyncTicker.Reset(l.autoSyncInterval)
	}
	return nil
}

func (l *Log) backgroundAutoSync() {
	for {
		select {
		case <-l.autoSyncTicker.C:
			_ = l.SyncAsync()
		case <-l.autoSyncDone:
			return
		}
	}
}

// Rotate syncs and closes the active file, renames it to the numbered
// retired name, and opens a fresh active file. Sequence numbering and
// the sync machinery carry over. The retired path is returned so the
// caller can delete it once the flush that covers it is durable.
func (l *Log) Rotate(retiredNum uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", ErrClosed
	}
	if err := l.doSync(); err != nil {
		return "", err
	}
	if err := l.file.Close(); err != nil {
		l.err = fmt.Errorf("wal: rotate close: %w", err)
		return "", l.err
	}

	retired := filepath.Join(l.dir, RetiredName(retiredNum))
	if err := os.Rename(l.path, retired); err != nil {
		l.err = fmt.Errorf("wal: rotate rename: %w", err)
		return "", l.err
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.err = fmt.Errorf("wal: rotate reopen: %w", err)
		return "", l.err
	}
	l.file = file
	l.writer = bufio.NewWriter(file)
	l.totalBytes = 0
	l.bytesSinceSync = 0
	return retired, nil
}

// Close syncs outstanding records and closes the file. Pending sync
// requests are failed with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.autoSyncTicker != nil {
		l.autoSyncTicker.Stop()
		close(l.autoSyncDone)
	}

	for {
		req, ok := l.syncQueue.get()
		if !ok {
			break
		}
		req.done <- ErrClosed
	}

	syncErr := l.doSync()
	if err := l.file.Close(); err != nil && syncErr == nil {
		return err
	}
	return syncErr
}

// Reader replays records from a log file.
type Reader struct {
	file   *os.File
	reader *bufio.Reader
	path   string
	offset int64 // end of the last fully validated record
}

// NewReader opens a log file for replay.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file:   file,
		reader: bufio.NewReader(file),
		path:   path,
	}, nil
}

// Path returns the file being read.
func (r *Reader) Path() string { return r.path }

// Offset returns the byte offset just past the last record that
// decoded cleanly. Recovery truncates the file here when the tail is
// torn or corrupt.
func (r *Reader) Offset() int64 { return r.offset }

// Next returns the next record. It returns io.EOF at a clean end,
// io.ErrUnexpectedEOF when the file ends mid-record, and
// ErrCorruptRecord when framing or the checksum is invalid.
func (r *Reader) Next() (*Record, error) {
	var lenBuf [lenSize]byte
	if _, err := io.ReadFull(r.reader, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	payload := binary.LittleEndian.Uint32(lenBuf[:])
	if payload < MinRecordLen || payload > MaxRecordLen {
		return nil, ErrCorruptRecord
	}

	buf := make([]byte, payload)
	if _, err := io.ReadFull(r.reader, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	rec := &Record{}
	if err := rec.decode(buf); err != nil {
		return nil, err
	}
	r.offset += int64(lenSize) + int64(payload)
	return rec, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
