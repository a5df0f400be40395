package seqkv

import "errors"

// Sentinel errors returned across the public API.
var (
	// ErrNotFound is returned by Get when no live entry exists for a
	// key. Deleted keys report this too.
	ErrNotFound = errors.New("key not found")

	// ErrCorruption is returned when a checksum or framing check fails
	// anywhere other than the tail of the active log.
	ErrCorruption = errors.New("data corruption detected")

	// ErrCapacity is returned when the frozen-buffer queue is full and
	// flushing cannot keep up. The write was not applied and may be
	// retried.
	ErrCapacity = errors.New("write buffers full")

	// ErrDBClosed is returned when operating on a closed store.
	ErrDBClosed = errors.New("store is closed")

	// ErrAlreadyOpen is returned when another process holds the
	// directory lock.
	ErrAlreadyOpen = errors.New("store is already open by another process")

	// ErrReadOnly is returned for writes against a read-only store.
	ErrReadOnly = errors.New("store is read-only")

	// ErrInvalidKey is returned for empty or oversized keys.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue is returned for oversized values.
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidRange is returned when a scan's start key is not below
	// its end key.
	ErrInvalidRange = errors.New("invalid range")
)

// Configuration validation errors.
var (
	ErrInvalidPath            = errors.New("invalid store path")
	ErrInvalidWriteBufferSize = errors.New("invalid write buffer size")
	ErrInvalidMaxFrozen       = errors.New("invalid frozen memtable limit")
	ErrInvalidBlockSize       = errors.New("invalid block size")
	ErrInvalidTierFanout      = errors.New("invalid tier fanout")
)
