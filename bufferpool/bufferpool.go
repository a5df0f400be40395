// Package bufferpool hands out reusable byte slices on the hot paths
// that encode log records and read segment blocks.
package bufferpool

import "sync"

const (
	smallSize = 4096
	largeSize = 32768
)

// Pool keeps two size classes of buffers. Requests above the large
// class fall through to plain allocation and never return to the pool.
type Pool struct {
	small sync.Pool
	large sync.Pool
}

// New creates a pool with the standard size classes.
func New() *Pool {
	return &Pool{
		small: sync.Pool{New: func() any { return make([]byte, 0, smallSize) }},
		large: sync.Pool{New: func() any { return make([]byte, 0, largeSize) }},
	}
}

// Get returns a slice of exactly size bytes, pooled when size fits a
// class.
func (p *Pool) Get(size int) []byte {
	var buf []byte
	switch {
	case size <= smallSize:
		buf = p.small.Get().([]byte)
	case size <= largeSize:
		buf = p.large.Get().([]byte)
	default:
		return make([]byte, size)
	}
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// Put returns a slice to its class. Slices whose capacity matches no
// class are dropped for the GC.
func (p *Pool) Put(buf []byte) {
	buf = buf[:0]
	switch cap(buf) {
	case smallSize:
		p.small.Put(buf)
	case largeSize:
		p.large.Put(buf)
	}
}

var global = New()

// GetBuffer returns a slice from the shared pool.
func GetBuffer(size int) []byte {
	return global.Get(size)
}

// PutBuffer returns a slice to the shared pool.
func PutBuffer(buf []byte) {
	global.Put(buf)
}
