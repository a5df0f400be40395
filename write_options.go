package seqkv

// WriteOptions controls a single write.
type WriteOptions struct {
	// Sync makes the write wait for the log fsync before returning.
	// Without it the write is readable immediately but survives a
	// crash only once a later sync covers it.
	Sync bool
}

// Predefined write options.
var (
	// Sync waits for durability on every write.
	Sync = &WriteOptions{Sync: true}

	// NoSync acknowledges as soon as the record is buffered in the log.
	NoSync = &WriteOptions{Sync: false}
)

// ReadOptions controls reads and scans. Reserved for future knobs; a
// nil ReadOptions is always valid.
type ReadOptions struct{}

// DefaultReadOptions returns the default read options.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{}
}
