package seqkv

import (
	"log/slog"
	"os"
	"time"

	"github.com/seqkv/seqkv/compression"
)

const (
	KiB = 1024
	MiB = KiB * 1024
)

// Defaults. The write buffer bounds memory and sets the size of
// freshly flushed segments, which in turn seeds the compaction tiers.
var (
	DefaultWriteBufferSize          = 8 * MiB
	DefaultMaxFrozenMemtables       = 2
	DefaultBlockSize                = 16 * KiB
	DefaultBlockMinEntries          = 4
	DefaultTierFanout               = 4
	DefaultMaxManifestSize    int64 = 64 * MiB
	DefaultSyncInterval             = 500 * time.Millisecond
)

// Options configures an open store. Zero values fall back to defaults
// during Validate, except Path which is required.
type Options struct {
	// Path is the store directory. Created when CreateIfMissing is set.
	Path string

	// WriteBufferSize is the memtable size that triggers a rotation.
	WriteBufferSize int

	// MaxFrozenMemtables caps the queue of rotated memtables waiting
	// for flush. Writes get ErrCapacity once the cap is hit.
	MaxFrozenMemtables int

	// BlockSize is the target size of segment data blocks.
	BlockSize int

	// BlockMinEntries keeps blocks from degenerating to single entries
	// when values are large.
	BlockMinEntries int

	// TierFanout is how many similar-sized segments accumulate in a
	// size tier before the tier is merged into one output.
	TierFanout int

	// MaxManifestSize triggers a snapshot rewrite of the manifest.
	MaxManifestSize int64

	// Sync makes every write wait for the log fsync. Per-write
	// WriteOptions override it.
	Sync bool

	// SyncInterval bounds the loss window for unsynced writes by
	// periodically fsyncing the log in the background.
	SyncInterval time.Duration

	// BytesPerSync starts a background log sync after this many bytes,
	// smoothing I/O instead of letting the OS flush in bursts. Zero
	// disables it.
	BytesPerSync int

	// Compression is the byte transform applied to segment blocks.
	Compression compression.Config

	CreateIfMissing bool
	ErrorIfExists   bool
	ReadOnly        bool

	// Logger receives structured diagnostics from background work.
	Logger *slog.Logger
}

// DefaultOptions returns options suitable for most workloads.
func DefaultOptions() *Options {
	return &Options{
		WriteBufferSize:    DefaultWriteBufferSize,
		MaxFrozenMemtables: DefaultMaxFrozenMemtables,
		BlockSize:          DefaultBlockSize,
		BlockMinEntries:    DefaultBlockMinEntries,
		TierFanout:         DefaultTierFanout,
		MaxManifestSize:    DefaultMaxManifestSize,
		Sync:               true,
		SyncInterval:       DefaultSyncInterval,
		Compression:        compression.DefaultConfig(),
		CreateIfMissing:    true,
		Logger:             DefaultLogger(),
	}
}

// Validate checks the configuration and fills defaulted fields.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.WriteBufferSize < 0 {
		return ErrInvalidWriteBufferSize
	}
	if o.WriteBufferSize == 0 {
		o.WriteBufferSize = DefaultWriteBufferSize
	}
	if o.MaxFrozenMemtables < 0 {
		return ErrInvalidMaxFrozen
	}
	if o.MaxFrozenMemtables == 0 {
		o.MaxFrozenMemtables = DefaultMaxFrozenMemtables
	}
	if o.BlockSize < 0 {
		return ErrInvalidBlockSize
	}
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BlockMinEntries == 0 {
		o.BlockMinEntries = DefaultBlockMinEntries
	}
	if o.TierFanout < 0 || o.TierFanout == 1 {
		return ErrInvalidTierFanout
	}
	if o.TierFanout == 0 {
		o.TierFanout = DefaultTierFanout
	}
	if o.MaxManifestSize == 0 {
		o.MaxManifestSize = DefaultMaxManifestSize
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger()
	}
	return nil
}

// Clone returns a copy so callers can tweak options without affecting
// the original.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// DefaultLogger logs warnings and errors to stdout.
func DefaultLogger() *slog.Logger {
	return newLogger(slog.LevelWarn)
}

// DebugLogger logs everything. Useful in tests.
func DebugLogger() *slog.Logger {
	return newLogger(slog.LevelDebug)
}
