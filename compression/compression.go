// Package compression provides the pluggable byte transform applied to
// segment data blocks. Each block records the transform that produced
// it in a one-byte trailer tag, so readers never depend on store-wide
// configuration to decode a block.
package compression

import "fmt"

// Type identifies a compression algorithm.
type Type uint8

const (
	// None stores blocks as-is.
	None Type = iota

	// Snappy favors speed over ratio.
	Snappy

	// Zstd favors ratio over speed.
	Zstd

	// S2 is faster than Snappy at similar or better ratios.
	S2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	default:
		return "unknown"
	}
}

// Config selects an algorithm and its effectiveness cutoff.
type Config struct {
	Type Type

	// MinReductionPercent is the smallest size reduction worth keeping.
	// Blocks that compress by less than this are stored raw, so a
	// reader never pays decompression cost for negligible savings.
	MinReductionPercent uint8

	// ZstdLevel applies only when Type is Zstd.
	ZstdLevel ZstdLevel
}

// DefaultConfig compresses with Snappy at a 12% cutoff.
func DefaultConfig() Config {
	return Config{Type: Snappy, MinReductionPercent: 12, ZstdLevel: ZstdDefault}
}

// NoCompressionConfig disables the transform entirely.
func NoCompressionConfig() Config {
	return Config{Type: None}
}

// S2Config trades a little CPU for better ratios than Snappy.
func S2Config() Config {
	return Config{Type: S2, MinReductionPercent: 12}
}

// ZstdConfig uses the balanced Zstd level. Higher levels cost
// dramatically more encoder memory for modest gains.
func ZstdConfig() Config {
	return Config{Type: Zstd, MinReductionPercent: 8, ZstdLevel: ZstdDefault}
}

// Compressor is the byte transform contract. Implementations must be
// safe for concurrent use.
type Compressor interface {
	// Compress writes the transformed src into dst and reports whether
	// the transform was applied. Implementations return src copied
	// into dst when the reduction cutoff is not met.
	Compress(dst, src []byte) ([]byte, bool, error)

	// Decompress reverses Compress.
	Decompress(dst, src []byte) ([]byte, error)

	// Type identifies the algorithm.
	Type() Type
}

// NewCompressor builds a compressor from config.
func NewCompressor(config Config) (Compressor, error) {
	switch config.Type {
	case None:
		return &noneCompressor{}, nil
	case Snappy:
		return NewSnappyCompressor(config.MinReductionPercent), nil
	case Zstd:
		return NewZstdCompressor(config.MinReductionPercent, config.ZstdLevel), nil
	case S2:
		return NewS2Compressor(config.MinReductionPercent), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", config.Type)
	}
}

type noneCompressor struct{}

func (c *noneCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	} else {
		dst = dst[:len(src)]
	}
	copy(dst, src)
	return dst, false, nil
}

func (c *noneCompressor) Decompress(dst, src []byte) ([]byte, error) {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	} else {
		dst = dst[:len(src)]
	}
	copy(dst, src)
	return dst, nil
}

func (c *noneCompressor) Type() Type {
	return None
}

// Block trailer tags. These are on-disk values and must not change.
const (
	BlockNone   = 0
	BlockSnappy = 1
	BlockZstd   = 2
	BlockS2     = 3
)

// minCompressSize skips the transform for blocks too small to benefit.
const minCompressSize = 1024

// CompressBlock transforms one data block and returns the trailer tag
// describing what was applied.
func CompressBlock(compressor Compressor, dst, src []byte) ([]byte, uint8, error) {
	if len(src) < minCompressSize {
		if cap(dst) < len(src) {
			dst = make([]byte, len(src))
		} else {
			dst = dst[:len(src)]
		}
		copy(dst, src)
		return dst, BlockNone, nil
	}

	compressed, applied, err := compressor.Compress(dst, src)
	if err != nil {
		return nil, 0, err
	}
	if !applied {
		return compressed, BlockNone, nil
	}

	switch compressor.Type() {
	case Snappy:
		return compressed, BlockSnappy, nil
	case Zstd:
		return compressed, BlockZstd, nil
	case S2:
		return compressed, BlockS2, nil
	default:
		return compressed, BlockNone, nil
	}
}

// DecompressBlock reverses CompressBlock using the trailer tag.
func DecompressBlock(dst, src []byte, tag uint8) ([]byte, error) {
	switch tag {
	case BlockNone:
		if cap(dst) < len(src) {
			dst = make([]byte, len(src))
		} else {
			dst = dst[:len(src)]
		}
		copy(dst, src)
		return dst, nil
	case BlockSnappy:
		return DecompressSnappy(dst, src)
	case BlockZstd:
		return DecompressZstd(dst, src)
	case BlockS2:
		return DecompressS2(dst, src)
	default:
		return nil, fmt.Errorf("unknown block compression tag: %d", tag)
	}
}
