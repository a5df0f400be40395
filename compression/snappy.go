package compression

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
)

type snappyCompressor struct {
	minReductionPercent uint8
}

// NewSnappyCompressor builds a Snappy compressor with the given
// reduction cutoff.
func NewSnappyCompressor(minReductionPercent uint8) Compressor {
	return &snappyCompressor{minReductionPercent: minReductionPercent}
}

func (c *snappyCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	compressed := snappy.Encode(dst, src)
	if !meetsCutoff(len(src), len(compressed), c.minReductionPercent) {
		return copyRaw(dst, src), false, nil
	}
	return compressed, true, nil
}

func (c *snappyCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return DecompressSnappy(dst, src)
}

func (c *snappyCompressor) Type() Type {
	return Snappy
}

// DecompressSnappy decodes a Snappy block directly, for readers that
// already know the trailer tag.
func DecompressSnappy(dst, src []byte) ([]byte, error) {
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return out, nil
}

// meetsCutoff reports whether the compressed size achieved at least the
// configured percentage reduction. A zero cutoff accepts any output.
func meetsCutoff(srcLen, compressedLen int, minReductionPercent uint8) bool {
	if minReductionPercent == 0 {
		return true
	}
	reduction := (srcLen - compressedLen) * 100 / srcLen
	return reduction >= int(minReductionPercent)
}

// copyRaw returns src copied into dst, growing dst if needed.
func copyRaw(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	} else {
		dst = dst[:len(src)]
	}
	copy(dst, src)
	return dst
}
