package compression

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

type s2Compressor struct {
	minReductionPercent uint8
}

// NewS2Compressor builds an S2 compressor with the given reduction
// cutoff.
func NewS2Compressor(minReductionPercent uint8) Compressor {
	return &s2Compressor{minReductionPercent: minReductionPercent}
}

func (c *s2Compressor) Compress(dst, src []byte) ([]byte, bool, error) {
	compressed := s2.Encode(dst, src)
	if !meetsCutoff(len(src), len(compressed), c.minReductionPercent) {
		return copyRaw(dst, src), false, nil
	}
	return compressed, true, nil
}

func (c *s2Compressor) Decompress(dst, src []byte) ([]byte, error) {
	return DecompressS2(dst, src)
}

func (c *s2Compressor) Type() Type {
	return S2
}

// DecompressS2 decodes an S2 block directly, for readers that already
// know the trailer tag.
func DecompressS2(dst, src []byte) ([]byte, error) {
	out, err := s2.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("s2 decompress: %w", err)
	}
	return out, nil
}
