package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdLevel maps to the encoder speed/ratio presets.
type ZstdLevel int

const (
	ZstdFastest ZstdLevel = 1
	ZstdDefault ZstdLevel = 3
	ZstdBetter  ZstdLevel = 6
	ZstdBest    ZstdLevel = 9
)

// zstdCompressor pools encoder and decoder instances. Zstd encoders
// carry significant per-instance memory, so they are shared rather
// than created per block.
type zstdCompressor struct {
	minReductionPercent uint8

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewZstdCompressor builds a Zstd compressor at the given level with
// the given reduction cutoff.
func NewZstdCompressor(minReductionPercent uint8, level ZstdLevel) Compressor {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case ZstdFastest:
		encoderLevel = zstd.SpeedFastest
	case ZstdBetter:
		encoderLevel = zstd.SpeedBetterCompression
	case ZstdBest:
		encoderLevel = zstd.SpeedBestCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	c := &zstdCompressor{minReductionPercent: minReductionPercent}
	c.encoderPool = sync.Pool{
		New: func() any {
			// Low-memory mode and a 1MB window keep pooled encoders
			// cheap. Blocks are far smaller than the default 8MB window.
			enc, err := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(encoderLevel),
				zstd.WithLowerEncoderMem(true),
				zstd.WithWindowSize(1<<20),
			)
			if err != nil {
				panic(fmt.Sprintf("zstd encoder init: %v", err))
			}
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				panic(fmt.Sprintf("zstd decoder init: %v", err))
			}
			return dec
		},
	}
	return c
}

func (c *zstdCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)

	compressed := enc.EncodeAll(src, dst[:0])
	if !meetsCutoff(len(src), len(compressed), c.minReductionPercent) {
		return copyRaw(dst, src), false, nil
	}
	return compressed, true, nil
}

func (c *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)

	out, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

func (c *zstdCompressor) Type() Type {
	return Zstd
}

// DecompressZstd decodes a Zstd block directly, for readers that
// already know the trailer tag.
func DecompressZstd(dst, src []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder init: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
