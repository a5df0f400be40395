// Package segment reads and writes the immutable sorted files produced
// by flushes and compactions. A file is a run of data blocks, one
// sparse-index block mapping each data block's first key to its
// location, and a fixed-size footer:
//
//	[data block]...[index block][footer]
//
// Every block carries a trailer of one compression tag byte and a
// CRC32 over the stored payload plus the tag. The footer holds the
// index block handle, the entry count, the format version and the
// magic bytes.
package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// FormatVersion is bumped on any incompatible layout change.
	FormatVersion = 1

	// BlockTrailerLen is the compression tag plus CRC32.
	BlockTrailerLen = 5

	// handleMaxLen bounds an encoded block handle (two uvarints).
	handleMaxLen = 2 * binary.MaxVarintLen64

	// FooterLen is the fixed footer size: padded index handle, entry
	// count, version, magic.
	FooterLen = handleMaxLen + 8 + 4 + magicLen

	magicLen = 8
)

// magic marks the tail of every segment file.
var magic = []byte{'s', 'e', 'q', 'k', 'v', 's', 'e', 'g'}

var blockCRCTable = crc32.MakeTable(0xEDB88320)

// FileName returns the on-disk name for a segment: generation first so
// a directory listing groups files by age.
func FileName(generation, id uint64) string {
	return fmt.Sprintf("%06d-%06d.seg", generation, id)
}

// ParseFileName extracts generation and id from a segment file name.
func ParseFileName(name string) (generation, id uint64, ok bool) {
	n, err := fmt.Sscanf(name, "%06d-%06d.seg", &generation, &id)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	return generation, id, true
}

// Handle locates a block within the file. Size includes the trailer.
type Handle struct {
	Offset uint64
	Size   uint64
}

func encodeHandle(h Handle) []byte {
	buf := make([]byte, handleMaxLen)
	n := binary.PutUvarint(buf, h.Offset)
	n += binary.PutUvarint(buf[n:], h.Size)
	return buf[:n]
}

func decodeHandle(data []byte) (Handle, int) {
	offset, n := binary.Uvarint(data)
	if n <= 0 {
		return Handle{}, 0
	}
	size, m := binary.Uvarint(data[n:])
	if m <= 0 {
		return Handle{}, 0
	}
	return Handle{Offset: offset, Size: size}, n + m
}
