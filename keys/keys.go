// Package keys defines the internal key encoding shared by the log,
// the memtable and the segment files. An encoded key is the user key
// followed by an 8-byte footer packing a 56-bit sequence number and an
// 8-bit kind. Ordering is user key ascending, then sequence descending,
// so the newest version of a key sorts first.
package keys

import (
	"bytes"
	"encoding/binary"
)

// UserKey is a caller-provided key, raw bytes with no footer.
type UserKey []byte

// Compare compares two user keys bytewise.
func (uk UserKey) Compare(other UserKey) int {
	return bytes.Compare(uk, other)
}

// CompareToEncoded compares this user key against the user-key portion
// of an encoded key.
func (uk UserKey) CompareToEncoded(ek []byte) int {
	if len(ek) < FooterLen {
		return bytes.Compare(uk, ek)
	}
	return bytes.Compare(uk, ek[:len(ek)-FooterLen])
}

func (uk UserKey) String() string {
	return string(uk)
}

// Kind tags what an entry represents.
type Kind uint8

const (
	// KindSet is a live key-value entry.
	KindSet Kind = 1

	// KindDelete is a tombstone.
	KindDelete Kind = 2

	// KindSeek is used only for query keys. It sorts after the other
	// kinds at equal sequence so a seek lands on the first real entry.
	KindSeek Kind = 4

	// FooterLen is the fixed byte length of the packed (seq, kind)
	// footer at the end of every encoded key.
	FooterLen = 8

	// MaxSequence is the largest usable sequence number. The kind
	// occupies the low byte of the footer, leaving 56 bits.
	MaxSequence = (uint64(1) << 56) - 1
)

// Limits on user-supplied data. Values may be empty, keys may not.
const (
	MaxKeyLen   = 1 << 20 // 1MB
	MaxValueLen = 1 << 30 // 1GB
)

// IsValidUserKey reports whether a user key is usable.
func IsValidUserKey(key UserKey) bool {
	return len(key) > 0 && len(key) <= MaxKeyLen
}

// IsValidValue reports whether a value is usable.
func IsValidValue(value []byte) bool {
	return len(value) <= MaxValueLen
}

// Range bounds an iteration. Start is inclusive, Limit exclusive, nil
// means unbounded on that side.
type Range struct {
	Start EncodedKey
	Limit EncodedKey
}

// NewRange encodes user-key bounds into seekable encoded keys.
func NewRange(start, limit UserKey) *Range {
	r := &Range{}
	if start != nil {
		r.Start = NewEncodedKey(start, MaxSequence, KindSeek)
	}
	if limit != nil {
		r.Limit = NewEncodedKey(limit, MaxSequence, KindSeek)
	}
	return r
}

// EncodedKey is a user key plus the packed footer.
type EncodedKey []byte

// NewEncodedKey builds an encoded key from its parts.
func NewEncodedKey(key []byte, seq uint64, kind Kind) EncodedKey {
	b := make([]byte, len(key)+FooterLen)
	copy(b, key)
	binary.LittleEndian.PutUint64(b[len(key):], seq<<8|uint64(kind))
	return b
}

// NewQueryKey builds the encoded key that sorts at or before every
// version of userKey, for point lookups and seeks.
func NewQueryKey(userKey []byte) EncodedKey {
	return NewEncodedKey(userKey, MaxSequence, KindSeek)
}

// Encode writes key and footer into ek, which must be exactly
// len(key)+FooterLen bytes.
func (ek EncodedKey) Encode(key []byte, seq uint64, kind Kind) {
	copy(ek, key)
	binary.LittleEndian.PutUint64(ek[len(key):], seq<<8|uint64(kind))
}

// UserKey returns the user-key portion without copying.
func (ek EncodedKey) UserKey() UserKey {
	return UserKey(ek[:len(ek)-FooterLen])
}

// Seq returns the sequence number from the footer.
func (ek EncodedKey) Seq() uint64 {
	return binary.LittleEndian.Uint64(ek[len(ek)-FooterLen:]) >> 8
}

// Kind returns the entry kind from the footer.
func (ek EncodedKey) Kind() Kind {
	return Kind(binary.LittleEndian.Uint64(ek[len(ek)-FooterLen:]) & 0xff)
}

// Compare orders encoded keys by user key ascending, then sequence
// descending, then kind ascending.
func (ek EncodedKey) Compare(o EncodedKey) int {
	if c := bytes.Compare(ek.UserKey(), o.UserKey()); c != 0 {
		return c
	}
	es, os := ek.Seq(), o.Seq()
	if es > os {
		return -1
	}
	if es < os {
		return 1
	}
	ekind, okind := ek.Kind(), o.Kind()
	if ekind < okind {
		return -1
	}
	if ekind > okind {
		return 1
	}
	return 0
}

// Clone returns a copy safe to retain after the source buffer is reused.
func (ek EncodedKey) Clone() EncodedKey {
	c := make(EncodedKey, len(ek))
	copy(c, ek)
	return c
}
