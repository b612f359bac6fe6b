package tree

import (
	"encoding/binary"
	"math"

	"github.com/dctree/dctree/dcerr"
)

// MaxKeyLen and MaxValueLen bound record payloads, per spec.md §4.5
// ("keys <= u16::MAX bytes; values <= u16::MAX bytes").
const (
	MaxKeyLen   = math.MaxUint16
	MaxValueLen = math.MaxUint16
)

// recFlag is the per-record reserved flag byte from spec.md §3.4's
// record layout. dctree does not use it today; it travels on disk as
// zero, the same way the page header's checksum and LSN slots do.
const recFlag = 0

// EncodeLeaf packs a leaf record: flag:1 | key_len:2 | key | value_len:2 | value.
// A high-key slot is the same encoding with a nil/empty value.
func EncodeLeaf(key, value []byte) []byte {
	buf := make([]byte, 1+2+len(key)+2+len(value))
	buf[0] = recFlag
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(key)))
	off := 3
	off += copy(buf[off:], key)
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(value)))
	off += 2
	copy(buf[off:], value)
	return buf
}

// DecodeLeaf unpacks a leaf record. The returned slices alias rec.
func DecodeLeaf(rec []byte) (key, value []byte, err error) {
	if len(rec) < 3 {
		return nil, nil, dcerr.Corrupt("leaf record shorter than header")
	}
	keyLen := int(binary.LittleEndian.Uint16(rec[1:3]))
	off := 3
	if off+keyLen+2 > len(rec) {
		return nil, nil, dcerr.Corrupt("leaf record key_len out of bounds")
	}
	key = rec[off : off+keyLen]
	off += keyLen
	valLen := int(binary.LittleEndian.Uint16(rec[off : off+2]))
	off += 2
	if off+valLen != len(rec) {
		return nil, nil, dcerr.Corrupt("leaf record value_len mismatch")
	}
	value = rec[off : off+valLen]
	return key, value, nil
}

// EncodeInternal packs an internal record: flag:1 | key_len:2 | key | pid:4.
// The -inf downlink slot uses a nil/empty key.
func EncodeInternal(key []byte, pid uint32) []byte {
	buf := make([]byte, 1+2+len(key)+4)
	buf[0] = recFlag
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(key)))
	off := 3
	off += copy(buf[off:], key)
	binary.LittleEndian.PutUint32(buf[off:off+4], pid)
	return buf
}

// DecodeInternal unpacks an internal record. key is nil for a -inf
// downlink slot (key_len == 0); the returned key slice aliases rec.
func DecodeInternal(rec []byte) (key []byte, pid uint32, err error) {
	if len(rec) < 3 {
		return nil, 0, dcerr.Corrupt("internal record shorter than header")
	}
	keyLen := int(binary.LittleEndian.Uint16(rec[1:3]))
	off := 3
	if off+keyLen+4 != len(rec) {
		return nil, 0, dcerr.Corrupt("internal record key_len/pid out of bounds")
	}
	if keyLen > 0 {
		key = rec[off : off+keyLen]
	}
	off += keyLen
	pid = binary.LittleEndian.Uint32(rec[off : off+4])
	return key, pid, nil
}
