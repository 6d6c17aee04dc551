package util

import "encoding/binary"

// Uint16 reads a big-endian uint16 at off.
// ok is false when b does not hold two bytes at off.
func Uint16(b []byte, off int) (v uint16, ok bool) {
	if off < 0 || off+2 > len(b) {
		return 0, false
	}
	return binary.BigEndian.Uint16(b[off:]), true
}

// Uint32 reads a big-endian uint32 at off.
func Uint32(b []byte, off int) (v uint32, ok bool) {
	if off < 0 || off+4 > len(b) {
		return 0, false
	}
	return binary.BigEndian.Uint32(b[off:]), true
}

// Slice returns b[off:off+n] without copying, or false when out of range.
func Slice(b []byte, off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off+n > len(b) {
		return nil, false
	}
	return b[off : off+n], true
}

// XOR writes src[i] ^ key[i] into a new slice.
// key must be at least as long as src, extra key bytes are ignored.
func XOR(src, key []byte) []byte {
	if len(key) < len(src) {
		return nil
	}
	dst := make([]byte, len(src))
	for i := range src {
		dst[i] = src[i] ^ key[i]
	}
	return dst
}

// Pad4 rounds n up to the next multiple of four.
func Pad4(n int) int {
	return (n + 3) &^ 3
}
