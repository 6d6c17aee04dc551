package stun

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/treemana/iplookup/util"
)

const fingerprintXOR uint32 = 0x5354554e

// fingerprint computes FINGERPRINT over b[:off] as if the header length
// ended right after a FINGERPRINT attribute placed at off.
func fingerprint(b []byte, off int) uint32 {
	var hdr [4]byte
	copy(hdr[:2], b[:2])
	binary.BigEndian.PutUint16(hdr[2:], uint16(off+attributeHeaderSize+4-HeaderSize))

	h := crc32.NewIEEE()
	_, _ = h.Write(hdr[:])
	_, _ = h.Write(b[4:off])
	return h.Sum32() ^ fingerprintXOR
}

func checkFingerprint(b []byte, off int, value []byte) error {
	got, ok := util.Uint32(value, 0)
	if !ok || len(value) != 4 {
		return malformed("FINGERPRINT length %d", len(value))
	}
	if want := fingerprint(b, off); got != want {
		return malformed("FINGERPRINT 0x%08x, computed 0x%08x", got, want)
	}
	return nil
}

// AppendFingerprint appends a FINGERPRINT attribute to an encoded message
// and fixes up its length field.
func AppendFingerprint(raw []byte) ([]byte, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("append fingerprint: %w", ErrMalformedFrame)
	}
	off := len(raw)
	out := make([]byte, off, off+attributeHeaderSize+4)
	copy(out, raw)
	binary.BigEndian.PutUint16(out[2:4], uint16(off+attributeHeaderSize+4-HeaderSize))

	crc := fingerprint(out, off)
	out = binary.BigEndian.AppendUint16(out, uint16(AttrFingerprint))
	out = binary.BigEndian.AppendUint16(out, 4)
	out = binary.BigEndian.AppendUint32(out, crc)
	return out, nil
}

// ErrorCode is the decoded ERROR-CODE attribute of an error response.
type ErrorCode struct {
	Code   int
	Reason string
}

func (e *ErrorCode) String() string {
	return fmt.Sprintf("error %d %s", e.Code, e.Reason)
}

func parseErrorCode(v []byte) (*ErrorCode, bool) {
	if len(v) < 4 {
		return nil, false
	}
	return &ErrorCode{
		Code:   int(v[2]&0x07)*100 + int(v[3]),
		Reason: string(v[4:]),
	}, true
}
