package stun

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/treemana/iplookup/util"
)

const (
	FamilyIPv4 byte = 0x01
	FamilyIPv6 byte = 0x02
)

// Extract returns the mapped address of m. XOR-MAPPED-ADDRESS is
// preferred over MAPPED-ADDRESS; id is the key for IPv6 XOR addresses.
func Extract(m *Message, id TransactionID) (netip.AddrPort, error) {
	for _, t := range []AttributeType{AttrXORMappedAddress, AttrXORMappedAddress2} {
		if a, ok := m.Get(t); ok {
			return decodeAddress(a, id, true)
		}
	}

	if a, ok := m.Get(AttrMappedAddress); ok {
		return decodeAddress(a, id, false)
	}

	return netip.AddrPort{}, ErrNoAddressAttribute
}

//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|0 0 0 0 0 0 0 0|    Family     |           Port                |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                 Address (32 bits or 128 bits)                 |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
func decodeAddress(a Attribute, id TransactionID, xored bool) (netip.AddrPort, error) {
	port, ok := util.Uint16(a.Value, 2)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %s is %d bytes", ErrTruncatedAttribute, a.Type, len(a.Value))
	}

	var width int
	switch family := a.Value[1]; family {
	case FamilyIPv4:
		width = 4
	case FamilyIPv6:
		width = 16
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: 0x%02x in %s", ErrUnsupportedFamily, family, a.Type)
	}

	raw, ok := util.Slice(a.Value, 4, width)
	if !ok || len(a.Value) != 4+width {
		return netip.AddrPort{}, fmt.Errorf("%w: %s is %d bytes, want %d", ErrTruncatedAttribute, a.Type, len(a.Value), 4+width)
	}

	if xored {
		port ^= uint16(MagicCookie >> 16)
		raw = XORAddress(raw, id)
	}

	addr, _ := netip.AddrFromSlice(raw)
	return netip.AddrPortFrom(addr, port), nil
}

// XORAddress applies the XOR-MAPPED-ADDRESS transform to a 4 or 16 byte
// address: the magic cookie followed by the transaction id is the key.
// Applying it twice returns the input.
func XORAddress(raw []byte, id TransactionID) []byte {
	var key [4 + TransactionIDSize]byte
	binary.BigEndian.PutUint32(key[:4], MagicCookie)
	copy(key[4:], id[:])
	return util.XOR(raw, key[:])
}

// NewMappedAddress builds a MAPPED-ADDRESS attribute for ap.
func NewMappedAddress(ap netip.AddrPort) Attribute {
	return Attribute{Type: AttrMappedAddress, Value: encodeAddress(ap.Addr().Unmap(), ap.Port())}
}

// NewXORMappedAddress builds a XOR-MAPPED-ADDRESS attribute for ap.
func NewXORMappedAddress(ap netip.AddrPort, id TransactionID) Attribute {
	addr := ap.Addr().Unmap()
	value := encodeAddress(addr, ap.Port()^uint16(MagicCookie>>16))
	copy(value[4:], XORAddress(addr.AsSlice(), id))
	return Attribute{Type: AttrXORMappedAddress, Value: value}
}

func encodeAddress(addr netip.Addr, port uint16) []byte {
	ip := addr.AsSlice()
	value := make([]byte, 4+len(ip))
	if addr.Is4() {
		value[1] = FamilyIPv4
	} else {
		value[1] = FamilyIPv6
	}
	binary.BigEndian.PutUint16(value[2:4], port)
	copy(value[4:], ip)
	return value
}
