// Package stun encodes Binding Requests and decodes Binding Responses
// as defined by RFC 5389.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|0 0|     STUN Message Type     |         Message Length        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                         Magic Cookie                          |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                     Transaction ID (96 bits)                  |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
package stun

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/treemana/iplookup/util"
)

type MessageType uint16

const (
	TypeBindingRequest MessageType = 0x0001
	TypeBindingSuccess MessageType = 0x0101
	TypeBindingError   MessageType = 0x0111
)

type AttributeType uint16

const (
	AttrMappedAddress     AttributeType = 0x0001
	AttrErrorCode         AttributeType = 0x0009
	AttrXORMappedAddress  AttributeType = 0x0020
	AttrXORMappedAddress2 AttributeType = 0x8020 // pre-RFC 5389 code point, still sent by some servers
	AttrSoftware          AttributeType = 0x8022
	AttrFingerprint       AttributeType = 0x8028
)

const (
	MagicCookie       uint32 = 0x2112A442
	HeaderSize               = 20
	TransactionIDSize        = 12

	attributeHeaderSize = 4
)

// TransactionID correlates a response with its request.
type TransactionID [TransactionIDSize]byte

// NewTransactionID reads a fresh identifier from r.
func NewTransactionID(r io.Reader) (TransactionID, error) {
	var id TransactionID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, fmt.Errorf("generate transaction id: %w", err)
	}
	return id, nil
}

func (id TransactionID) String() string {
	return hex.EncodeToString(id[:])
}

type Attribute struct {
	Type  AttributeType
	Value []byte
}

// Message is a decoded STUN message. Attributes keep their wire order.
type Message struct {
	Type          MessageType
	TransactionID TransactionID
	Attributes    []Attribute
}

func NewBindingRequest(id TransactionID) *Message {
	return &Message{Type: TypeBindingRequest, TransactionID: id}
}

// EncodeBindingRequest returns the 20-byte Binding Request for id.
func EncodeBindingRequest(id TransactionID) []byte {
	return NewBindingRequest(id).Encode()
}

func (m *Message) Add(t AttributeType, value []byte) {
	m.Attributes = append(m.Attributes, Attribute{Type: t, Value: value})
}

// Get returns the first attribute of type t.
func (m *Message) Get(t AttributeType) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// Encode writes m in wire format, padding every value to four bytes.
func (m *Message) Encode() []byte {
	var length int
	for _, a := range m.Attributes {
		length += attributeHeaderSize + util.Pad4(len(a.Value))
	}

	buf := make([]byte, HeaderSize+length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Type))
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:HeaderSize], m.TransactionID[:])

	off := HeaderSize
	for _, a := range m.Attributes {
		binary.BigEndian.PutUint16(buf[off:], uint16(a.Type))
		binary.BigEndian.PutUint16(buf[off+2:], uint16(len(a.Value)))
		copy(buf[off+attributeHeaderSize:], a.Value)
		off += attributeHeaderSize + util.Pad4(len(a.Value))
	}

	return buf
}

// Decode parses a Binding Success Response. The declared message length
// must cover exactly the bytes after the header. Any other well-formed
// message yields an *UnexpectedTypeError.
func Decode(b []byte) (*Message, error) {
	if len(b) < HeaderSize {
		return nil, malformed("%d bytes, header needs %d", len(b), HeaderSize)
	}

	t, _ := util.Uint16(b, 0)
	if t&0xc000 != 0 {
		return nil, malformed("leading type bits set (0x%04x)", t)
	}

	cookie, _ := util.Uint32(b, 4)
	if cookie != MagicCookie {
		return nil, malformed("magic cookie 0x%08x", cookie)
	}

	length, _ := util.Uint16(b, 2)
	if length%4 != 0 {
		return nil, malformed("length %d is not a multiple of 4", length)
	}

	end := HeaderSize + int(length)
	if end != len(b) {
		return nil, malformed("length %d, %d bytes follow the header", length, len(b)-HeaderSize)
	}

	m := &Message{Type: MessageType(t)}
	copy(m.TransactionID[:], b[8:HeaderSize])

	for off := HeaderSize; off < end; {
		at, ok := util.Uint16(b, off)
		if !ok {
			return nil, malformed("attribute header at offset %d", off)
		}
		al, ok := util.Uint16(b, off+2)
		if !ok {
			return nil, malformed("attribute header at offset %d", off)
		}
		v, ok := util.Slice(b, off+attributeHeaderSize, int(al))
		if !ok {
			return nil, malformed("attribute 0x%04x length %d at offset %d", at, al, off)
		}

		if AttributeType(at) == AttrFingerprint {
			if err := checkFingerprint(b, off, v); err != nil {
				return nil, err
			}
		}

		value := make([]byte, len(v))
		copy(value, v)
		m.Add(AttributeType(at), value)

		off += attributeHeaderSize + util.Pad4(int(al))
	}

	if m.Type != TypeBindingSuccess {
		e := &UnexpectedTypeError{Type: m.Type, TransactionID: m.TransactionID}
		if a, ok := m.Get(AttrErrorCode); ok {
			e.ErrorCode, _ = parseErrorCode(a.Value)
		}
		return nil, e
	}

	return m, nil
}

func (t MessageType) String() string {
	switch t {
	case TypeBindingRequest:
		return "binding request"
	case TypeBindingSuccess:
		return "binding success response"
	case TypeBindingError:
		return "binding error response"
	default:
		return fmt.Sprintf("unknown type 0x%04x", uint16(t))
	}
}

func (t AttributeType) String() string {
	switch t {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrErrorCode:
		return "ERROR-CODE"
	case AttrXORMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrXORMappedAddress2:
		return "XOR-MAPPED-ADDRESS(0x8020)"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrFingerprint:
		return "FINGERPRINT"
	default:
		return fmt.Sprintf("0x%04x", uint16(t))
	}
}
