package stun

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame        = errors.New("stun: malformed frame")
	ErrUnexpectedMessageType = errors.New("stun: unexpected message type")
	ErrNoAddressAttribute    = errors.New("stun: no address attribute")
	ErrUnsupportedFamily     = errors.New("stun: unsupported address family")
	ErrTruncatedAttribute    = errors.New("stun: truncated address attribute")
)

// UnexpectedTypeError is returned by Decode for a well-formed message that
// is not a Binding Success Response. It matches ErrUnexpectedMessageType.
type UnexpectedTypeError struct {
	Type          MessageType
	TransactionID TransactionID
	ErrorCode     *ErrorCode // set for error responses carrying ERROR-CODE
}

func (e *UnexpectedTypeError) Error() string {
	if e.ErrorCode != nil {
		return fmt.Sprintf("%s: %s (0x%04x), %s", ErrUnexpectedMessageType, e.Type, uint16(e.Type), e.ErrorCode)
	}
	return fmt.Sprintf("%s: %s (0x%04x)", ErrUnexpectedMessageType, e.Type, uint16(e.Type))
}

func (e *UnexpectedTypeError) Is(target error) bool {
	return target == ErrUnexpectedMessageType
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}
