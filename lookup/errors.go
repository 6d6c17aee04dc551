package lookup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrResolution means the server name produced no usable endpoint. Not retried.
	ErrResolution = errors.New("resolution failure")

	// ErrTransport is a send or receive I/O error. Not retried.
	ErrTransport = errors.New("transport failure")

	// ErrTimeout means the retry budget was spent without a usable response.
	ErrTimeout = errors.New("timed out")

	// ErrCancelled means the caller's context ended the lookup.
	ErrCancelled = errors.New("cancelled")
)

// errRoundTimeout ends a round without data; it never leaves the package.
var errRoundTimeout = errors.New("no response within round")

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
