package udp

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/treemana/iplookup/util"
)

// aLongTimeAgo is a deadline in the past, used to unblock a pending read.
var aLongTimeAgo = time.Unix(1, 0)

// Receive waits at most timeout for one datagram. A timeout is reported
// as an error matching os.ErrDeadlineExceeded; a cancelled ctx aborts the
// wait and its error is returned instead.
func (c *Conn) Receive(ctx context.Context, timeout time.Duration) ([]byte, netip.AddrPort, error) {
	if err := ctx.Err(); err != nil {
		return nil, netip.AddrPort{}, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, netip.AddrPort{}, fmt.Errorf("set read deadline: %w", err)
	}

	stop, exited := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = c.conn.SetReadDeadline(aLongTimeAgo)
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-exited
	}()

	n, remote, err := util.Read(c.conn, c.buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, netip.AddrPort{}, ctxErr
		}
		return nil, netip.AddrPort{}, err
	}

	// the buffer is reused by the next call
	packet := make([]byte, n)
	copy(packet, c.buf[:n])

	return packet, remote, nil
}
