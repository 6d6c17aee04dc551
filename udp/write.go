package udp

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// Send writes b to to as a single datagram.
func (c *Conn) Send(ctx context.Context, to netip.AddrPort, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(defaultTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if _, err := c.conn.WriteToUDPAddrPort(b, to); err != nil {
		return fmt.Errorf("write to %s: %w", to, err)
	}

	return nil
}
