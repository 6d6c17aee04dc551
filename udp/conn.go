package udp

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/treemana/iplookup/log"
)

const (
	defaultTimeout = time.Second // write deadline for a single datagram
	maxDatagram    = 2048        // no STUN response comes close to this over UDP
)

// Conn is one unconnected UDP endpoint. It is used by a single lookup at
// a time: Receive keeps a shared buffer.
type Conn struct {
	conn *net.UDPConn
	buf  []byte
}

// Listen opens a UDP socket bound to local. An empty local binds the
// wildcard address, which is dual-stack where the OS allows it.
func Listen(local string) (*Conn, error) {
	var laddr *net.UDPAddr
	if len(local) > 0 {
		var err error
		if laddr, err = net.ResolveUDPAddr("udp", local); err != nil {
			return nil, fmt.Errorf("resolve local address %s: %w", local, err)
		}
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", local, err)
	}

	log.Sugar.Debugf("udp endpoint bound to %s", conn.LocalAddr())

	return &Conn{conn: conn, buf: make([]byte, maxDatagram)}, nil
}

func (c *Conn) LocalAddr() netip.AddrPort {
	return c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
