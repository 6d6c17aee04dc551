package model

import (
	"net/netip"
	"time"
)

// Result is the outcome of a successful lookup.
type Result struct {
	// Server is the endpoint that answered, one of the resolved candidates.
	Server netip.AddrPort

	// Public is the mapped address the server observed for us.
	Public netip.AddrPort

	Attempts int           // requests sent, retries included
	Waited   time.Duration // wait accounted to failed rounds
	Elapsed  time.Duration // wall time of the whole lookup
}
