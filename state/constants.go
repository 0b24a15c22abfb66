package state

import (
	"net/netip"
	"time"
)

var (
	// DefaultGroup is the link-local multicast group the routing daemons talk on.
	DefaultGroup = netip.MustParseAddr("ff02::1f")

	AdvertiseInterval = time.Second * 5
	// LinkTimeoutFactor is how many advertise intervals a connector may stay
	// silent before it is considered down.
	LinkTimeoutFactor = time.Duration(3)
	// MaxCost is the costliest route a node will learn.
	MaxCost = uint16(64)

	DispatchBuffer = 128
	TraceBuffer    = 1024

	// default port
	DefaultPort = 7776
)
