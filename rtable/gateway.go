package rtable

import (
	"fmt"
	"net/netip"
)

// InterfaceId names a local interface (a dock connector). The wire and the
// firmware reserve 5 bytes for it, including the terminator.
type InterfaceId string

const (
	// MaxInterfaceLen is the longest usable interface name.
	MaxInterfaceLen = 4
	// SelfInterface is the gateway name of loopback records.
	SelfInterface InterfaceId = "self"
	// NoInterface excludes nothing when building an advertisement.
	NoInterface InterfaceId = ""
)

// Address lengths (N) supported by the table.
const (
	IPv4Len = 4
	IPv6Len = 16
)

type Gateway struct {
	Name InterfaceId
	Cost uint16
}

// Equal reports whether both the cost and the name match.
func (g Gateway) Equal(o Gateway) bool {
	return g.Cost == o.Cost && g.Name == o.Name
}

func (g *Gateway) Merge(o Gateway) {
	g.Cost = min(g.Cost, o.Cost)
}

func (g Gateway) String() string {
	return fmt.Sprintf("%s/%d", g.Name, g.Cost)
}

// AddrLen returns the byte length of the prefix's address.
func AddrLen(p netip.Prefix) int {
	return p.Addr().BitLen() / 8
}

// SameNetwork reports whether a and b denote the same network, each side
// masked at its own prefix length.
func SameNetwork(a, b netip.Prefix) bool {
	if !a.IsValid() || !b.IsValid() {
		return false
	}
	return a.Masked().Addr() == b.Masked().Addr()
}
