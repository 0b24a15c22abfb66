package core

import (
	"net/netip"

	"github.com/encodeous/dockmesh/rtable"
	"github.com/encodeous/dockmesh/state"
	"github.com/gaissmai/bart"
)

// ForwardTable mirrors the best path of every record for longest-prefix-match
// forwarding. It is the routing table's forwarding sink.
type ForwardTable struct {
	*state.State
	Table bart.Table[rtable.Gateway]
}

func (f *ForwardTable) Init(s *state.State) error {
	f.State = s
	f.Table = bart.Table[rtable.Gateway]{}
	return nil
}

func (f *ForwardTable) Cleanup(s *state.State) error {
	f.State = nil
	return nil
}

func (f *ForwardTable) InsertRoute(network netip.Prefix, via rtable.Gateway) {
	f.Table.Insert(network.Masked(), via)
	f.publish(RouteChange{
		Node:    f.Id,
		Network: network.Masked(),
		Via:     via,
	})
}

func (f *ForwardTable) DeleteRoute(network netip.Prefix) {
	f.Table.Delete(network.Masked())
	f.publish(RouteChange{
		Node:      f.Id,
		Network:   network.Masked(),
		Withdrawn: true,
	})
}

func (f *ForwardTable) publish(change RouteChange) {
	if f.State == nil {
		return
	}
	f.Log.Debug("route changed", "change", change)
	Get[*Trace](f.State).Submit(change)
}

// NextHop returns the connector a packet to addr leaves through.
func (f *ForwardTable) NextHop(addr netip.Addr) (rtable.Gateway, bool) {
	return f.Table.Lookup(addr)
}
