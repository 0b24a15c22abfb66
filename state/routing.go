package state

import (
	"maps"
	"slices"

	"github.com/encodeous/dockmesh/rtable"
)

// RouterState is the protocol state kept next to the routing table
type RouterState struct {
	Table *rtable.RoutingTable
	// Live holds the connectors that currently have a neighbour
	Live map[rtable.InterfaceId]struct{}
	// Outstanding counts the Calls sent on a connector that are not answered yet
	Outstanding map[rtable.InterfaceId]int
	// Collapse enables stub collapse
	Collapse bool
}

func NewRouterState(table *rtable.RoutingTable, collapse bool) *RouterState {
	return &RouterState{
		Table:       table,
		Live:        make(map[rtable.InterfaceId]struct{}),
		Outstanding: make(map[rtable.InterfaceId]int),
		Collapse:    collapse,
	}
}

func (r *RouterState) IsLive(itf rtable.InterfaceId) bool {
	_, ok := r.Live[itf]
	return ok
}

// LiveInterfaces returns the live connectors in name order
func (r *RouterState) LiveInterfaces() []rtable.InterfaceId {
	return slices.Sorted(maps.Keys(r.Live))
}

func (r *RouterState) TotalOutstanding() int {
	n := 0
	for _, c := range r.Outstanding {
		n += c
	}
	return n
}
