package rtable

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// Record is one destination network and its gateways, cheapest first. At
// most one gateway is kept per interface.
type Record struct {
	Network  netip.Prefix
	Gateways []Gateway
}

func NewRecord(network netip.Prefix, name InterfaceId, cost uint16) Record {
	return Record{
		Network:  network,
		Gateways: []Gateway{{Name: name, Cost: cost}},
	}
}

// Best returns the lowest-cost gateway.
func (r *Record) Best() (Gateway, bool) {
	if len(r.Gateways) == 0 {
		return Gateway{}, false
	}
	return r.Gateways[0], true
}

func (r *Record) Valid() bool {
	return len(r.Gateways) > 0
}

// IsLoopback reports whether the record is a locally owned network.
func (r *Record) IsLoopback() bool {
	return len(r.Gateways) > 0 && r.Gateways[0].Cost == 0
}

func (r *Record) SameNetwork(o *Record) bool {
	return SameNetwork(r.Network, o.Network)
}

func (r *Record) hasGateway(name InterfaceId) bool {
	return slices.ContainsFunc(r.Gateways, func(g Gateway) bool {
		return g.Name == name
	})
}

// Merge folds the gateways of o into r, matching gateways by interface name.
// It returns true if the best gateway changed.
func (r *Record) Merge(o *Record) bool {
	before, hadBest := r.Best()
	changed := false

	for _, g := range o.Gateways {
		idx := slices.IndexFunc(r.Gateways, func(e Gateway) bool {
			return e.Name == g.Name
		})
		if idx == -1 {
			r.Gateways = append(r.Gateways, g)
			changed = true
			continue
		}
		if g.Cost < r.Gateways[idx].Cost {
			r.Gateways[idx].Merge(g)
			changed = true
		}
	}

	if changed {
		// stable, so an older gateway wins a tie
		slices.SortStableFunc(r.Gateways, func(a, b Gateway) int {
			return int(a.Cost) - int(b.Cost)
		})
	}

	after, _ := r.Best()
	return !hadBest || !before.Equal(after)
}

// Disjoin removes every gateway whose interface appears in o. It returns true
// if the best gateway changed, including when none is left.
func (r *Record) Disjoin(o *Record) bool {
	before, hadBest := r.Best()

	r.Gateways = slices.DeleteFunc(r.Gateways, func(g Gateway) bool {
		return o.hasGateway(g.Name)
	})

	after, hasBest := r.Best()
	if hadBest != hasBest {
		return true
	}
	return hasBest && !before.Equal(after)
}

// Remove drops the gateway through the named interface.
func (r *Record) Remove(name InterfaceId) bool {
	n := len(r.Gateways)
	r.Gateways = slices.DeleteFunc(r.Gateways, func(g Gateway) bool {
		return g.Name == name
	})
	return n != len(r.Gateways)
}

func (r *Record) Equal(o *Record) bool {
	return r.Network == o.Network && slices.EqualFunc(r.Gateways, o.Gateways, Gateway.Equal)
}

func (r *Record) Clone() Record {
	return Record{
		Network:  r.Network,
		Gateways: slices.Clone(r.Gateways),
	}
}

func (r Record) String() string {
	gws := make([]string, 0, len(r.Gateways))
	for _, g := range r.Gateways {
		gws = append(gws, g.String())
	}
	return fmt.Sprintf("%s via [%s]", r.Network, strings.Join(gws, " "))
}
