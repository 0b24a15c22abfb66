package rtable

import "net/netip"

// hasSingleUpstream reports whether every non-loopback record leaves through
// the same interface. While stub-collapsed, that interface is the default
// gateway's.
func (t *RoutingTable) hasSingleUpstream() bool {
	var upstream InterfaceId
	found := false
	if t.stub {
		upstream = t.defaultGw.Name
		found = true
	}
	for i := range t.records {
		rec := &t.records[i]
		if rec.IsLoopback() {
			continue
		}
		best, _ := rec.Best()
		if !found {
			upstream = best.Name
			found = true
			continue
		}
		if best.Name != upstream {
			return false
		}
	}
	return found
}

func (t *RoutingTable) upstream() (InterfaceId, bool) {
	for i := range t.records {
		if !t.records[i].IsLoopback() {
			return t.records[i].Gateways[0].Name, true
		}
	}
	return NoInterface, false
}

// IsStub reports whether the node is a synchronized leaf with one way out.
func (t *RoutingTable) IsStub() bool {
	return t.hasSingleUpstream() && t.IsSynchronized()
}

// Stubbed reports whether the table is currently collapsed onto a default
// gateway.
func (t *RoutingTable) Stubbed() bool {
	return t.stub
}

func (t *RoutingTable) DefaultGateway() (Gateway, bool) {
	if t.defaultGw == nil {
		return Gateway{}, false
	}
	return *t.defaultGw, true
}

// DefaultRoute is the all-zero network of the table's family.
func (t *RoutingTable) DefaultRoute() netip.Prefix {
	if t.addrLen == IPv4Len {
		return netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	}
	return netip.PrefixFrom(netip.IPv6Unspecified(), 0)
}

// hasBackupPath reports whether a remote record also has a gateway that does
// not go through up.
func (t *RoutingTable) hasBackupPath(up InterfaceId) bool {
	for i := range t.records {
		rec := &t.records[i]
		if rec.IsLoopback() {
			continue
		}
		for _, g := range rec.Gateways {
			if g.Name != up {
				return true
			}
		}
	}
	return false
}

// MakeStub collapses every route through the single upstream interface into
// a default route, leaving only loopback records. It refuses while any route
// could also leave through another interface.
func (t *RoutingTable) MakeStub() error {
	if t.stub {
		return ErrAlreadyStub
	}
	if !t.IsStub() {
		return ErrNotStub
	}
	up, _ := t.upstream()
	if t.hasBackupPath(up) {
		return ErrBackupPath
	}
	var remote []netip.Prefix
	for i := range t.records {
		if !t.records[i].IsLoopback() {
			remote = append(remote, t.records[i].Network)
		}
	}
	for _, network := range remote {
		t.RemoveNetwork(network)
	}

	t.stub = true
	t.defaultGw = &Gateway{Name: up, Cost: 1}
	t.version++
	if t.sink != nil {
		t.sink.InsertRoute(t.DefaultRoute(), *t.defaultGw)
	}
	t.log.Debug("collapsed to stub", "upstream", up)
	return nil
}

// ClearStub withdraws the default route. Routes through the former upstream
// are relearned from its next advertisement.
func (t *RoutingTable) ClearStub() {
	if !t.stub {
		return
	}
	up := t.defaultGw.Name
	t.stub = false
	t.defaultGw = nil
	t.version++
	if t.sink != nil {
		t.sink.DeleteRoute(t.DefaultRoute())
	}
	t.log.Debug("left stub", "upstream", up)
}

// ReconcileStub enters or leaves the stub state to match IsStub. It returns
// true if the state changed.
func (t *RoutingTable) ReconcileStub() bool {
	switch {
	case !t.stub && t.IsStub():
		return t.MakeStub() == nil
	case t.stub && !t.IsStub():
		t.ClearStub()
		return true
	}
	return false
}
