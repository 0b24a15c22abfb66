package core

import (
	"fmt"
	"net/netip"

	"github.com/dustin/go-broadcast"
	"github.com/encodeous/dockmesh/rtable"
	"github.com/encodeous/dockmesh/state"
)

// RouteChange is published whenever a node installs or withdraws a forwarding entry.
type RouteChange struct {
	Node      state.NodeId
	Network   netip.Prefix
	Via       rtable.Gateway
	Withdrawn bool
}

func (c RouteChange) String() string {
	if c.Withdrawn {
		return fmt.Sprintf("%s: withdraw %s", c.Node, c.Network)
	}
	return fmt.Sprintf("%s: install %s via %s", c.Node, c.Network, c.Via)
}

// LinkChange is published when a connector comes up or goes down.
type LinkChange struct {
	Node      state.NodeId
	Interface rtable.InterfaceId
	Up        bool
}

func (c LinkChange) String() string {
	if c.Up {
		return fmt.Sprintf("%s: link %s up", c.Node, c.Interface)
	}
	return fmt.Sprintf("%s: link %s down", c.Node, c.Interface)
}

// Trace fans node events out to subscribers. Subscribers must keep draining
// their channel, a stalled subscriber stalls the node.
type Trace struct {
	broadcast.Broadcaster
}

func (t *Trace) Init(s *state.State) error {
	t.Broadcaster = broadcast.NewBroadcaster(state.TraceBuffer)
	return nil
}

func (t *Trace) Cleanup(s *state.State) error {
	return t.Broadcaster.Close()
}
