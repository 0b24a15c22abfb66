package core

import (
	"fmt"

	"github.com/encodeous/dockmesh/perf"
	"github.com/encodeous/dockmesh/rtable"
	"github.com/encodeous/dockmesh/state"
)

// MeshRouter binds the routing protocol to the node: it owns the routing
// table and sends advertisements through the link manager.
type MeshRouter struct {
	*state.State
}

func (r *MeshRouter) Init(s *state.State) error {
	s.Log.Debug("init router")
	r.State = s

	table := rtable.New(s.Family.AddrLen(), Get[*ForwardTable](s), s.Log.With("module", "rtable"))
	table.MaxCost = s.NodeCfg.MaxCost
	s.RouterState = state.NewRouterState(table, s.StubCollapse)

	for _, prefix := range s.Addresses {
		if !table.AddLoopback(prefix) {
			return fmt.Errorf("address %s could not be added to the routing table", prefix)
		}
	}

	s.Log.Debug("schedule router tasks")
	s.Env.RepeatTask(func(s *state.State) error {
		PeriodicCall(s.RouterState, r)
		return nil
	}, s.AdvertiseInterval.D())
	return nil
}

func (r *MeshRouter) Cleanup(s *state.State) error {
	r.State = nil
	return nil
}

func (r *MeshRouter) SendAdvertisement(itf rtable.InterfaceId, cmd rtable.Command, pkt []byte) {
	Get[*LinkMgr](r.State).Send(itf, pkt)
	perf.AdvertisementsSent.Add(1)
}

func (r *MeshRouter) Log(event RouterEvent, desc string, args ...any) {
	if event >= AdvertisementRejected {
		r.Env.Log.Warn(fmt.Sprintf("%s %s", event.String(), desc), args...)
		return
	}
	r.Env.Log.Debug(fmt.Sprintf("%s %s", event.String(), desc), args...)
}

// packet handlers

func (r *MeshRouter) HandlePacket(from rtable.InterfaceId, pkt []byte) {
	err := HandleAdvertisement(r.RouterState, r, from, pkt)
	if err != nil {
		perf.AdvertisementsRejected.Add(1)
		return
	}
	perf.AdvertisementsReceived.Add(1)
}

func (r *MeshRouter) LinkUp(itf rtable.InterfaceId) {
	HandleLinkUp(r.RouterState, r, itf)
	perf.LinkTransitions.Add(1)
	Get[*Trace](r.State).Submit(LinkChange{Node: r.Id, Interface: itf, Up: true})
}

func (r *MeshRouter) LinkDown(itf rtable.InterfaceId) {
	if !r.IsLive(itf) {
		return
	}
	HandleLinkDown(r.RouterState, r, itf)
	perf.LinkTransitions.Add(1)
	Get[*Trace](r.State).Submit(LinkChange{Node: r.Id, Interface: itf, Up: false})
}
