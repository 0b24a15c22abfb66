package core

import (
	"fmt"

	"github.com/encodeous/dockmesh/rtable"
	"github.com/encodeous/dockmesh/state"
)

type RouterEvent int

// trace events

const (
	CallAnswered RouterEvent = iota
	RoutesChanged
	LinkUp
	LinkDown
	StubEntered
	StubLeft
	CallsCancelled
)

// warn events

const (
	AdvertisementRejected RouterEvent = iota + 1000
	UnsolicitedAnswer
)

func (e RouterEvent) String() string {
	switch e {
	case CallAnswered:
		return "CallAnswered"
	case RoutesChanged:
		return "RoutesChanged"
	case LinkUp:
		return "LinkUp"
	case LinkDown:
		return "LinkDown"
	case StubEntered:
		return "StubEntered"
	case StubLeft:
		return "StubLeft"
	case CallsCancelled:
		return "CallsCancelled"
	case AdvertisementRejected:
		return "AdvertisementRejected"
	case UnsolicitedAnswer:
		return "UnsolicitedAnswer"
	}
	return fmt.Sprintf("RouterEvent(%d)", int(e))
}

// Router is an interface that defines the underlying router operations
type Router interface {
	SendAdvertisement(itf rtable.InterfaceId, cmd rtable.Command, pkt []byte)
	Log(event RouterEvent, desc string, args ...any)
}

func sendCall(rs *state.RouterState, r Router, itf rtable.InterfaceId) {
	pkt := rs.Table.BuildAdvertisement(itf, rtable.Call)
	rs.Outstanding[itf]++
	r.SendAdvertisement(itf, rtable.Call, pkt)
}

// broadcastCall asks every live neighbour except the one behind skip to
// refresh its view of us
func broadcastCall(rs *state.RouterState, r Router, skip rtable.InterfaceId) {
	for _, itf := range rs.LiveInterfaces() {
		if itf == skip {
			continue
		}
		sendCall(rs, r, itf)
	}
}

func cancelOutstanding(rs *state.RouterState, r Router, itf rtable.InterfaceId) {
	n := rs.Outstanding[itf]
	if n == 0 {
		return
	}
	rs.Table.CancelCalls(n)
	rs.Outstanding[itf] = 0
	r.Log(CallsCancelled, "gave up on unanswered calls", "itf", itf, "count", n)
}

// reconcileStub only acts on a synchronized table, an unanswered Call means
// the neighbourhood is not known yet.
func reconcileStub(rs *state.RouterState, r Router) {
	if !rs.Collapse || !rs.Table.IsSynchronized() {
		return
	}
	if !rs.Table.ReconcileStub() {
		return
	}
	if rs.Table.Stubbed() {
		gw, _ := rs.Table.DefaultGateway()
		r.Log(StubEntered, "collapsed onto default gateway", "via", gw)
	} else {
		r.Log(StubLeft, "expanded routing table")
	}
}

func isAnswer(pkt []byte) bool {
	if len(pkt) < rtable.HeaderSize {
		return false
	}
	cmd := rtable.Command(pkt[0])
	return cmd == rtable.Response || cmd == rtable.Stubby
}

// settleAnswer matches an answer from itf with one of our Calls.
func settleAnswer(rs *state.RouterState, r Router, from rtable.InterfaceId) {
	if rs.Outstanding[from] > 0 {
		rs.Outstanding[from]--
		return
	}
	r.Log(UnsolicitedAnswer, "answer without a call", "from", from, "counter", rs.Table.CallCounter())
	rs.Table.SetCallCounter(int32(rs.TotalOutstanding()))
}

// HandleAdvertisement processes an advertisement received on from. A
// malformed advertisement is returned as an error and changes no routes.
func HandleAdvertisement(rs *state.RouterState, r Router, from rtable.InterfaceId, pkt []byte) error {
	version := rs.Table.Version()
	call, err := rs.Table.Update(pkt, from)
	if err != nil {
		r.Log(AdvertisementRejected, "rejected advertisement", "from", from, "err", err)
		// the table counts an answer before validating the rest of it
		if isAnswer(pkt) {
			settleAnswer(rs, r, from)
		}
		rs.Table.SetCallCounter(int32(rs.TotalOutstanding()))
		return err
	}

	if !call {
		settleAnswer(rs, r, from)
	}

	reconcileStub(rs, r)

	if call {
		cmd := rs.Table.ResponseCommand()
		r.SendAdvertisement(from, cmd, rs.Table.BuildAdvertisement(from, cmd))
		r.Log(CallAnswered, "answered call", "from", from, "cmd", cmd)
	}

	if rs.Table.Version() != version {
		r.Log(RoutesChanged, "routing table changed", "from", from, "records", rs.Table.Len())
		broadcastCall(rs, r, from)
	}
	return nil
}

// HandleLinkUp greets a new neighbour with a Call, which both tells it our
// routes and asks for its own.
func HandleLinkUp(rs *state.RouterState, r Router, itf rtable.InterfaceId) {
	rs.Live[itf] = struct{}{}
	r.Log(LinkUp, "neighbour appeared", "itf", itf)
	sendCall(rs, r, itf)
}

// HandleLinkDown forgets every route through itf and the Calls it will never
// answer.
func HandleLinkDown(rs *state.RouterState, r Router, itf rtable.InterfaceId) {
	if !rs.IsLive(itf) {
		return
	}
	delete(rs.Live, itf)
	r.Log(LinkDown, "neighbour lost", "itf", itf)

	version := rs.Table.Version()
	rs.Table.RemoveRecordForInterface(itf)
	cancelOutstanding(rs, r, itf)
	delete(rs.Outstanding, itf)
	reconcileStub(rs, r)

	if rs.Table.Version() != version {
		r.Log(RoutesChanged, "routing table changed", "lost", itf, "records", rs.Table.Len())
		broadcastCall(rs, r, rtable.NoInterface)
	}
}

// PeriodicCall refreshes every live neighbour. Calls left over from the
// previous period are presumed lost.
func PeriodicCall(rs *state.RouterState, r Router) {
	for _, itf := range rs.LiveInterfaces() {
		cancelOutstanding(rs, r, itf)
		sendCall(rs, r, itf)
	}
}
