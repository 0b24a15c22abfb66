package core

import (
	"net/netip"
	"testing"

	"github.com/encodeous/dockmesh/rtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkUpSendsCall(t *testing.T) {
	h := &RouterHarness{}
	rs := MakeRouterState([]string{"10.0.0.1/32"})

	HandleLinkUp(rs, h, "rd0")

	out := h.GetActions()
	require.Len(t, out, 1)
	out.AssertContains(t, "SEND", rtable.InterfaceId("rd0"), rtable.Call,
		MakeAdvertisement(rtable.Call, entry{"10.0.0.1/32", 1}))
	assert.True(t, rs.IsLive("rd0"))
	assert.Equal(t, 1, rs.Outstanding["rd0"])
	assert.Equal(t, int32(1), rs.Table.CallCounter())
}

func TestAnswerCall(t *testing.T) {
	// This test is for the following network with our router being A:
	//
	// B --rd0-- A --rd1-- C
	h := &RouterHarness{}
	rs := MakeRouterState([]string{"10.0.0.1/32"}, "rd0", "rd1")

	err := HandleAdvertisement(rs, h, "rd0", MakeAdvertisement(rtable.Call, entry{"10.0.0.2/32", 1}))
	require.NoError(t, err)

	out := h.GetActions()
	// B only hears about A, its own route is split-horizoned
	out.AssertContains(t, "SEND", rtable.InterfaceId("rd0"), rtable.Response,
		MakeAdvertisement(rtable.Response, entry{"10.0.0.1/32", 1}))
	// C hears about the change
	out.AssertContains(t, "SEND", rtable.InterfaceId("rd1"), rtable.Call,
		MakeAdvertisement(rtable.Call, entry{"10.0.0.1/32", 1}, entry{"10.0.0.2/32", 2}))
	assert.Len(t, out, 2)

	assert.Equal(t, 0, rs.Outstanding["rd0"])
	assert.Equal(t, 1, rs.Outstanding["rd1"])
	assert.Equal(t, int32(1), rs.Table.CallCounter())
}

func TestUnchangedTableIsQuiet(t *testing.T) {
	h := &RouterHarness{}
	rs := MakeRouterState([]string{"10.0.0.1/32"}, "rd0", "rd1")
	pkt := MakeAdvertisement(rtable.Call, entry{"10.0.0.2/32", 1})
	require.NoError(t, HandleAdvertisement(rs, h, "rd0", pkt))
	h.GetActions()

	require.NoError(t, HandleAdvertisement(rs, h, "rd0", pkt))
	out := h.GetActions()
	require.Len(t, out, 1, "only the answer is sent")
	out.AssertContains(t, "SEND", rtable.InterfaceId("rd0"), rtable.Response)
}

func TestResponseBalancesCounter(t *testing.T) {
	h := &RouterHarness{}
	rs := MakeRouterState([]string{"10.0.0.1/32"})
	HandleLinkUp(rs, h, "rd0")
	h.GetActions()

	err := HandleAdvertisement(rs, h, "rd0", MakeAdvertisement(rtable.Response, entry{"10.0.0.2/32", 1}))
	require.NoError(t, err)
	assert.Equal(t, 0, rs.Outstanding["rd0"])
	assert.True(t, rs.Table.IsSynchronized())

	out := h.GetActions()
	assert.Empty(t, out, "a response is never answered and there is nobody else to tell")
}

func TestUnsolicitedAnswerResyncs(t *testing.T) {
	h := &RouterHarness{}
	rs := MakeRouterState([]string{"10.0.0.1/32"}, "rd0", "rd1")
	PeriodicCall(rs, h)
	h.GetActions()
	require.Equal(t, int32(2), rs.Table.CallCounter())

	// rd0 answers twice, the second is unexpected
	require.NoError(t, HandleAdvertisement(rs, h, "rd0", MakeAdvertisement(rtable.Response)))
	require.NoError(t, HandleAdvertisement(rs, h, "rd0", MakeAdvertisement(rtable.Response)))
	assert.Contains(t, h.GetLogs(), UnsolicitedAnswer)
	assert.Equal(t, int32(1), rs.Table.CallCounter(), "rd1 still owes an answer")

	require.NoError(t, HandleAdvertisement(rs, h, "rd1", MakeAdvertisement(rtable.Response)))
	assert.True(t, rs.Table.IsSynchronized())
}

func TestMalformedAdvertisementRejected(t *testing.T) {
	h := &RouterHarness{}
	rs := MakeRouterState([]string{"10.0.0.1/32"}, "rd0", "rd1")
	before := rs.Table.Records()

	err := HandleAdvertisement(rs, h, "rd0", []byte{byte(rtable.Call), rtable.IPv6Len, 0})
	assert.ErrorIs(t, err, rtable.ErrMalformedAdvertisement)
	assert.Empty(t, h.GetActions(), "a rejected call is not answered")
	assert.Contains(t, h.GetLogs(), AdvertisementRejected)
	assert.Equal(t, before, rs.Table.Records())
}

func TestMalformedAnswerKeepsCounterInStep(t *testing.T) {
	h := &RouterHarness{}
	rs := MakeRouterState([]string{"10.0.0.1/32"})
	HandleLinkUp(rs, h, "rd0")
	h.GetActions()
	require.Equal(t, int32(1), rs.Table.CallCounter())

	// an answer with an ipv6 header on an ipv4 table
	err := HandleAdvertisement(rs, h, "rd0", []byte{byte(rtable.Response), rtable.IPv6Len, 0})
	assert.ErrorIs(t, err, rtable.ErrMalformedAdvertisement)
	assert.Equal(t, 0, rs.Outstanding["rd0"])
	assert.Equal(t, int32(rs.TotalOutstanding()), rs.Table.CallCounter())

	for round := range 3 {
		PeriodicCall(rs, h)
		h.GetActions()
		require.NoError(t, HandleAdvertisement(rs, h, "rd0", MakeAdvertisement(rtable.Response)))
		assert.True(t, rs.Table.IsSynchronized(), "round %d: counter %d", round, rs.Table.CallCounter())
		assert.Equal(t, 0, rs.TotalOutstanding())
	}
}

func TestTruncatedAnswerResyncs(t *testing.T) {
	h := &RouterHarness{}
	rs := MakeRouterState([]string{"10.0.0.1/32"})
	HandleLinkUp(rs, h, "rd0")
	HandleLinkUp(rs, h, "rd1")
	h.GetActions()

	// too short to be counted by the table
	err := HandleAdvertisement(rs, h, "rd1", []byte{byte(rtable.Response)})
	assert.ErrorIs(t, err, rtable.ErrMalformedAdvertisement)
	assert.Equal(t, int32(2), rs.Table.CallCounter())
	assert.Equal(t, 2, rs.TotalOutstanding())
}

func TestLinkDown(t *testing.T) {
	h := &RouterHarness{}
	rs := MakeRouterState([]string{"10.0.0.1/32"})
	HandleLinkUp(rs, h, "rd0")
	HandleLinkUp(rs, h, "rd1")
	require.NoError(t, HandleAdvertisement(rs, h, "rd1", MakeAdvertisement(rtable.Response, entry{"10.0.0.3/32", 1})))
	require.NoError(t, HandleAdvertisement(rs, h, "rd0", MakeAdvertisement(rtable.Call, entry{"10.0.0.2/32", 1})))
	h.GetActions()
	// rd0 never answered our calls
	require.Equal(t, 2, rs.Outstanding["rd0"])
	require.Equal(t, 1, rs.Outstanding["rd1"])

	HandleLinkDown(rs, h, "rd0")

	_, ok := rs.Table.Find(netip.MustParsePrefix("10.0.0.2/32"))
	assert.False(t, ok)
	assert.False(t, rs.IsLive("rd0"))
	assert.NotContains(t, rs.Outstanding, rtable.InterfaceId("rd0"))

	out := h.GetActions()
	out.AssertContains(t, "SEND", rtable.InterfaceId("rd1"), rtable.Call,
		MakeAdvertisement(rtable.Call, entry{"10.0.0.1/32", 1}))
	out.AssertNotContains(t, "SEND", rtable.InterfaceId("rd0"))
	assert.Equal(t, 2, rs.Outstanding["rd1"])
	assert.Equal(t, int32(rs.TotalOutstanding()), rs.Table.CallCounter())

	// a second notification is ignored
	HandleLinkDown(rs, h, "rd0")
	assert.Empty(t, h.GetActions())
}

func TestPeriodicCallCancelsLostCalls(t *testing.T) {
	h := &RouterHarness{}
	rs := MakeRouterState([]string{"10.0.0.1/32"}, "rd0", "rd1")

	PeriodicCall(rs, h)
	PeriodicCall(rs, h)

	out := h.GetActions()
	assert.Len(t, out, 4)
	assert.Equal(t, 1, rs.Outstanding["rd0"])
	assert.Equal(t, 1, rs.Outstanding["rd1"])
	assert.Equal(t, int32(2), rs.Table.CallCounter())
	assert.Contains(t, h.GetLogs(), CallsCancelled)
}

func TestStubCollapse(t *testing.T) {
	h := &RouterHarness{}
	rs := MakeRouterState([]string{"10.0.0.1/32"})
	rs.Collapse = true

	HandleLinkUp(rs, h, "rd0")
	err := HandleAdvertisement(rs, h, "rd0", MakeAdvertisement(rtable.Response,
		entry{"10.0.0.2/32", 1},
		entry{"10.0.9.0/24", 2},
	))
	require.NoError(t, err)
	require.True(t, rs.Table.Stubbed())
	assert.Contains(t, h.GetLogs(), StubEntered)
	assert.Equal(t, 1, rs.Table.Len(), "only the loopback is kept")
	gw, _ := rs.Table.DefaultGateway()
	assert.Equal(t, rtable.Gateway{Name: "rd0", Cost: 1}, gw)
	h.GetActions()

	// the upstream calls us and learns we are a leaf
	require.NoError(t, HandleAdvertisement(rs, h, "rd0", MakeAdvertisement(rtable.Call, entry{"10.0.0.2/32", 1})))
	h.GetActions().AssertContains(t, "SEND", rtable.InterfaceId("rd0"), rtable.Stubby,
		MakeAdvertisement(rtable.Stubby, entry{"10.0.0.1/32", 1}))

	// a second way out ends the collapse
	HandleLinkUp(rs, h, "rd1")
	require.NoError(t, HandleAdvertisement(rs, h, "rd1", MakeAdvertisement(rtable.Response, entry{"10.0.0.5/32", 1})))
	assert.False(t, rs.Table.Stubbed())
	assert.Contains(t, h.GetLogs(), StubLeft)
	h.GetActions().AssertContains(t, "SEND", rtable.InterfaceId("rd0"), rtable.Call)
}

func TestStubCollapseWaitsForSync(t *testing.T) {
	h := &RouterHarness{}
	rs := MakeRouterState([]string{"10.0.0.1/32"}, "rd0", "rd1")
	rs.Collapse = true
	PeriodicCall(rs, h)

	// rd1 has not answered yet
	require.NoError(t, HandleAdvertisement(rs, h, "rd0", MakeAdvertisement(rtable.Response, entry{"10.0.0.2/32", 1})))
	assert.False(t, rs.Table.Stubbed())
	assert.NotContains(t, h.GetLogs(), StubEntered)
}

func TestRouterEventString(t *testing.T) {
	assert.Equal(t, "LinkUp", LinkUp.String())
	assert.Equal(t, "AdvertisementRejected", AdvertisementRejected.String())
	assert.Equal(t, "RouterEvent(77)", RouterEvent(77).String())
}
