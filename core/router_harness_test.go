package core

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"testing"

	"github.com/encodeous/dockmesh/rtable"
	"github.com/encodeous/dockmesh/state"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type HarnessEvent struct {
	Message string
	Args    []any
}

func MakeEvent(msg string, args ...any) HarnessEvent {
	return HarnessEvent{
		Message: msg,
		Args:    args,
	}
}

type RouterHarness struct {
	actions []HarnessEvent
}

func (h *RouterHarness) SendAdvertisement(itf rtable.InterfaceId, cmd rtable.Command, pkt []byte) {
	h.actions = append(h.actions, MakeEvent("SEND", itf, cmd, pkt))
}

func (h *RouterHarness) Log(event RouterEvent, desc string, args ...any) {
	x := make([]any, 0)
	x = append(x, event)
	x = append(x, desc)
	x = append(x, args...)
	h.actions = append(h.actions, MakeEvent("LOG", x...))
}

type HarnessEvents []HarnessEvent

func (h HarnessEvents) String() string {
	out := make([]string, 0)
	for _, action := range h {
		cur := action.Message
		for _, arg := range action.Args {
			cur += " " + fmt.Sprint(arg)
		}
		out = append(out, cur)
	}
	slices.Sort(out)
	return strings.Join(out, "\n")
}

// GetActions returns and clears everything the router did, except logging
func (h *RouterHarness) GetActions() HarnessEvents {
	x := make([]HarnessEvent, 0)
	for _, action := range h.actions {
		if action.Message != "LOG" {
			x = append(x, action)
		}
	}
	h.actions = make([]HarnessEvent, 0)
	return x
}

// GetLogs returns and clears the router events that were logged
func (h *RouterHarness) GetLogs() []RouterEvent {
	x := make([]RouterEvent, 0)
	rest := make([]HarnessEvent, 0)
	for _, action := range h.actions {
		if action.Message == "LOG" {
			x = append(x, action.Args[0].(RouterEvent))
		} else {
			rest = append(rest, action)
		}
	}
	h.actions = rest
	return x
}

func (e HarnessEvents) contains(msg string, args ...any) bool {
	for _, event := range e {
		if event.Message == msg {
			if len(event.Args) >= len(args) {
				match := true
				for i, arg := range args {
					if !cmp.Equal(event.Args[i], arg, cmpopts.EquateComparable(netip.Prefix{})) {
						match = false
						break
					}
				}
				if match {
					return true
				}
			}
		}
	}
	return false
}

func (e HarnessEvents) AssertContains(t *testing.T, msg string, args ...any) {
	t.Helper()
	if e.contains(msg, args...) {
		return
	}
	t.Fatal("Expected event not found: ", msg, " with args: ", args, " in ", e)
}

func (e HarnessEvents) AssertNotContains(t *testing.T, msg string, args ...any) {
	t.Helper()
	if e.contains(msg, args...) {
		t.Fatal("Unexpected event found: ", msg, " with args: ", args, " in ", e)
	}
}

// MakeRouterState builds an IPv4 router state owning the given loopbacks
// with the given connectors already live.
func MakeRouterState(loopbacks []string, live ...rtable.InterfaceId) *state.RouterState {
	table := rtable.New(rtable.IPv4Len, nil, nil)
	for _, lo := range loopbacks {
		table.AddLoopback(netip.MustParsePrefix(lo))
	}
	rs := state.NewRouterState(table, false)
	for _, itf := range live {
		rs.Live[itf] = struct{}{}
	}
	return rs
}

type entry struct {
	network string
	cost    uint16
}

func MakeAdvertisement(cmd rtable.Command, entries ...entry) []byte {
	adv := rtable.Advertisement{
		Command: cmd,
		AddrLen: rtable.IPv4Len,
	}
	for _, e := range entries {
		adv.Entries = append(adv.Entries, rtable.Entry{
			Network: netip.MustParsePrefix(e.network),
			Cost:    e.cost,
		})
	}
	return adv.Encode()
}
