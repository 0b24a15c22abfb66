package core

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/encodeous/dockmesh/perf"
	"github.com/encodeous/dockmesh/rtable"
	"github.com/encodeous/dockmesh/state"
	"github.com/jellydator/ttlcache/v3"
)

// LinkMgr owns the dock connectors. A connector is live while packets keep
// arriving on it; every node sends an empty beacon on each connector every
// advertise interval so that idle links stay up.
type LinkMgr struct {
	env   *state.Env
	links map[rtable.InterfaceId]state.Link
	// seen maps a live connector to the time it came up
	seen *ttlcache.Cache[rtable.InterfaceId, time.Time]
}

func (m *LinkMgr) Init(s *state.State) error {
	if s.Transport == nil {
		return fmt.Errorf("node %s has no transport", s.Id)
	}
	m.env = s.Env
	m.links = make(map[rtable.InterfaceId]state.Link)
	m.seen = ttlcache.New[rtable.InterfaceId, time.Time](
		ttlcache.WithTTL[rtable.InterfaceId, time.Time](s.LinkTimeout.D()),
		ttlcache.WithDisableTouchOnHit[rtable.InterfaceId, time.Time](),
	)
	m.seen.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[rtable.InterfaceId, time.Time]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		itf := item.Key()
		m.env.Dispatch(func(s *state.State) error {
			if m.seen.Get(itf) != nil {
				return nil // came back before we got here
			}
			Get[*MeshRouter](s).LinkDown(itf)
			return nil
		})
	})
	go m.seen.Start()

	for _, itf := range s.Interfaces {
		name := itf.Name
		link, err := s.Transport.Open(itf, func(pkt []byte) {
			m.env.Dispatch(func(s *state.State) error {
				m.receive(s, name, pkt)
				return nil
			})
		})
		if err != nil {
			return fmt.Errorf("could not open connector %s: %w", name, err)
		}
		m.links[name] = link
		s.Log.Debug("opened connector", "itf", name, "device", itf.Device)
	}

	s.Dispatch(m.beacon)
	s.RepeatTask(m.beacon, s.AdvertiseInterval.D())
	return nil
}

func (m *LinkMgr) Cleanup(s *state.State) error {
	if m.seen != nil {
		m.seen.Stop()
	}
	for name, link := range m.links {
		if err := link.Close(); err != nil {
			s.Log.Debug("failed to close connector", "itf", name, "err", err)
		}
	}
	m.links = nil
	return nil
}

func (m *LinkMgr) receive(s *state.State, itf rtable.InterfaceId, pkt []byte) {
	perf.RecvBytesPerSecond.Add(float64(len(pkt)))
	r := Get[*MeshRouter](s)
	item := m.seen.Get(itf)
	if item == nil || !r.IsLive(itf) {
		m.seen.Set(itf, time.Now(), ttlcache.DefaultTTL)
		r.LinkUp(itf)
	} else {
		m.seen.Set(itf, item.Value(), ttlcache.DefaultTTL)
	}
	if len(pkt) == 0 {
		return // beacon
	}
	r.HandlePacket(itf, pkt)
}

func (m *LinkMgr) beacon(s *state.State) error {
	for _, itf := range slices.Sorted(maps.Keys(m.links)) {
		m.Send(itf, nil)
	}
	return nil
}

// Send writes pkt to the connector. Errors are not fatal, an empty connector
// may refuse writes.
func (m *LinkMgr) Send(itf rtable.InterfaceId, pkt []byte) {
	link, ok := m.links[itf]
	if !ok {
		m.env.Log.Warn("send on unknown connector", "itf", itf)
		return
	}
	if err := link.Send(pkt); err != nil {
		m.env.Log.Debug("failed to send", "itf", itf, "err", err)
		return
	}
	perf.SentBytesPerSecond.Add(float64(len(pkt)))
}

// LiveSince reports when the connector came up.
func (m *LinkMgr) LiveSince(itf rtable.InterfaceId) (time.Time, bool) {
	item := m.seen.Get(itf)
	if item == nil {
		return time.Time{}, false
	}
	return item.Value(), true
}
