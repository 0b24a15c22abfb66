package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"runtime/pprof"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/dockmesh/core"
	"github.com/encodeous/dockmesh/rtable"
	"github.com/encodeous/dockmesh/state"
)

type Signal chan bool

func NewSignal() Signal {
	return make(chan bool)
}
func (s Signal) Trigger() {
	select {
	case <-s:
	default:
		close(s)
	}
}
func (s Signal) Triggered() bool {
	select {
	case <-s:
		return true
	default:
		return false
	}
}
func (s Signal) Wait() {
	<-s
}

// Timing overrides the protocol timers of every simulated node.
type Timing struct {
	AdvertiseInterval state.Duration `yaml:"advertise_interval,omitempty"`
	LinkTimeout       state.Duration `yaml:"link_timeout,omitempty"`
}

// SimNode is one module of the fleet.
type SimNode struct {
	Cfg state.NodeCfg
	*core.Node
	done chan struct{}
}

// Harness runs a fleet of in-process nodes over a VirtualNetwork.
type Harness struct {
	Net          *VirtualNetwork
	Timing       Timing
	StubCollapse bool
	// Log is shared by every node, tagged with the node id. nil discards.
	Log *slog.Logger

	nodes   []*SimNode
	errs    chan error
	subs    []subscription
	subsMu  sync.Mutex
	started bool
}

type subscription struct {
	node *SimNode
	ch   chan any
}

func NewHarness() *Harness {
	return &Harness{Net: NewVirtualNetwork()}
}

func (h *Harness) node(id state.NodeId) *SimNode {
	idx := slices.IndexFunc(h.nodes, func(n *SimNode) bool {
		return n.Cfg.Id == id
	})
	if idx == -1 {
		return nil
	}
	return h.nodes[idx]
}

// Nodes returns the node ids in the order they were added.
func (h *Harness) Nodes() []state.NodeId {
	out := make([]state.NodeId, 0, len(h.nodes))
	for _, n := range h.nodes {
		out = append(out, n.Cfg.Id)
	}
	return out
}

// AddNode adds a module owning prefixes, with the sample connectors rd0-rd5.
// The address family follows the first prefix.
func (h *Harness) AddNode(id state.NodeId, prefixes ...string) error {
	if h.started {
		return fmt.Errorf("cannot add %s to a running fleet", id)
	}
	if h.node(id) != nil {
		return fmt.Errorf("node %s already exists", id)
	}
	if len(prefixes) == 0 {
		return fmt.Errorf("node %s must own at least one prefix", id)
	}
	addrs := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		addrs = append(addrs, prefix)
	}
	family := state.FamilyIPv6
	if addrs[0].Addr().Is4() {
		family = state.FamilyIPv4
	}

	cfg := state.SampleNodeConfig(id, family)
	cfg.Addresses = addrs
	cfg.AdvertiseInterval = h.Timing.AdvertiseInterval
	cfg.LinkTimeout = h.Timing.LinkTimeout
	cfg.StubCollapse = h.StubCollapse
	state.ExpandNodeConfig(&cfg)
	if err := state.NodeConfigValidator(&cfg); err != nil {
		return err
	}
	h.nodes = append(h.nodes, &SimNode{Cfg: cfg})
	return nil
}

func (h *Harness) endpoint(s string) (Endpoint, error) {
	ep, err := ParseEndpoint(s)
	if err != nil {
		return Endpoint{}, err
	}
	n := h.node(ep.Node)
	if n == nil {
		return Endpoint{}, fmt.Errorf("%s: unknown node %s", s, ep.Node)
	}
	if n.Cfg.GetInterface(ep.Interface) == nil {
		return Endpoint{}, fmt.Errorf("%s: node %s has no interface %s", s, ep.Node, ep.Interface)
	}
	return ep, nil
}

// Connect plugs a cable between two connectors, given as "node:itf".
func (h *Harness) Connect(a, b string) (*VirtualLink, error) {
	epA, err := h.endpoint(a)
	if err != nil {
		return nil, err
	}
	epB, err := h.endpoint(b)
	if err != nil {
		return nil, err
	}
	return h.Net.Connect(epA, epB)
}

// Disconnect pulls the cable plugged into the connector ep.
func (h *Harness) Disconnect(ep string) error {
	e, err := h.endpoint(ep)
	if err != nil {
		return err
	}
	if !h.Net.Disconnect(e) {
		return fmt.Errorf("%s is not connected", ep)
	}
	return nil
}

// Start initializes and runs every node. Errors of running nodes are reported
// on the returned channel.
func (h *Harness) Start() (<-chan error, error) {
	if h.started {
		return nil, errors.New("harness already started")
	}
	log := h.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	h.errs = make(chan error, len(h.nodes))
	for idx, sn := range h.nodes {
		n, err := core.New(sn.Cfg, log.With("node", sn.Cfg.Id), h.Net.Transport(sn.Cfg.Id))
		if err != nil {
			for _, prev := range h.nodes[:idx] {
				prev.Close()
				<-prev.done
			}
			return nil, fmt.Errorf("node %s: %w", sn.Cfg.Id, err)
		}
		sn.Node = n
		sn.done = make(chan struct{})
		go func() {
			defer close(sn.done)
			labels := pprof.Labels("dockmesh node", string(sn.Cfg.Id))
			pprof.Do(context.Background(), labels, func(_ context.Context) {
				if err := n.Run(); err != nil {
					h.errs <- fmt.Errorf("node %s: %w", sn.Cfg.Id, err)
				}
			})
		}()
	}
	h.started = true
	return h.errs, nil
}

// Stop shuts every node down and ends all subscriptions.
func (h *Harness) Stop() {
	if !h.started {
		return
	}
	h.subsMu.Lock()
	for _, sub := range h.subs {
		sub.unregister()
	}
	h.subs = nil
	h.subsMu.Unlock()

	for _, n := range h.nodes {
		n.Close()
	}
	for _, n := range h.nodes {
		<-n.done
	}
	h.Net.Close()
	h.started = false
}

func (sub subscription) unregister() {
	// the broadcaster blocks on full subscribers, keep draining until it lets go
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-sub.ch:
			case <-stop:
				return
			}
		}
	}()
	// the trace is only closed after the loop exits, so a dead node needs nothing
	_, _ = sub.node.DispatchWait(func(s *state.State) (any, error) {
		core.Get[*core.Trace](s).Unregister(sub.ch)
		return nil, nil
	})
	close(stop)
}

// Subscribe streams the RouteChange and LinkChange events of node id. The
// subscription ends when the harness stops; the channel is never closed.
func (h *Harness) Subscribe(id state.NodeId) (<-chan any, error) {
	n := h.node(id)
	if n == nil || n.Node == nil {
		return nil, fmt.Errorf("node %s is not running", id)
	}
	sub := subscription{node: n, ch: make(chan any, state.TraceBuffer)}
	_, err := n.DispatchWait(func(s *state.State) (any, error) {
		core.Get[*core.Trace](s).Register(sub.ch)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	h.subsMu.Lock()
	h.subs = append(h.subs, sub)
	h.subsMu.Unlock()
	return sub.ch, nil
}

// Snapshot is a copy of a node's routing state.
type Snapshot struct {
	Records      []rtable.Record
	Synchronized bool
	Stubbed      bool
	Table        string
}

func (s Snapshot) knows(addr netip.Prefix) bool {
	if s.Stubbed {
		return true // everything is behind the default route
	}
	return slices.ContainsFunc(s.Records, func(r rtable.Record) bool {
		return rtable.SameNetwork(r.Network, addr)
	})
}

func (h *Harness) Snapshot(id state.NodeId) (Snapshot, error) {
	n := h.node(id)
	if n == nil || n.Node == nil {
		return Snapshot{}, fmt.Errorf("node %s is not running", id)
	}
	res, err := n.DispatchWait(func(s *state.State) (any, error) {
		return Snapshot{
			Records:      s.Table.Records(),
			Synchronized: s.Table.IsSynchronized(),
			Stubbed:      s.Table.Stubbed(),
			Table:        s.Table.String(),
		}, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return res.(Snapshot), nil
}

// Table returns the records of node id.
func (h *Harness) Table(id state.NodeId) ([]rtable.Record, error) {
	snap, err := h.Snapshot(id)
	if err != nil {
		return nil, err
	}
	return snap.Records, nil
}

// NextHop resolves addr in the forwarding table of node id.
func (h *Harness) NextHop(id state.NodeId, addr netip.Addr) (rtable.Gateway, bool, error) {
	n := h.node(id)
	if n == nil || n.Node == nil {
		return rtable.Gateway{}, false, fmt.Errorf("node %s is not running", id)
	}
	res, err := n.DispatchWait(func(s *state.State) (any, error) {
		gw, ok := core.Get[*core.ForwardTable](s).NextHop(addr)
		return state.Pair[rtable.Gateway, bool]{V1: gw, V2: ok}, nil
	})
	if err != nil {
		return rtable.Gateway{}, false, err
	}
	p := res.(state.Pair[rtable.Gateway, bool])
	return p.V1, p.V2, nil
}

// components groups the nodes that are joined by cables.
func (h *Harness) components() map[state.NodeId]int {
	comp := make(map[state.NodeId]int)
	adj := make(map[state.NodeId][]state.NodeId)
	for _, link := range h.Net.Links() {
		a, b := link.Ends.V1.Node, link.Ends.V2.Node
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}
	next := 0
	for _, n := range h.nodes {
		if _, ok := comp[n.Cfg.Id]; ok {
			continue
		}
		queue := []state.NodeId{n.Cfg.Id}
		comp[n.Cfg.Id] = next
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, nb := range adj[cur] {
				if _, ok := comp[nb]; !ok {
					comp[nb] = next
					queue = append(queue, nb)
				}
			}
		}
		next++
	}
	return comp
}

// Converged reports whether every node is synchronized and knows the
// addresses of every node it has a path to.
func (h *Harness) Converged() (bool, error) {
	comp := h.components()
	for _, n := range h.nodes {
		snap, err := h.Snapshot(n.Cfg.Id)
		if err != nil {
			return false, err
		}
		if !snap.Synchronized {
			return false, nil
		}
		for _, other := range h.nodes {
			if comp[other.Cfg.Id] != comp[n.Cfg.Id] {
				continue
			}
			for _, addr := range other.Cfg.Addresses {
				if !snap.knows(addr) {
					return false, nil
				}
			}
		}
	}
	return true, nil
}

// WaitConverged polls Converged until it holds or ctx is done.
func (h *Harness) WaitConverged(ctx context.Context) error {
	if len(h.nodes) == 0 {
		return nil
	}
	poll := h.nodes[0].Cfg.AdvertiseInterval.D() / 4
	for {
		ok, err := h.Converged()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("fleet did not converge: %w", context.Cause(ctx))
		case err := <-h.errs:
			return err
		case <-time.After(poll):
		}
	}
}
