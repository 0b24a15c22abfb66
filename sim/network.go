package sim

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/encodeous/dockmesh/rtable"
	"github.com/encodeous/dockmesh/state"
)

// InboxSize is how many packets a connector buffers before it starts dropping.
var InboxSize = 256

// Endpoint is one dock connector of a simulated module, written "node:itf".
type Endpoint struct {
	Node      state.NodeId
	Interface rtable.InterfaceId
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%s", e.Node, e.Interface)
}

func compareEndpoints(a, b Endpoint) int {
	if c := cmp.Compare(a.Node, b.Node); c != 0 {
		return c
	}
	return cmp.Compare(a.Interface, b.Interface)
}

func ParseEndpoint(s string) (Endpoint, error) {
	node, itf, ok := strings.Cut(s, ":")
	if !ok || node == "" || itf == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q must look like node:interface", s)
	}
	return Endpoint{Node: state.NodeId(node), Interface: rtable.InterfaceId(itf)}, nil
}

// VirtualLink is a cable between two connectors. Configure it before traffic
// starts flowing over it.
type VirtualLink struct {
	Ends       state.Pair[Endpoint, Endpoint]
	Latency    time.Duration
	Jitter     time.Duration
	PacketLoss float64
}

func (v *VirtualLink) WithLatency(lat, jitter time.Duration) *VirtualLink {
	v.Latency = lat
	v.Jitter = jitter
	return v
}

func (v *VirtualLink) WithPacketLoss(loss float64) *VirtualLink {
	v.PacketLoss = loss
	return v
}

func (v *VirtualLink) String() string {
	return fmt.Sprintf("%s <-> %s", v.Ends.V1, v.Ends.V2)
}

func (v *VirtualLink) peer(of Endpoint) Endpoint {
	if v.Ends.V1 == of {
		return v.Ends.V2
	}
	return v.Ends.V1
}

// VirtualNetwork is an in-memory set of cables between the connectors of
// simulated modules. A connector without a cable silently drops what is sent
// on it, like a dock with nothing attached.
type VirtualNetwork struct {
	mu      sync.Mutex
	ports   map[Endpoint]*port
	links   map[Endpoint]*VirtualLink
	pending sync.WaitGroup
}

func NewVirtualNetwork() *VirtualNetwork {
	return &VirtualNetwork{
		ports: make(map[Endpoint]*port),
		links: make(map[Endpoint]*VirtualLink),
	}
}

// Connect plugs a cable between a and b. Either side may be opened later.
func (n *VirtualNetwork) Connect(a, b Endpoint) (*VirtualLink, error) {
	if a.Node == b.Node {
		return nil, fmt.Errorf("cannot connect %s to %s, both are on node %s", a, b, a.Node)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ep := range []Endpoint{a, b} {
		if link, ok := n.links[ep]; ok {
			return nil, fmt.Errorf("%s is already connected (%s)", ep, link)
		}
	}
	if compareEndpoints(a, b) > 0 {
		a, b = b, a
	}
	link := &VirtualLink{Ends: state.Pair[Endpoint, Endpoint]{V1: a, V2: b}}
	n.links[a] = link
	n.links[b] = link
	return link, nil
}

// Disconnect pulls the cable plugged into ep. It returns false if there was none.
func (n *VirtualNetwork) Disconnect(ep Endpoint) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	link, ok := n.links[ep]
	if !ok {
		return false
	}
	delete(n.links, link.Ends.V1)
	delete(n.links, link.Ends.V2)
	return true
}

// Links returns every cable, ordered by their first endpoint.
func (n *VirtualNetwork) Links() []*VirtualLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*VirtualLink, 0, len(n.links)/2)
	for ep, link := range n.links {
		if link.Ends.V1 == ep {
			out = append(out, link)
		}
	}
	slices.SortFunc(out, func(a, b *VirtualLink) int {
		return compareEndpoints(a.Ends.V1, b.Ends.V1)
	})
	return out
}

// Transport returns the connectors of node, for use as its state.Transport.
func (n *VirtualNetwork) Transport(node state.NodeId) state.Transport {
	return &nodeTransport{net: n, node: node}
}

// Close waits for delayed packets to land. Call it after every node has stopped.
func (n *VirtualNetwork) Close() {
	n.pending.Wait()
}

func (n *VirtualNetwork) deliver(from Endpoint, pkt []byte) {
	n.mu.Lock()
	link, ok := n.links[from]
	if !ok {
		n.mu.Unlock()
		return
	}
	dst := n.ports[link.peer(from)]
	lat, jitter, loss := link.Latency, link.Jitter, link.PacketLoss
	n.mu.Unlock()

	if dst == nil {
		return
	}
	if loss > 0 && rand.Float64() < loss {
		return
	}
	buf := slices.Clone(pkt)
	if lat == 0 {
		dst.push(buf)
		return
	}
	simLat := lat + time.Duration(rand.Float64()*float64(jitter))
	n.pending.Add(1)
	time.AfterFunc(simLat, func() {
		defer n.pending.Done()
		dst.push(buf)
	})
}

type nodeTransport struct {
	net  *VirtualNetwork
	node state.NodeId
}

func (t *nodeTransport) Open(itf state.InterfaceCfg, recv func(pkt []byte)) (state.Link, error) {
	ep := Endpoint{Node: t.node, Interface: itf.Name}
	p := &port{
		inbox:  make(chan []byte, InboxSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	t.net.mu.Lock()
	if _, ok := t.net.ports[ep]; ok {
		t.net.mu.Unlock()
		return nil, fmt.Errorf("%s is already open", ep)
	}
	t.net.ports[ep] = p
	t.net.mu.Unlock()

	go p.pump(recv)
	return &virtualPort{net: t.net, ep: ep, port: p}, nil
}

type port struct {
	inbox  chan []byte
	done   chan struct{}
	exited chan struct{}
}

func (p *port) pump(recv func(pkt []byte)) {
	defer close(p.exited)
	for {
		select {
		case pkt := <-p.inbox:
			recv(pkt)
		case <-p.done:
			return
		}
	}
}

// push queues pkt, dropping it if the connector is closed or backed up.
func (p *port) push(pkt []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.inbox <- pkt:
		return true
	default:
		return false
	}
}

type virtualPort struct {
	net  *VirtualNetwork
	ep   Endpoint
	port *port
	once sync.Once
}

func (v *virtualPort) Send(pkt []byte) error {
	v.net.deliver(v.ep, pkt)
	return nil
}

func (v *virtualPort) Close() error {
	v.once.Do(func() {
		v.net.mu.Lock()
		if v.net.ports[v.ep] == v.port {
			delete(v.net.ports, v.ep)
		}
		v.net.mu.Unlock()
		close(v.port.done)
		<-v.port.exited
	})
	return nil
}
