package sim

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"

	"github.com/encodeous/dockmesh/state"
	"github.com/goccy/go-yaml"
)

// Topology describes a fleet for `dockmesh sim`.
type Topology struct {
	Nodes        []TopologyNode `yaml:"nodes"`
	Links        []TopologyLink `yaml:"links"`
	Timing       Timing         `yaml:"timing,omitempty"`
	StubCollapse bool           `yaml:"stub_collapse,omitempty"`
}

type TopologyNode struct {
	Id        state.NodeId   `yaml:"id"`
	Addresses []netip.Prefix `yaml:"addresses"`
}

// TopologyLink is a cable between two connectors written as "node:itf".
type TopologyLink struct {
	A       string         `yaml:"a"`
	B       string         `yaml:"b"`
	Latency state.Duration `yaml:"latency,omitempty"`
	Jitter  state.Duration `yaml:"jitter,omitempty"`
	Loss    float64        `yaml:"loss,omitempty"`
}

func LoadTopology(path string) (*Topology, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTopology(file)
}

func ParseTopology(data []byte) (*Topology, error) {
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, err
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Validate checks the parts of the topology that do not depend on node
// configuration. Build checks the rest.
func (t *Topology) Validate() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("topology has no nodes")
	}
	cables := make([]state.Pair[string, string], 0, len(t.Links))
	for _, l := range t.Links {
		a, err := ParseEndpoint(l.A)
		if err != nil {
			return err
		}
		b, err := ParseEndpoint(l.B)
		if err != nil {
			return err
		}
		if l.Loss < 0 || l.Loss > 1 {
			return fmt.Errorf("link %s-%s: loss %v is not between 0 and 1", l.A, l.B, l.Loss)
		}
		if l.Latency < 0 || l.Jitter < 0 {
			return fmt.Errorf("link %s-%s: negative latency", l.A, l.B)
		}
		cables = append(cables, state.MakeSortedPair(a.String(), b.String()))
	}
	state.SortPairs(cables)
	for i := 1; i < len(cables); i++ {
		if cables[i] == cables[i-1] {
			return fmt.Errorf("duplicate link %s-%s", cables[i].V1, cables[i].V2)
		}
	}
	return nil
}

// Build creates a stopped harness for the topology.
func (t *Topology) Build(log *slog.Logger) (*Harness, error) {
	h := NewHarness()
	h.Timing = t.Timing
	h.StubCollapse = t.StubCollapse
	h.Log = log
	for _, n := range t.Nodes {
		prefixes := make([]string, 0, len(n.Addresses))
		for _, p := range n.Addresses {
			prefixes = append(prefixes, p.String())
		}
		if err := h.AddNode(n.Id, prefixes...); err != nil {
			return nil, err
		}
	}
	for _, l := range t.Links {
		link, err := h.Connect(l.A, l.B)
		if err != nil {
			return nil, err
		}
		link.WithLatency(l.Latency.D(), l.Jitter.D()).WithPacketLoss(l.Loss)
	}
	return h, nil
}
