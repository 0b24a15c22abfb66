package state

import (
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/encodeous/dockmesh/rtable"
)

type NodeId string

// Family is the address family routed by a node. It does not affect the
// transport, which always runs over IPv6 link-local multicast.
type Family string

const (
	FamilyIPv6 Family = "ipv6"
	FamilyIPv4 Family = "ipv4"
)

func (f Family) AddrLen() int {
	if f == FamilyIPv4 {
		return rtable.IPv4Len
	}
	return rtable.IPv6Len
}

// Duration is a time.Duration written as "5s" in config files
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// InterfaceCfg is one dock connector of the module
type InterfaceCfg struct {
	Name   rtable.InterfaceId `yaml:"name"`             // name advertised routes are attributed to, at most 4 bytes
	Device string             `yaml:"device,omitempty"` // OS network device backing the connector, defaults to Name
}

// NodeCfg represents local node-level configuration
type NodeCfg struct {
	Id                NodeId         `yaml:"id"`
	Family            Family         `yaml:"family,omitempty"`
	Addresses         []netip.Prefix `yaml:"addresses"` // networks owned by this module, advertised with cost 1
	Interfaces        []InterfaceCfg `yaml:"interfaces"`
	Group             netip.Addr     `yaml:"group,omitempty"`              // multicast group of the routing daemons
	Port              uint16         `yaml:"port,omitempty"`               // udp port of the routing daemons
	AdvertiseInterval Duration       `yaml:"advertise_interval,omitempty"` // period of the Call sent on every connector
	LinkTimeout       Duration       `yaml:"link_timeout,omitempty"`       // a connector is down after this much silence
	MaxCost           uint16         `yaml:"max_cost,omitempty"`
	StubCollapse      bool           `yaml:"stub_collapse,omitempty"` // collapse to a default route when there is a single way out
	LogPath           string         `yaml:"log_path,omitempty"`      // if not empty, dockmesh will also write to this file
	IpcPath           string         `yaml:"ipc_path,omitempty"`      // if not empty, serve inspect requests on this unix socket
}

func (c *NodeCfg) GetInterface(name rtable.InterfaceId) *InterfaceCfg {
	idx := slices.IndexFunc(c.Interfaces, func(itf InterfaceCfg) bool {
		return itf.Name == name
	})
	if idx == -1 {
		return nil
	}
	return &c.Interfaces[idx]
}

func (c *NodeCfg) InterfaceNames() []rtable.InterfaceId {
	names := make([]rtable.InterfaceId, 0, len(c.Interfaces))
	for _, itf := range c.Interfaces {
		names = append(names, itf.Name)
	}
	return names
}

// ExpandNodeConfig fills unset fields with their defaults
func ExpandNodeConfig(cfg *NodeCfg) {
	if cfg.Family == "" {
		cfg.Family = FamilyIPv6
	}
	if !cfg.Group.IsValid() {
		cfg.Group = DefaultGroup
	}
	if cfg.Port == 0 {
		cfg.Port = uint16(DefaultPort)
	}
	if cfg.AdvertiseInterval == 0 {
		cfg.AdvertiseInterval = Duration(AdvertiseInterval)
	}
	if cfg.LinkTimeout == 0 {
		cfg.LinkTimeout = Duration(LinkTimeoutFactor * cfg.AdvertiseInterval.D())
	}
	if cfg.MaxCost == 0 {
		cfg.MaxCost = MaxCost
	}
	for i, itf := range cfg.Interfaces {
		if itf.Device == "" {
			cfg.Interfaces[i].Device = string(itf.Name)
		}
	}
	for i, p := range cfg.Addresses {
		cfg.Addresses[i] = p.Masked()
	}
}

// SampleNodeConfig is written by `dockmesh init`
func SampleNodeConfig(id NodeId, family Family) NodeCfg {
	addr := netip.MustParsePrefix("fc07::1/128")
	if family == FamilyIPv4 {
		addr = netip.MustParsePrefix("10.7.0.1/32")
	}
	cfg := NodeCfg{
		Id:        id,
		Family:    family,
		Addresses: []netip.Prefix{addr},
	}
	for i := range 6 {
		cfg.Interfaces = append(cfg.Interfaces, InterfaceCfg{
			Name: rtable.InterfaceId(fmt.Sprintf("rd%d", i)),
		})
	}
	ExpandNodeConfig(&cfg)
	return cfg
}
