package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"

	"github.com/encodeous/dockmesh/rtable"
	"github.com/encodeous/dockmesh/state"
	"golang.org/x/net/ipv6"
)

// UDPTransport carries advertisements over IPv6 link-local multicast with one
// socket per dock connector. Neighbours are whoever else joined the group on
// the same device.
type UDPTransport struct {
	Group netip.Addr
	Port  uint16
	Log   *slog.Logger
}

func NewUDPTransport(cfg *state.NodeCfg, log *slog.Logger) *UDPTransport {
	return &UDPTransport{
		Group: cfg.Group,
		Port:  cfg.Port,
		Log:   log,
	}
}

func (t *UDPTransport) Open(itf state.InterfaceCfg, recv func(pkt []byte)) (state.Link, error) {
	ifi, err := net.InterfaceByName(itf.Device)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp6", fmt.Sprintf("[::]:%d", t.Port))
	if err != nil {
		return nil, err
	}
	conn := ipv6.NewPacketConn(pc)
	fail := func(err error) (state.Link, error) {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", itf.Device, err)
	}

	group := &net.UDPAddr{IP: t.Group.AsSlice()}
	if err := conn.JoinGroup(ifi, group); err != nil {
		return fail(err)
	}
	if err := conn.SetControlMessage(ipv6.FlagInterface, true); err != nil {
		return fail(err)
	}
	if err := conn.SetMulticastInterface(ifi); err != nil {
		return fail(err)
	}
	if err := conn.SetMulticastLoopback(false); err != nil {
		return fail(err)
	}
	if err := conn.SetMulticastHopLimit(1); err != nil {
		return fail(err)
	}

	l := &udpLink{
		name: itf.Name,
		conn: conn,
		ifi:  ifi,
		dst: &net.UDPAddr{
			IP:   t.Group.AsSlice(),
			Port: int(t.Port),
			Zone: ifi.Name,
		},
		log: t.Log,
	}
	go l.read(recv)
	return l, nil
}

type udpLink struct {
	name rtable.InterfaceId
	conn *ipv6.PacketConn
	ifi  *net.Interface
	dst  *net.UDPAddr
	log  *slog.Logger
}

func (l *udpLink) read(recv func(pkt []byte)) {
	buf := make([]byte, 65535)
	for {
		n, cm, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Debug("udp read failed", "itf", l.name, "err", err)
			continue
		}
		// every socket is bound to the same port, keep only our device's traffic
		if cm != nil && cm.IfIndex != l.ifi.Index {
			continue
		}
		recv(slices.Clone(buf[:n]))
	}
}

func (l *udpLink) Send(pkt []byte) error {
	_, err := l.conn.WriteTo(pkt, &ipv6.ControlMessage{IfIndex: l.ifi.Index, HopLimit: 1}, l.dst)
	return err
}

func (l *udpLink) Close() error {
	return l.conn.Close()
}
