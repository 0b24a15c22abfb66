package rtable

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

type Command uint8

const (
	Call Command = iota
	Response
	Stubby
)

func (c Command) String() string {
	switch c {
	case Call:
		return "Call"
	case Response:
		return "Response"
	case Stubby:
		return "Stubby"
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

const (
	// HeaderSize is [command][addrLen][count].
	HeaderSize = 3
	// MaxEntries is the most entries a single advertisement can carry.
	MaxEntries = 255
)

// EntrySize is the encoded size of one entry: address, mask, cost.
func EntrySize(addrLen int) int {
	return addrLen + 3
}

type Entry struct {
	Network netip.Prefix
	Cost    uint16
}

// Advertisement is a decoded routing update.
type Advertisement struct {
	Command Command
	AddrLen int
	Entries []Entry
}

// Encode serializes the advertisement. Entries beyond MaxEntries are dropped;
// callers that care must check len(Entries) first.
func (a *Advertisement) Encode() []byte {
	entries := a.Entries
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	size := EntrySize(a.AddrLen)
	buf := make([]byte, HeaderSize+len(entries)*size)
	buf[0] = byte(a.Command)
	buf[1] = byte(a.AddrLen)
	buf[2] = byte(len(entries))
	off := HeaderSize
	for _, e := range entries {
		addr := e.Network.Addr().AsSlice()
		copy(buf[off:off+a.AddrLen], addr)
		buf[off+a.AddrLen] = byte(e.Network.Bits())
		binary.LittleEndian.PutUint16(buf[off+a.AddrLen+1:], e.Cost)
		off += size
	}
	return buf
}

// DecodeHeader validates the fixed header and the total length against the
// expected address length.
func DecodeHeader(pkt []byte, addrLen int) (Command, int, error) {
	if len(pkt) < HeaderSize {
		return 0, 0, ErrTooShort
	}
	cmd := Command(pkt[0])
	if cmd > Stubby {
		return cmd, 0, fmt.Errorf("%w %d", ErrUnknownCommand, pkt[0])
	}
	if int(pkt[1]) != addrLen {
		return cmd, 0, fmt.Errorf("%w: got %d, want %d", ErrAddrLen, pkt[1], addrLen)
	}
	count := int(pkt[2])
	if len(pkt) != HeaderSize+count*EntrySize(addrLen) {
		return cmd, 0, fmt.Errorf("%w: %d entries in %d bytes", ErrLength, count, len(pkt))
	}
	return cmd, count, nil
}

// DecodeAdvertisement parses and validates a whole advertisement.
func DecodeAdvertisement(pkt []byte, addrLen int) (Advertisement, error) {
	cmd, count, err := DecodeHeader(pkt, addrLen)
	if err != nil {
		return Advertisement{}, err
	}
	entries, err := decodeEntries(pkt[HeaderSize:], addrLen, count)
	if err != nil {
		return Advertisement{}, err
	}
	return Advertisement{
		Command: cmd,
		AddrLen: addrLen,
		Entries: entries,
	}, nil
}

func decodeEntries(body []byte, addrLen, count int) ([]Entry, error) {
	size := EntrySize(addrLen)
	entries := make([]Entry, 0, count)
	for i := range count {
		raw := body[i*size : (i+1)*size]
		addr, ok := netip.AddrFromSlice(raw[:addrLen])
		if !ok {
			return nil, fmt.Errorf("%w: entry %d", ErrAddrLen, i)
		}
		mask := int(raw[addrLen])
		if mask > addrLen*8 {
			return nil, fmt.Errorf("%w: entry %d has /%d", ErrBadMask, i, mask)
		}
		cost := binary.LittleEndian.Uint16(raw[addrLen+1:])
		if cost == 0 {
			return nil, fmt.Errorf("%w: entry %d (%s/%d)", ErrZeroCost, i, addr, mask)
		}
		entries = append(entries, Entry{
			Network: netip.PrefixFrom(addr, mask),
			Cost:    cost,
		})
	}
	return entries, nil
}

func (a Advertisement) String() string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("%s addrlen=%d entries=%d\n", a.Command, a.AddrLen, len(a.Entries)))
	for _, e := range a.Entries {
		sb.WriteString(fmt.Sprintf(" - %s cost %d\n", e.Network, e.Cost))
	}
	return sb.String()
}
