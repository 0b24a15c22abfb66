package rtable

import (
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"slices"
	"strings"
)

// ForwardingSink mirrors best-path changes into a forwarding table.
type ForwardingSink interface {
	InsertRoute(network netip.Prefix, via Gateway)
	DeleteRoute(network netip.Prefix)
}

// RoutingTable is the per-node distance-vector table. It is not safe for
// concurrent use; the owner must serialize access.
type RoutingTable struct {
	// MaxCost drops advertised routes costlier than it. Zero disables the limit.
	MaxCost uint16

	addrLen   int
	records   []Record // longest prefix first
	stubbies  map[InterfaceId]struct{}
	counter   int32
	stub      bool
	defaultGw *Gateway
	version   uint64
	sink      ForwardingSink
	log       *slog.Logger
}

// New creates an empty table for addresses of addrLen bytes (IPv4Len or
// IPv6Len). sink and log may be nil.
func New(addrLen int, sink ForwardingSink, log *slog.Logger) *RoutingTable {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &RoutingTable{
		addrLen:  addrLen,
		stubbies: make(map[InterfaceId]struct{}),
		sink:     sink,
		log:      log,
	}
}

func (t *RoutingTable) AddrLen() int {
	return t.addrLen
}

func (t *RoutingTable) indexOf(network netip.Prefix) int {
	return slices.IndexFunc(t.records, func(r Record) bool {
		return SameNetwork(r.Network, network)
	})
}

func (t *RoutingTable) accepts(network netip.Prefix) bool {
	if !network.IsValid() || AddrLen(network) != t.addrLen {
		t.log.Debug("ignored network of foreign family", "network", network, "addrlen", t.addrLen)
		return false
	}
	return true
}

// insert keeps records ordered by descending prefix length and returns the
// new record's index.
func (t *RoutingTable) insert(rec Record) int {
	pos := slices.IndexFunc(t.records, func(r Record) bool {
		return rec.Network.Bits() > r.Network.Bits()
	})
	if pos == -1 {
		pos = len(t.records)
	}
	t.records = slices.Insert(t.records, pos, rec)
	return pos
}

func (t *RoutingTable) installBest(rec *Record) {
	t.version++
	best, ok := rec.Best()
	if !ok || t.sink == nil {
		return
	}
	t.sink.InsertRoute(rec.Network, best)
}

func (t *RoutingTable) erase(idx int) {
	network := t.records[idx].Network
	t.records = slices.Delete(t.records, idx, idx+1)
	t.version++
	if t.sink != nil {
		t.sink.DeleteRoute(network)
	}
}

// AddRecord adds or merges a route to network through the interface from.
// It returns true if a record was created or its best gateway changed.
func (t *RoutingTable) AddRecord(network netip.Prefix, cost uint16, from InterfaceId) bool {
	if !t.accepts(network) {
		return false
	}
	if t.MaxCost != 0 && cost > t.MaxCost {
		t.log.Debug("ignored route over cost limit", "network", network, "cost", cost, "from", from)
		return false
	}
	if t.stub && from == t.defaultGw.Name {
		return false // covered by the default route
	}

	rec := NewRecord(network, from, cost)
	idx := t.indexOf(network)
	if idx == -1 {
		idx = t.insert(rec)
		t.installBest(&t.records[idx])
		return true
	}

	found := &t.records[idx]
	if found.IsLoopback() {
		t.log.Debug("ignored route to loopback network", "network", network, "from", from)
		return false
	}
	if len(found.Gateways) == 1 && found.Gateways[0].Equal(rec.Gateways[0]) {
		return false
	}
	if found.Merge(&rec) {
		t.installBest(found)
		return true
	}
	return false
}

// AddLoopback registers a locally owned network. Loopback records are never
// overridden by advertisements.
func (t *RoutingTable) AddLoopback(network netip.Prefix) bool {
	if !t.accepts(network) {
		return false
	}
	self := NewRecord(network, SelfInterface, 0)
	idx := t.indexOf(network)
	if idx == -1 {
		idx = t.insert(self)
		t.installBest(&t.records[idx])
		return true
	}
	found := &t.records[idx]
	if found.IsLoopback() {
		return false
	}
	if found.Merge(&self) {
		t.installBest(found)
	}
	return true
}

// RemoveRecord withdraws the route to network through from. It returns true
// if the network was known.
func (t *RoutingTable) RemoveRecord(network netip.Prefix, from InterfaceId) bool {
	idx := t.indexOf(network)
	if idx == -1 {
		return false
	}
	rec := &t.records[idx]
	withdrawn := NewRecord(network, from, 0)
	if rec.Disjoin(&withdrawn) {
		if !rec.Valid() {
			t.erase(idx)
		} else {
			t.installBest(rec)
		}
	}
	return true
}

// RemoveRecordForInterface drops every gateway through name, erasing records
// that are left without one. Callers use it when a connector goes down.
func (t *RoutingTable) RemoveRecordForInterface(name InterfaceId) bool {
	modified := false
	delete(t.stubbies, name)

	for i := 0; i < len(t.records); {
		rec := &t.records[i]
		before, _ := rec.Best()
		if !rec.Remove(name) {
			i++
			continue
		}
		modified = true
		if !rec.Valid() {
			t.erase(i)
			continue
		}
		if after, _ := rec.Best(); !after.Equal(before) {
			t.installBest(rec)
		}
		i++
	}

	if t.stub && t.defaultGw.Name == name {
		t.ClearStub()
		modified = true
	}
	return modified
}

// RemoveNetwork erases the record for network regardless of its gateways.
func (t *RoutingTable) RemoveNetwork(network netip.Prefix) bool {
	idx := t.indexOf(network)
	if idx == -1 {
		return false
	}
	t.erase(idx)
	return true
}

func addCost(a, b uint16) uint16 {
	return uint16(min(uint32(a)+uint32(b), math.MaxUint16))
}

// BuildAdvertisement encodes the table for sending out of exclude, omitting
// every record learned through it. A Call counts as one outstanding request.
func (t *RoutingTable) BuildAdvertisement(exclude InterfaceId, cmd Command) []byte {
	if cmd == Call {
		t.counter++
	}

	entries := make([]Entry, 0, len(t.records))
	for i := range t.records {
		rec := &t.records[i]
		best, ok := rec.Best()
		if !ok || best.Name == exclude {
			continue
		}
		entries = append(entries, Entry{
			Network: rec.Network,
			Cost:    addCost(best.Cost, 1),
		})
	}
	if len(entries) > MaxEntries {
		t.log.Warn("advertisement truncated", "records", len(entries), "max", MaxEntries, "exclude", exclude)
		entries = entries[:MaxEntries]
	}

	adv := Advertisement{
		Command: cmd,
		AddrLen: t.addrLen,
		Entries: entries,
	}
	return adv.Encode()
}

// Update ingests an advertisement received on from. It returns true if the
// sender asked for a response. A malformed advertisement is rejected with an
// error wrapping ErrMalformedAdvertisement and leaves the records untouched.
func (t *RoutingTable) Update(pkt []byte, from InterfaceId) (bool, error) {
	if len(pkt) < HeaderSize {
		return false, ErrTooShort
	}
	cmd := Command(pkt[0])
	if cmd > Stubby {
		return false, fmt.Errorf("%w %d", ErrUnknownCommand, pkt[0])
	}

	if cmd == Stubby {
		t.stubbies[from] = struct{}{}
	} else {
		delete(t.stubbies, from)
	}
	if cmd != Call {
		t.counter--
		if t.counter < 0 {
			t.log.Warn("unsolicited advertisement drove sync counter negative", "counter", t.counter, "from", from, "cmd", cmd)
		}
	}

	_, count, err := DecodeHeader(pkt, t.addrLen)
	if err != nil {
		return false, err
	}
	entries, err := decodeEntries(pkt[HeaderSize:], t.addrLen, count)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		t.AddRecord(e.Network, e.Cost, from)
	}
	return cmd == Call, nil
}

// CancelCalls forgets n outstanding Calls that will never be answered, such
// as those sent on a link that has since gone down.
func (t *RoutingTable) CancelCalls(n int) {
	if n <= 0 {
		return
	}
	t.counter -= int32(n)
	if t.counter < 0 {
		t.log.Warn("cancelled more calls than outstanding", "counter", t.counter, "cancelled", n)
	}
}

// SetCallCounter overrides the number of outstanding Calls. Owners that track
// Calls per interface use it to recover from answers that arrive after their
// Call was cancelled.
func (t *RoutingTable) SetCallCounter(n int32) {
	t.counter = n
}

func (t *RoutingTable) CallCounter() int32 {
	return t.counter
}

func (t *RoutingTable) IsSynchronized() bool {
	return t.counter == 0
}

// ResponseCommand is the command to answer a Call with.
func (t *RoutingTable) ResponseCommand() Command {
	if t.IsStub() {
		return Stubby
	}
	return Response
}

// StubAdvertisers lists the interfaces whose neighbours announced themselves
// as leaves.
func (t *RoutingTable) StubAdvertisers() []InterfaceId {
	out := make([]InterfaceId, 0, len(t.stubbies))
	for name := range t.stubbies {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Find returns a copy of the record for network.
func (t *RoutingTable) Find(network netip.Prefix) (Record, bool) {
	idx := t.indexOf(network)
	if idx == -1 {
		return Record{}, false
	}
	return t.records[idx].Clone(), true
}

// Lookup returns a copy of the longest-prefix record containing addr.
func (t *RoutingTable) Lookup(addr netip.Addr) (Record, bool) {
	for i := range t.records {
		if t.records[i].Network.Contains(addr) {
			return t.records[i].Clone(), true
		}
	}
	return Record{}, false
}

// Records returns a copy of all records, longest prefix first.
func (t *RoutingTable) Records() []Record {
	out := make([]Record, 0, len(t.records))
	for i := range t.records {
		out = append(out, t.records[i].Clone())
	}
	return out
}

func (t *RoutingTable) Len() int {
	return len(t.records)
}

// Version increases whenever a record is inserted or erased, or its best
// gateway changes.
func (t *RoutingTable) Version() uint64 {
	return t.version
}

func (t *RoutingTable) String() string {
	sb := strings.Builder{}
	dgw := "not set"
	if t.defaultGw != nil {
		dgw = t.defaultGw.String()
	}
	sb.WriteString(fmt.Sprintf("default gateway %s, stub %t, counter %d\n", dgw, t.stub, t.counter))
	for i, r := range t.records {
		sb.WriteString(fmt.Sprintf("record %d: %s\n", i, r))
	}
	return sb.String()
}
