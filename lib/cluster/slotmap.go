package cluster

import (
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/ValentinKolb/kvengine/rpc/common"
)

// Shard is a primary node and its replicas
type Shard struct {
	ID       string
	Primary  string
	Replicas []string
}

// SlotRange assigns the slots [Start, End] to a shard
type SlotRange struct {
	Start, End int
	Shard      *Shard
}

// SlotMap maps every hash slot to the shard owning it. A SlotMap is never
// modified after creation, changes produce a new map with a higher version.
type SlotMap struct {
	slots   [NumSlots]*Shard
	version uint64
}

// NewSlotMap builds a map from ranges. Slots not covered by any range stay
// unassigned.
func NewSlotMap(ranges []SlotRange, version uint64) (*SlotMap, error) {
	m := &SlotMap{version: version}
	for _, r := range ranges {
		if r.Start < 0 || r.End >= NumSlots || r.Start > r.End {
			return nil, fmt.Errorf("invalid slot range %d-%d", r.Start, r.End)
		}
		if r.Shard == nil || r.Shard.Primary == "" {
			return nil, fmt.Errorf("slot range %d-%d has no primary", r.Start, r.End)
		}
		for s := r.Start; s <= r.End; s++ {
			m.slots[s] = r.Shard
		}
	}
	return m, nil
}

// StandaloneSlotMap assigns all slots to a single node
func StandaloneSlotMap(addr string) *SlotMap {
	m := &SlotMap{version: 1}
	shard := &Shard{ID: addr, Primary: addr}
	for s := range m.slots {
		m.slots[s] = shard
	}
	return m
}

// Version increases with every change of the map
func (m *SlotMap) Version() uint64 { return m.version }

// Shard returns the shard owning slot, nil if the slot is not covered
func (m *SlotMap) Shard(slot int) *Shard {
	if slot < 0 || slot >= NumSlots {
		return nil
	}
	return m.slots[slot]
}

// Primary returns the address of the primary owning slot
func (m *SlotMap) Primary(slot int) (string, bool) {
	if s := m.Shard(slot); s != nil {
		return s.Primary, true
	}
	return "", false
}

// Primaries returns the sorted addresses of all primaries owning at least one slot
func (m *SlotMap) Primaries() []string {
	seen := make(map[string]struct{})
	for _, s := range m.slots {
		if s != nil {
			seen[s.Primary] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Nodes returns the sorted addresses of all primaries and replicas
func (m *SlotMap) Nodes() []string {
	seen := make(map[string]struct{})
	for _, s := range m.slots {
		if s == nil {
			continue
		}
		seen[s.Primary] = struct{}{}
		for _, r := range s.Replicas {
			seen[r] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// SlotsOf returns the slots whose primary is addr
func (m *SlotMap) SlotsOf(addr string) []int {
	var slots []int
	for i, s := range m.slots {
		if s != nil && s.Primary == addr {
			slots = append(slots, i)
		}
	}
	return slots
}

// Uncovered returns the number of slots without owner
func (m *SlotMap) Uncovered() int {
	n := 0
	for _, s := range m.slots {
		if s == nil {
			n++
		}
	}
	return n
}

// WithSlot returns a copy of the map in which slot is owned by the primary
// addr. The receiver is left untouched.
func (m *SlotMap) WithSlot(slot int, addr string) *SlotMap {
	next := &SlotMap{slots: m.slots, version: m.version + 1}

	var target *Shard
	for _, s := range m.slots {
		if s != nil && s.Primary == addr {
			target = s
			break
		}
	}
	if target == nil {
		target = &Shard{ID: addr, Primary: addr}
	}
	next.slots[slot] = target
	return next
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --------------------------------------------------------------------------
// CLUSTER SLOTS
// --------------------------------------------------------------------------

// parseClusterSlots converts a CLUSTER SLOTS reply into slot ranges. Nodes
// reported without host are reachable under the host of the queried node.
func parseClusterSlots(v common.Value, queried string) ([]SlotRange, error) {
	if v.Kind != common.KindArray {
		return nil, fmt.Errorf("expected array, got %s", v.Kind)
	}
	queriedHost, _, _ := net.SplitHostPort(queried)

	ranges := make([]SlotRange, 0, len(v.Array))
	for i, e := range v.Array {
		if e.Kind != common.KindArray || len(e.Array) < 3 {
			return nil, fmt.Errorf("entry %d: malformed slot range", i)
		}
		start, err := e.Array[0].AsInt()
		if err != nil {
			return nil, fmt.Errorf("entry %d: start: %w", i, err)
		}
		end, err := e.Array[1].AsInt()
		if err != nil {
			return nil, fmt.Errorf("entry %d: end: %w", i, err)
		}

		shard := &Shard{}
		for j, n := range e.Array[2:] {
			addr, id, err := parseNode(n, queriedHost)
			if err != nil {
				return nil, fmt.Errorf("entry %d node %d: %w", i, j, err)
			}
			if j == 0 {
				shard.Primary, shard.ID = addr, id
			} else {
				shard.Replicas = append(shard.Replicas, addr)
			}
		}
		ranges = append(ranges, SlotRange{Start: int(start), End: int(end), Shard: shard})
	}
	return ranges, nil
}

func parseNode(v common.Value, fallbackHost string) (addr, id string, err error) {
	if v.Kind != common.KindArray || len(v.Array) < 2 {
		return "", "", fmt.Errorf("malformed node")
	}
	host, _ := v.Array[0].AsString()
	if host == "" || host == "?" {
		host = fallbackHost
	}
	port, err := v.Array[1].AsInt()
	if err != nil {
		return "", "", fmt.Errorf("port: %w", err)
	}
	addr = net.JoinHostPort(host, strconv.FormatInt(port, 10))
	id = addr
	if len(v.Array) > 2 {
		if s, ok := v.Array[2].AsString(); ok && s != "" {
			id = s
		}
	}
	return addr, id, nil
}
