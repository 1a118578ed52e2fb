// Package nodetest provides an in-memory store cluster for tests. Every node
// listens on a real TCP port and speaks the node protocol, all nodes share one
// key space and one slot ownership table that tests can change at any time
// to provoke MOVED and ASK redirects.
package nodetest

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/ValentinKolb/kvengine/lib/cluster"
	"github.com/stretchr/testify/require"
)

// entry is one stored key
type entry struct {
	value   string
	version uint64
}

// Cluster is a set of nodes sharing a key space
type Cluster struct {
	mu         sync.Mutex
	t          testing.TB
	standalone bool
	nodes      []*Node
	owner      [cluster.NumSlots]int
	migrating  map[int]int // slot -> index of the importing node
	data       map[string]entry
	versions   map[string]uint64 // survives deletion, used by WATCH
	clock      uint64
	injected   map[string][]string // upper case command -> queued error replies
	subs       map[string]map[*conn]struct{}
	onCommand  func(node *Node, argv []string)
}

// StartCluster starts n nodes and spreads the slots evenly over them.
// The cluster is closed when the test ends.
func StartCluster(t testing.TB, n int) *Cluster {
	require.Greater(t, n, 0, "cluster needs at least one node")
	c := newCluster(t)
	for i := 0; i < n; i++ {
		c.startNode(i)
	}
	per := cluster.NumSlots / n
	for slot := range c.owner {
		c.owner[slot] = min(slot/per, n-1)
	}
	return c
}

// StartStandalone starts a single node with cluster support disabled
func StartStandalone(t testing.TB) *Cluster {
	c := newCluster(t)
	c.standalone = true
	c.startNode(0)
	return c
}

func newCluster(t testing.TB) *Cluster {
	c := &Cluster{
		t:         t,
		migrating: make(map[int]int),
		data:      make(map[string]entry),
		versions:  make(map[string]uint64),
		injected:  make(map[string][]string),
		subs:      make(map[string]map[*conn]struct{}),
	}
	t.Cleanup(c.Close)
	return c
}

func (c *Cluster) startNode(idx int) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(c.t, err, "net.Listen")

	n := &Node{
		cluster:  c,
		idx:      idx,
		Addr:     l.Addr().String(),
		l:        l,
		done:     make(chan struct{}),
		conns:    make(map[*conn]struct{}),
		counters: make(map[string]int),
	}
	c.nodes = append(c.nodes, n)
	go n.serve()
}

// Close stops every node
func (c *Cluster) Close() {
	for _, n := range c.nodes {
		n.Close()
	}
}

// OnCommand installs a hook called for every command a node receives,
// before it is executed. The hook runs without the cluster lock held.
func (c *Cluster) OnCommand(fn func(node *Node, argv []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommand = fn
}

func (c *Cluster) hook() func(*Node, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onCommand
}

// Addrs returns the addresses of all nodes
func (c *Cluster) Addrs() []string {
	addrs := make([]string, len(c.nodes))
	for i, n := range c.nodes {
		addrs[i] = n.Addr
	}
	return addrs
}

// Node returns the node with index i
func (c *Cluster) Node(i int) *Node {
	return c.nodes[i]
}

// Owner returns the node currently owning slot
func (c *Cluster) Owner(slot int) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[c.owner[slot]]
}

// OwnerOfKey returns the node currently owning the slot of key
func (c *Cluster) OwnerOfKey(key string) *Node {
	return c.Owner(cluster.Slot(key))
}

// MoveSlot hands slot to node to immediately. Clients with an old slot map
// receive MOVED from the previous owner.
func (c *Cluster) MoveSlot(slot, to int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner[slot] = to
	delete(c.migrating, slot)
}

// MigrateSlot starts migrating slot to node to. The owner answers commands
// for the slot with ASK, the importing node accepts them after ASKING.
func (c *Cluster) MigrateSlot(slot, to int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.migrating[slot] = to
}

// FinishMigration completes a migration started with MigrateSlot
func (c *Cluster) FinishMigration(slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if to, ok := c.migrating[slot]; ok {
		c.owner[slot] = to
		delete(c.migrating, slot)
	}
}

// InjectError makes the next command named cmd fail with msg, on any node.
// Multiple injections for the same command are used in order.
func (c *Cluster) InjectError(cmd, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd = strings.ToUpper(cmd)
	c.injected[cmd] = append(c.injected[cmd], msg)
}

// Set stores a key directly, bypassing ownership checks
func (c *Cluster) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// Get reads a key directly
func (c *Cluster) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	return e.value, ok
}

// Len returns the number of stored keys
func (c *Cluster) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// --------------------------------------------------------------------------
// Internals, all called with c.mu held
// --------------------------------------------------------------------------

func (c *Cluster) setLocked(key, value string) {
	c.clock++
	c.data[key] = entry{value: value, version: c.clock}
	c.versions[key] = c.clock
}

func (c *Cluster) deleteLocked(key string) bool {
	if _, ok := c.data[key]; !ok {
		return false
	}
	c.clock++
	delete(c.data, key)
	c.versions[key] = c.clock
	return true
}

func (c *Cluster) takeInjectedLocked(cmd string) (string, bool) {
	msgs := c.injected[cmd]
	if len(msgs) == 0 {
		return "", false
	}
	c.injected[cmd] = msgs[1:]
	return msgs[0], true
}

// keysOwnedLocked returns the sorted keys whose slot is owned by node idx,
// idx -1 returns all keys
func (c *Cluster) keysOwnedLocked(idx int) []string {
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		if idx < 0 || c.ownsLocked(idx, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *Cluster) ownsLocked(idx int, key string) bool {
	return c.standalone || c.owner[cluster.Slot(key)] == idx
}

// checkSlotLocked verifies that node idx may serve keys. It returns the
// error reply to send, or "" if the command may run.
func (c *Cluster) checkSlotLocked(idx int, keys []string, asking bool) Error {
	if c.standalone || len(keys) == 0 {
		return ""
	}
	slot := cluster.Slot(keys[0])
	for _, k := range keys[1:] {
		if cluster.Slot(k) != slot {
			return "CROSSSLOT Keys in request don't hash to the same slot"
		}
	}

	owner := c.owner[slot]
	target, migrating := c.migrating[slot]
	switch {
	case owner == idx && migrating:
		return Error(fmt.Sprintf("ASK %d %s", slot, c.nodes[target].Addr))
	case owner == idx:
		return ""
	case migrating && target == idx && asking:
		return ""
	default:
		return Error(fmt.Sprintf("MOVED %d %s", slot, c.nodes[owner].Addr))
	}
}

// clusterSlotsLocked renders the CLUSTER SLOTS reply
func (c *Cluster) clusterSlotsLocked() []interface{} {
	var ranges []interface{}
	start := 0
	for slot := 1; slot <= cluster.NumSlots; slot++ {
		if slot < cluster.NumSlots && c.owner[slot] == c.owner[start] {
			continue
		}
		n := c.nodes[c.owner[start]]
		host, port, _ := net.SplitHostPort(n.Addr)
		p, _ := strconv.Atoi(port)
		ranges = append(ranges, []interface{}{
			int64(start),
			int64(slot - 1),
			[]interface{}{host, int64(p), fmt.Sprintf("node-%d", n.idx)},
		})
		start = slot
	}
	return ranges
}
