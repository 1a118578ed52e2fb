package cluster

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/ValentinKolb/kvengine/rpc/common"
	"golang.org/x/sync/errgroup"
)

// ScanState is the lifecycle state of a ScanCursor
type ScanState uint8

const (
	ScanInitial ScanState = iota
	ScanInProgress
	ScanFinished
)

func (s ScanState) String() string {
	switch s {
	case ScanInitial:
		return "initial"
	case ScanInProgress:
		return "in progress"
	case ScanFinished:
		return "finished"
	default:
		return fmt.Sprintf("ScanState(%d)", uint8(s))
	}
}

// ScanArgs are passed to every SCAN sent by a cursor
type ScanArgs struct {
	Match string
	Count int
	Type  string
	// AllowNonCoveredSlots skips slots without owner instead of failing
	AllowNonCoveredSlots bool
}

func (a ScanArgs) argv(cursor string) []string {
	argv := []string{cursor}
	if a.Match != "" {
		argv = append(argv, "MATCH", a.Match)
	}
	if a.Count > 0 {
		argv = append(argv, "COUNT", strconv.Itoa(a.Count))
	}
	if a.Type != "" {
		argv = append(argv, "TYPE", a.Type)
	}
	return argv
}

// scanMarker tracks the SCAN iteration on one node over the slots it owned
// when the marker was created
type scanMarker struct {
	addr   string
	slots  []int
	owned  map[int]struct{}
	cursor string
}

// ScanCursor iterates the keys of the whole cluster. A slot counts as
// scanned once a node finished a full SCAN iteration while owning the slot
// the entire time, so every key that exists during the whole scan is
// returned at least once.
type ScanCursor struct {
	args ScanArgs

	mu      sync.Mutex
	state   ScanState
	scanned [NumSlots / 64]uint64
	markers []*scanMarker
}

// NewScanCursor creates a cursor in the initial state
func NewScanCursor(args ScanArgs) *ScanCursor {
	return &ScanCursor{args: args}
}

// State returns the lifecycle state of the cursor
func (c *ScanCursor) State() ScanState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsFinished reports whether every slot was scanned
func (c *ScanCursor) IsFinished() bool {
	return c.State() == ScanFinished
}

// ScannedSlots returns the number of slots already scanned
func (c *ScanCursor) ScannedSlots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for slot := 0; slot < NumSlots; slot++ {
		if c.isScanned(slot) {
			n++
		}
	}
	return n
}

func (c *ScanCursor) isScanned(slot int) bool {
	return c.scanned[slot/64]&(1<<(slot%64)) != 0
}

func (c *ScanCursor) markScanned(slot int) {
	c.scanned[slot/64] |= 1 << (slot % 64)
}

// plan creates one marker per primary for the slots not yet scanned
func (c *ScanCursor) plan(m *SlotMap) error {
	byAddr := make(map[string]*scanMarker)
	for slot := 0; slot < NumSlots; slot++ {
		if c.isScanned(slot) {
			continue
		}
		addr, ok := m.Primary(slot)
		if !ok {
			if !c.args.AllowNonCoveredSlots {
				return &common.TopologyError{Msg: fmt.Sprintf("slot %d is not covered", slot), Err: common.ErrNoRoute}
			}
			c.markScanned(slot)
			continue
		}
		mk, ok := byAddr[addr]
		if !ok {
			mk = &scanMarker{addr: addr, cursor: "0", owned: make(map[int]struct{})}
			byAddr[addr] = mk
		}
		mk.slots = append(mk.slots, slot)
		mk.owned[slot] = struct{}{}
	}

	c.markers = c.markers[:0]
	for _, mk := range byAddr {
		c.markers = append(c.markers, mk)
	}
	sort.Slice(c.markers, func(i, j int) bool { return c.markers[i].addr < c.markers[j].addr })
	return nil
}

// Scan advances the cursor by one SCAN step on every node that is still
// being scanned and returns the keys found. A failed step leaves the cursor
// unchanged so it can be retried. Calling Scan on a finished cursor returns
// ErrScanFinished.
func (r *Router) Scan(ctx context.Context, c *ScanCursor) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ScanFinished {
		return nil, common.ErrScanFinished
	}
	m, err := r.slotMap(ctx)
	if err != nil {
		return nil, err
	}
	if c.state == ScanInitial {
		if err := c.plan(m); err != nil {
			return nil, err
		}
		c.state = ScanInProgress
	}

	// a step either advances every marker or none of them
	keys := make([][]string, len(c.markers))
	cursors := make([]string, len(c.markers))
	g, gctx := errgroup.WithContext(ctx)
	for i, mk := range c.markers {
		g.Go(func() error {
			next, found, err := r.scanStep(gctx, mk, c.args)
			if err != nil {
				return fmt.Errorf("scan %s: %w", mk.addr, err)
			}
			for _, k := range found {
				// keys of slots the marker does not cover are returned by another marker
				if _, ok := mk.owned[Slot(k)]; ok && !c.isScanned(Slot(k)) {
					keys[i] = append(keys[i], k)
				}
			}
			cursors[i] = next
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	completed := make([]bool, len(c.markers))
	for i, mk := range c.markers {
		mk.cursor = cursors[i]
		completed[i] = cursors[i] == "0"
		out = append(out, keys[i]...)
	}

	if err := r.settle(ctx, c, completed); err != nil {
		return out, err
	}
	return out, nil
}

// settle marks the slots of completed markers as scanned and replans once
// all markers are done
func (r *Router) settle(ctx context.Context, c *ScanCursor, completed []bool) error {
	progressed := false
	for _, done := range completed {
		progressed = progressed || done
	}
	if !progressed {
		return nil
	}

	// ownership is checked against the current topology
	if err := r.Refresh(ctx); err != nil {
		Logger.Warningf("Refresh during scan failed: %v", err)
	}
	m := r.slots.Load()

	remaining := c.markers[:0]
	for i, mk := range c.markers {
		if !completed[i] {
			remaining = append(remaining, mk)
			continue
		}
		if !stillOwns(m, mk) {
			Logger.Debugf("Slots of %s changed during scan, rescanning them", mk.addr)
			continue
		}
		for _, slot := range mk.slots {
			c.markScanned(slot)
		}
	}
	c.markers = remaining
	if len(c.markers) > 0 {
		return nil
	}

	if err := c.plan(m); err != nil {
		return err
	}
	if len(c.markers) == 0 {
		c.state = ScanFinished
	}
	return nil
}

// stillOwns reports whether the node of mk owns every slot of the marker
func stillOwns(m *SlotMap, mk *scanMarker) bool {
	for _, slot := range mk.slots {
		if addr, ok := m.Primary(slot); !ok || addr != mk.addr {
			return false
		}
	}
	return true
}

// scanStep runs a single SCAN on the node of mk
func (r *Router) scanStep(ctx context.Context, mk *scanMarker, args ScanArgs) (string, []string, error) {
	v, err := r.ExecAt(ctx, mk.addr, common.NewCommand("SCAN", args.argv(mk.cursor)...), common.HintRaw)
	if err != nil {
		return "", nil, err
	}
	if v.Kind != common.KindArray || len(v.Array) != 2 {
		return "", nil, fmt.Errorf("unexpected SCAN reply %s", v)
	}
	next, ok := v.Array[0].AsString()
	if !ok {
		return "", nil, fmt.Errorf("unexpected SCAN cursor %s", v.Array[0])
	}
	keys, err := v.Array[1].AsStrings()
	if err != nil {
		return "", nil, fmt.Errorf("SCAN keys: %w", err)
	}
	return next, keys, nil
}
