package cluster

import (
	"context"
	"fmt"
	"math/rand/v2"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/kvengine/lib/mux"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/ValentinKolb/kvengine/rpc/transport/base"
)

var (
	metricRefreshes       = vmetrics.NewCounter("kvengine_cluster_refreshes_total")
	metricRefreshFailures = vmetrics.NewCounter("kvengine_cluster_refresh_failures_total")
)

// Refresh rediscovers the topology. Concurrent calls share one discovery,
// the discovery itself is bound to the lifetime of the router and not to ctx.
func (r *Router) Refresh(ctx context.Context) error {
	if !r.config.ClusterMode {
		return nil
	}
	if r.closed.Load() {
		return common.ErrClosed
	}

	ch := r.refresh.DoChan("slots", func() (interface{}, error) {
		return nil, r.discover(r.ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// triggerRefresh starts a refresh without waiting for it
func (r *Router) triggerRefresh() {
	if r.ctx.Err() != nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Refresh(r.ctx); err != nil && r.ctx.Err() == nil {
			Logger.Warningf("Topology refresh failed: %v", err)
		}
	}()
}

func (r *Router) refreshPeriodically() {
	defer r.wg.Done()
	ticker := r.opts.Clock.Ticker(r.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(r.ctx); err != nil && r.ctx.Err() == nil {
				Logger.Warningf("Periodic topology refresh failed: %v", err)
			}
		}
	}
}

// discover asks the known nodes for CLUSTER SLOTS until one answers with a
// usable map. All nodes are tried RefreshAttempts times with a backoff
// between the rounds.
func (r *Router) discover(ctx context.Context) error {
	metricRefreshes.Inc()

	var lastErr error
	for attempt := 0; attempt < r.config.RefreshAttempts; attempt++ {
		if attempt > 0 {
			if err := base.Sleep(ctx, base.Backoff(attempt-1)); err != nil {
				return err
			}
		}

		for _, addr := range r.knownNodes() {
			m, err := r.fetchSlotMap(ctx, addr)
			if err != nil {
				Logger.Debugf("CLUSTER SLOTS on %s failed: %v", addr, err)
				lastErr = err
				continue
			}
			prev := r.slots.Swap(m)
			if prev == nil {
				Logger.Infof("Discovered %d primaries", len(m.Primaries()))
			} else {
				Logger.Debugf("Slot map refreshed from %s (version %d)", addr, m.Version())
			}
			r.dropStale(m)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	metricRefreshFailures.Inc()
	return &common.TopologyError{Msg: "no node returned a usable slot map", Err: lastErr}
}

func (r *Router) fetchSlotMap(ctx context.Context, addr string) (*SlotMap, error) {
	conn, err := r.Conn(ctx, addr)
	if err != nil {
		return nil, err
	}
	v, err := conn.Do(ctx, common.NewCommand("CLUSTER", "SLOTS"))
	if err != nil {
		return nil, err
	}
	ranges, err := parseClusterSlots(v, addr)
	if err != nil {
		return nil, fmt.Errorf("parse CLUSTER SLOTS: %w", err)
	}

	var version uint64 = 1
	if prev := r.slots.Load(); prev != nil {
		version = prev.Version() + 1
	}
	m, err := NewSlotMap(ranges, version)
	if err != nil {
		return nil, err
	}
	if n := m.Uncovered(); n > 0 && !r.config.AllowPartialCoverage {
		return nil, fmt.Errorf("%d slots are not covered", n)
	}
	return m, nil
}

// knownNodes returns the seed addresses and the nodes of the current map in
// random order
func (r *Router) knownNodes() []string {
	seen := make(map[string]struct{})
	var addrs []string
	add := func(a string) {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			addrs = append(addrs, a)
		}
	}
	if m := r.slots.Load(); m != nil {
		for _, a := range m.Nodes() {
			add(a)
		}
	}
	for _, a := range r.config.Addresses {
		add(a)
	}
	rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	return addrs
}

// dropStale closes connections to nodes that left the topology. Seed
// addresses are kept for later discoveries.
func (r *Router) dropStale(m *SlotMap) {
	keep := make(map[string]struct{})
	for _, a := range m.Nodes() {
		keep[a] = struct{}{}
	}
	for _, a := range r.config.Addresses {
		keep[a] = struct{}{}
	}
	r.conns.Range(func(addr string, conn *mux.Multiplexer) bool {
		if _, ok := keep[addr]; !ok {
			Logger.Debugf("Closing connection to %s, node left the topology", addr)
			r.conns.Delete(addr)
			_ = conn.Close()
		}
		return true
	})
}

// ApplyRedirect updates the slot map after a MOVED reply and schedules a
// full refresh. ASK redirects leave the map untouched.
func (r *Router) ApplyRedirect(red *common.RedirectError) {
	if red.Kind != common.RedirectMoved || !r.config.ClusterMode {
		return
	}
	for {
		cur := r.slots.Load()
		if cur == nil {
			break
		}
		if addr, ok := cur.Primary(red.Slot); ok && addr == red.Addr {
			break
		}
		if r.slots.CompareAndSwap(cur, cur.WithSlot(red.Slot, red.Addr)) {
			break
		}
	}
	r.triggerRefresh()
}
