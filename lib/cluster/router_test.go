package cluster_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/kvengine/internal/nodetest"
	"github.com/ValentinKolb/kvengine/lib/cluster"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(addrs []string, clusterMode bool) common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.Addresses = addrs
	cfg.ClusterMode = clusterMode
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func newRouter(t *testing.T, c *nodetest.Cluster, clusterMode bool) *cluster.Router {
	t.Helper()
	// a single seed is enough, the rest is discovered
	r, err := cluster.New(testConfig(c.Addrs()[:1], clusterMode), cluster.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func exec(t *testing.T, r *cluster.Router, name string, args ...string) common.Value {
	t.Helper()
	v, err := r.Exec(context.Background(), common.NewCommand(name, args...), nil)
	require.NoError(t, err, "%s %v", name, args)
	return v
}

func TestRouterRoutesByKey(t *testing.T) {
	c := nodetest.StartCluster(t, 3)
	r := newRouter(t, c, true)

	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("key-%d", i)
		exec(t, r, "SET", k, fmt.Sprint(i))
		v := exec(t, r, "GET", k)
		assert.Equal(t, fmt.Sprint(i), v.Str)
	}
	assert.Equal(t, 30, c.Len())

	m := r.SlotMap()
	require.NotNil(t, m)
	assert.Len(t, m.Primaries(), 3)
	assert.Zero(t, m.Uncovered())
}

func TestRouterFollowsMoved(t *testing.T) {
	c := nodetest.StartCluster(t, 3)
	r := newRouter(t, c, true)
	c.Set("k1", "v1")
	exec(t, r, "GET", "k1")

	slot := cluster.Slot("k1")
	from := c.Owner(slot)
	to := c.Node((from.Index() + 1) % 3)
	c.MoveSlot(slot, to.Index())

	v := exec(t, r, "GET", "k1")
	assert.Equal(t, "v1", v.Str)
	assert.Equal(t, 1, to.Count("GET"))

	assert.Eventually(t, func() bool {
		addr, _ := r.SlotMap().Primary(slot)
		return addr == to.Addr
	}, 2*time.Second, 10*time.Millisecond, "slot map follows the move")

	exec(t, r, "GET", "k1")
	assert.Equal(t, 2, to.Count("GET"), "later requests go to the new owner directly")
}

func TestRouterFollowsAsk(t *testing.T) {
	c := nodetest.StartCluster(t, 2)
	r := newRouter(t, c, true)
	c.Set("k1", "v1")

	slot := cluster.Slot("k1")
	from := c.Owner(slot)
	to := c.Node((from.Index() + 1) % 2)
	exec(t, r, "PING")
	c.MigrateSlot(slot, to.Index())

	v := exec(t, r, "GET", "k1")
	assert.Equal(t, "v1", v.Str)
	assert.Equal(t, 1, to.Count("ASKING"))

	addr, _ := r.SlotMap().Primary(slot)
	assert.Equal(t, from.Addr, addr, "ASK does not change the slot map")
}

func TestRouterRetriesTryAgain(t *testing.T) {
	c := nodetest.StartCluster(t, 2)
	r := newRouter(t, c, true)
	c.Set("k", "v")

	c.InjectError("GET", "TRYAGAIN Multiple keys request during rehashing of slot")
	v := exec(t, r, "GET", "k")
	assert.Equal(t, "v", v.Str)
}

func TestRouterRedirectLimit(t *testing.T) {
	c := nodetest.StartCluster(t, 2)
	cfg := testConfig(c.Addrs(), true)
	cfg.MaxRedirects = 2
	r, err := cluster.New(cfg, cluster.Options{})
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 3; i++ {
		c.InjectError("GET", "TRYAGAIN busy")
	}
	_, err = r.Exec(context.Background(), common.NewCommand("GET", "k"), nil)
	require.Error(t, err)
	assert.True(t, common.HasPrefix(err, "TRYAGAIN"), "got %v", err)
}

func TestRouterSplitsMultiKeyCommands(t *testing.T) {
	c := nodetest.StartCluster(t, 3)
	r := newRouter(t, c, true)

	var keys, pairs []string
	for i := 0; i < 12; i++ {
		k := fmt.Sprintf("multi-%d", i)
		keys = append(keys, k)
		pairs = append(pairs, k, fmt.Sprint(i))
	}

	v := exec(t, r, "MSET", pairs...)
	assert.Equal(t, "OK", v.Str)

	v = exec(t, r, "MGET", append(keys, "missing")...)
	require.Len(t, v.Array, 13)
	for i := 0; i < 12; i++ {
		assert.Equal(t, fmt.Sprint(i), v.Array[i].Str, "MGET keeps the key order")
	}
	assert.True(t, v.Array[12].IsNil())

	v = exec(t, r, "EXISTS", keys...)
	assert.Equal(t, int64(12), v.Int)

	v = exec(t, r, "DEL", keys[:5]...)
	assert.Equal(t, int64(5), v.Int)
	assert.Equal(t, 7, c.Len())
}

func TestRouterFansOut(t *testing.T) {
	c := nodetest.StartCluster(t, 3)
	r := newRouter(t, c, true)
	for i := 0; i < 20; i++ {
		c.Set(fmt.Sprintf("fan-%d", i), "v")
	}

	v := exec(t, r, "DBSIZE")
	assert.Equal(t, int64(20), v.Int)

	v = exec(t, r, "KEYS", "fan-*")
	assert.Len(t, v.Array, 20)

	exec(t, r, "FLUSHALL")
	assert.Zero(t, c.Len())
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, c.Node(i).Count("FLUSHALL"))
	}
}

func TestRouterExplicitRoutes(t *testing.T) {
	c := nodetest.StartCluster(t, 3)
	r := newRouter(t, c, true)
	ctx := context.Background()

	target := c.Node(2)
	_, err := r.Exec(ctx, common.NewCommand("ECHO", "hi"), common.AddressRoute(target.Addr))
	require.NoError(t, err)
	assert.Equal(t, 1, target.Count("ECHO"))

	owner := c.OwnerOfKey("routed")
	_, err = r.Exec(ctx, common.NewCommand("ECHO", "hi"), common.SlotKeyRoute("routed"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, owner.Count("ECHO"), 1)

	v, err := r.Exec(ctx, common.NewCommand("ECHO", "hi"), common.AllPrimariesRoute())
	require.NoError(t, err)
	assert.Equal(t, common.KindMap, v.Kind, "replies without policy are keyed by node")
	assert.Len(t, v.Map, 3)

	_, err = r.Exec(ctx, common.NewCommand("ECHO", "hi"), common.SlotIDRoute(cluster.NumSlots))
	assert.ErrorIs(t, err, common.ErrNoRoute)
}

func TestRouterUndefinedRoute(t *testing.T) {
	c := nodetest.StartCluster(t, 2)
	r := newRouter(t, c, true)

	_, err := r.Exec(context.Background(), common.NewCommand("SCAN", "0"), nil)
	assert.ErrorIs(t, err, common.ErrNoRoute)
}

func TestRouterDecodeHint(t *testing.T) {
	c := nodetest.StartCluster(t, 2)
	r := newRouter(t, c, true)
	c.Set("n", "41")

	v, err := r.ExecHint(context.Background(), common.NewCommand("INCR", "n"), common.HintInt, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int)
}

func TestRouterStandalone(t *testing.T) {
	c := nodetest.StartStandalone(t)
	r := newRouter(t, c, false)
	assert.False(t, r.ClusterMode())

	exec(t, r, "MSET", "a", "1", "b", "2")
	v := exec(t, r, "MGET", "a", "b")
	got, err := v.AsStrings()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, got)

	v = exec(t, r, "DBSIZE")
	assert.Equal(t, int64(2), v.Int)
	assert.Equal(t, 1, c.Node(0).Count("MGET"), "standalone commands are never split")
}

func TestRouterDiscoveryFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	cfg := testConfig([]string{addr}, true)
	cfg.RefreshAttempts = 1
	cfg.ConnectTimeout = 200 * time.Millisecond
	r, err := cluster.New(cfg, cluster.Options{})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Exec(context.Background(), common.NewCommand("GET", "k"), nil)
	var topoErr *common.TopologyError
	assert.True(t, errors.As(err, &topoErr), "got %v", err)
}

func TestRouterClosed(t *testing.T) {
	c := nodetest.StartCluster(t, 2)
	r := newRouter(t, c, true)
	exec(t, r, "PING")

	require.NoError(t, r.Close())
	_, err := r.Exec(context.Background(), common.NewCommand("GET", "k"), nil)
	assert.ErrorIs(t, err, common.ErrClosed)
}
