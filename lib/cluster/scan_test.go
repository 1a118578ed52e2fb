package cluster_test

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/kvengine/internal/nodetest"
	"github.com/ValentinKolb/kvengine/lib/cluster"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scanAll drives the cursor to the end, after is called before every step
func scanAll(t *testing.T, r *cluster.Router, c *cluster.ScanCursor, after func(step int)) map[string]int {
	t.Helper()
	seen := make(map[string]int)
	for step := 0; !c.IsFinished(); step++ {
		require.Less(t, step, 10000, "scan does not terminate")
		if after != nil {
			after(step)
		}
		keys, err := r.Scan(context.Background(), c)
		require.NoError(t, err)
		for _, k := range keys {
			seen[k]++
		}
	}
	return seen
}

func TestScanReturnsEveryKeyOnce(t *testing.T) {
	c := nodetest.StartCluster(t, 3)
	r := newRouter(t, c, true)
	for i := 0; i < 200; i++ {
		c.Set(fmt.Sprintf("scan:%03d", i), "v")
	}

	cursor := cluster.NewScanCursor(cluster.ScanArgs{Count: 17})
	assert.Equal(t, cluster.ScanInitial, cursor.State())

	seen := scanAll(t, r, cursor, nil)
	assert.Len(t, seen, 200)
	for k, n := range seen {
		assert.Equal(t, 1, n, "key %s returned %d times", k, n)
	}
	assert.Equal(t, cluster.NumSlots, cursor.ScannedSlots())

	_, err := r.Scan(context.Background(), cursor)
	assert.ErrorIs(t, err, common.ErrScanFinished)
}

func TestScanStateTransitions(t *testing.T) {
	c := nodetest.StartCluster(t, 2)
	r := newRouter(t, c, true)
	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("state:%d", i), "v")
	}

	cursor := cluster.NewScanCursor(cluster.ScanArgs{Count: 5})
	_, err := r.Scan(context.Background(), cursor)
	require.NoError(t, err)
	assert.Equal(t, cluster.ScanInProgress, cursor.State())

	scanAll(t, r, cursor, nil)
	assert.Equal(t, cluster.ScanFinished, cursor.State())
}

func TestScanMatch(t *testing.T) {
	c := nodetest.StartCluster(t, 3)
	r := newRouter(t, c, true)
	for i := 0; i < 30; i++ {
		c.Set(fmt.Sprintf("user:%d", i), "v")
		c.Set(fmt.Sprintf("order:%d", i), "v")
	}

	seen := scanAll(t, r, cluster.NewScanCursor(cluster.ScanArgs{Match: "user:*", Count: 10}), nil)
	assert.Len(t, seen, 30)
	for k := range seen {
		assert.Regexp(t, `^user:\d+$`, k)
	}
}

func TestScanSurvivesSlotMove(t *testing.T) {
	c := nodetest.StartCluster(t, 3)
	r := newRouter(t, c, true)

	var keys []string
	for i := 0; i < 150; i++ {
		k := fmt.Sprintf("moving:%03d", i)
		keys = append(keys, k)
		c.Set(k, "v")
	}

	moved := cluster.Slot(keys[0])
	from := c.Owner(moved)
	to := (from.Index() + 1) % 3

	seen := scanAll(t, r, cluster.NewScanCursor(cluster.ScanArgs{Count: 4}), func(step int) {
		if step == 2 {
			c.MoveSlot(moved, to)
		}
	})
	for _, k := range keys {
		assert.GreaterOrEqual(t, seen[k], 1, "key %s missing", k)
	}
}

func TestScanResumesAfterFailedStep(t *testing.T) {
	c := nodetest.StartCluster(t, 3)
	r := newRouter(t, c, true)
	for i := 0; i < 200; i++ {
		c.Set(fmt.Sprintf("resume:%03d", i), "v")
	}

	// node 0 fails one step after its siblings already answered
	var failNext atomic.Bool
	c.OnCommand(func(n *nodetest.Node, argv []string) {
		if n.Index() == 0 && strings.EqualFold(argv[0], "SCAN") && failNext.CompareAndSwap(true, false) {
			time.Sleep(100 * time.Millisecond)
			c.InjectError("SCAN", "ERR transient")
		}
	})

	cursor := cluster.NewScanCursor(cluster.ScanArgs{Count: 5})
	seen := make(map[string]int)
	failures := 0
	for step := 0; !cursor.IsFinished(); step++ {
		require.Less(t, step, 10000, "scan does not terminate")
		if step == 1 {
			failNext.Store(true)
		}
		keys, err := r.Scan(context.Background(), cursor)
		if err != nil {
			failures++
			assert.Empty(t, keys)
			continue
		}
		for _, k := range keys {
			seen[k]++
		}
	}

	assert.Equal(t, 1, failures)
	assert.Len(t, seen, 200)
}

func TestScanStandalone(t *testing.T) {
	c := nodetest.StartStandalone(t)
	r := newRouter(t, c, false)
	for i := 0; i < 40; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v")
	}

	seen := scanAll(t, r, cluster.NewScanCursor(cluster.ScanArgs{Count: 9}), nil)
	assert.Len(t, seen, 40)
}
