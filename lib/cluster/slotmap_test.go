package cluster

import (
	"testing"

	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(host string, port int64, id string) common.Value {
	return common.ArrayValue(common.BulkValue(host), common.IntValue(port), common.BulkValue(id))
}

func TestParseClusterSlots(t *testing.T) {
	reply := common.ArrayValue(
		common.ArrayValue(common.IntValue(0), common.IntValue(8191),
			node("10.0.0.1", 7000, "a"), node("10.0.0.2", 7001, "a-replica")),
		common.ArrayValue(common.IntValue(8192), common.IntValue(16383),
			node("", 7002, "b")),
	)

	ranges, err := parseClusterSlots(reply, "10.0.0.9:7000")
	require.NoError(t, err)
	require.Len(t, ranges, 2)

	assert.Equal(t, 0, ranges[0].Start)
	assert.Equal(t, 8191, ranges[0].End)
	assert.Equal(t, "10.0.0.1:7000", ranges[0].Shard.Primary)
	assert.Equal(t, "a", ranges[0].Shard.ID)
	assert.Equal(t, []string{"10.0.0.2:7001"}, ranges[0].Shard.Replicas)

	assert.Equal(t, "10.0.0.9:7002", ranges[1].Shard.Primary, "empty host falls back to the queried host")
}

func TestParseClusterSlotsMalformed(t *testing.T) {
	_, err := parseClusterSlots(common.StatusValue("OK"), "h:1")
	assert.Error(t, err)

	_, err = parseClusterSlots(common.ArrayValue(common.ArrayValue(common.IntValue(0))), "h:1")
	assert.Error(t, err)

	bad := common.ArrayValue(common.ArrayValue(common.IntValue(0), common.IntValue(1),
		common.ArrayValue(common.BulkValue("h"), common.BulkValue("port"))))
	_, err = parseClusterSlots(bad, "h:1")
	assert.Error(t, err)
}

func testMap(t *testing.T) *SlotMap {
	a := &Shard{ID: "a", Primary: "a:1", Replicas: []string{"a:2"}}
	b := &Shard{ID: "b", Primary: "b:1"}
	m, err := NewSlotMap([]SlotRange{
		{Start: 0, End: 9999, Shard: a},
		{Start: 10000, End: NumSlots - 1, Shard: b},
	}, 1)
	require.NoError(t, err)
	return m
}

func TestSlotMapLookups(t *testing.T) {
	m := testMap(t)

	addr, ok := m.Primary(0)
	assert.True(t, ok)
	assert.Equal(t, "a:1", addr)
	addr, _ = m.Primary(NumSlots - 1)
	assert.Equal(t, "b:1", addr)

	_, ok = m.Primary(NumSlots)
	assert.False(t, ok)
	assert.Nil(t, m.Shard(-1))

	assert.Equal(t, []string{"a:1", "b:1"}, m.Primaries())
	assert.Equal(t, []string{"a:1", "a:2", "b:1"}, m.Nodes())
	assert.Len(t, m.SlotsOf("b:1"), NumSlots-10000)
	assert.Zero(t, m.Uncovered())
}

func TestSlotMapPartialCoverage(t *testing.T) {
	m, err := NewSlotMap([]SlotRange{{Start: 0, End: 99, Shard: &Shard{Primary: "a:1"}}}, 1)
	require.NoError(t, err)
	assert.Equal(t, NumSlots-100, m.Uncovered())

	_, ok := m.Primary(100)
	assert.False(t, ok)
}

func TestSlotMapInvalidRanges(t *testing.T) {
	shard := &Shard{Primary: "a:1"}
	for _, r := range []SlotRange{
		{Start: -1, End: 5, Shard: shard},
		{Start: 5, End: 1, Shard: shard},
		{Start: 0, End: NumSlots, Shard: shard},
		{Start: 0, End: 1},
	} {
		_, err := NewSlotMap([]SlotRange{r}, 1)
		assert.Error(t, err, "range %d-%d", r.Start, r.End)
	}
}

func TestSlotMapWithSlot(t *testing.T) {
	m := testMap(t)
	next := m.WithSlot(5, "b:1")

	addr, _ := next.Primary(5)
	assert.Equal(t, "b:1", addr)
	assert.Equal(t, m.Version()+1, next.Version())

	addr, _ = m.Primary(5)
	assert.Equal(t, "a:1", addr, "original map is unchanged")

	unknown := m.WithSlot(7, "c:1")
	addr, _ = unknown.Primary(7)
	assert.Equal(t, "c:1", addr)
	assert.Contains(t, unknown.Primaries(), "c:1")
}

func TestStandaloneSlotMap(t *testing.T) {
	m := StandaloneSlotMap("localhost:6379")
	assert.Equal(t, []string{"localhost:6379"}, m.Primaries())
	assert.Zero(t, m.Uncovered())
}
