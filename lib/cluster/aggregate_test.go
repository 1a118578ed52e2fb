package cluster

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okResult(addr string, v common.Value) nodeResult { return nodeResult{addr: addr, value: v} }

func errResult(addr string, err error) nodeResult { return nodeResult{addr: addr, err: err} }

func TestAggregateSumAndMin(t *testing.T) {
	results := []nodeResult{okResult("a", common.IntValue(3)), okResult("b", common.IntValue(4))}

	v, err := aggregate(ResponseAggregateSum, results)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int)

	v, err = aggregate(ResponseAggregateMin, results)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Int)

	_, err = aggregate(ResponseAggregateSum, []nodeResult{okResult("a", common.BulkValue("x"))})
	assert.Error(t, err)
}

func TestAggregateFailsOnFirstError(t *testing.T) {
	boom := errors.New("boom")
	_, err := aggregate(ResponseAllSucceeded, []nodeResult{okResult("a", common.StatusValue("OK")), errResult("b", boom)})
	assert.ErrorIs(t, err, boom)
}

func TestAggregateOneSucceeded(t *testing.T) {
	boom := errors.New("boom")
	v, err := aggregate(ResponseOneSucceeded, []nodeResult{errResult("a", boom), okResult("b", common.StatusValue("OK"))})
	require.NoError(t, err)
	assert.Equal(t, "OK", v.Str)

	_, err = aggregate(ResponseOneSucceeded, []nodeResult{errResult("a", boom)})
	assert.ErrorIs(t, err, boom)
}

func TestAggregateFirstSucceededNonEmpty(t *testing.T) {
	boom := errors.New("boom")

	v, err := aggregate(ResponseFirstSucceededNonEmpty, []nodeResult{
		okResult("a", common.NilValue()), errResult("b", boom), okResult("c", common.BulkValue("key")),
	})
	require.NoError(t, err)
	assert.Equal(t, "key", v.Str)

	v, err = aggregate(ResponseFirstSucceededNonEmpty, []nodeResult{okResult("a", common.NilValue()), okResult("b", common.NilValue())})
	require.NoError(t, err)
	assert.True(t, v.IsNil())

	_, err = aggregate(ResponseFirstSucceededNonEmpty, []nodeResult{okResult("a", common.NilValue()), errResult("b", boom)})
	assert.ErrorIs(t, err, boom)
}

func TestAggregateLogicalAnd(t *testing.T) {
	v, err := aggregate(ResponseLogicalAnd, []nodeResult{
		okResult("a", common.ArrayValue(common.IntValue(1), common.IntValue(1))),
		okResult("b", common.ArrayValue(common.IntValue(1), common.IntValue(0))),
	})
	require.NoError(t, err)
	assert.True(t, v.Equal(common.ArrayValue(common.IntValue(1), common.IntValue(0))))

	_, err = aggregate(ResponseLogicalAnd, []nodeResult{
		okResult("a", common.ArrayValue(common.IntValue(1))),
		okResult("b", common.ArrayValue(common.IntValue(1), common.IntValue(1))),
	})
	assert.Error(t, err)
}

func TestAggregateCombine(t *testing.T) {
	v, err := aggregate(ResponseCombineArrays, []nodeResult{
		okResult("a", common.StringsValue("x", "y")),
		okResult("b", common.StringsValue("z")),
	})
	require.NoError(t, err)
	got, _ := v.AsStrings()
	assert.Equal(t, []string{"x", "y", "z"}, got)

	v, err = aggregate(ResponseCombineMaps, []nodeResult{
		okResult("a", common.ArrayValue(common.BulkValue("ch1"), common.IntValue(1), common.BulkValue("ch2"), common.IntValue(2))),
		okResult("b", common.ArrayValue(common.BulkValue("ch1"), common.IntValue(5))),
	})
	require.NoError(t, err)
	require.Len(t, v.Map, 2)
	assert.Equal(t, "ch1", v.Map[0].Key)
	assert.Equal(t, int64(6), v.Map[0].Value.Int)
	assert.Equal(t, int64(2), v.Map[1].Value.Int)
}

func TestAggregateDefaultKeyedByAddress(t *testing.T) {
	v, err := aggregate(ResponseDefault, []nodeResult{
		okResult("a:1", common.BulkValue("x")),
		okResult("b:1", common.BulkValue("y")),
	})
	require.NoError(t, err)
	require.Len(t, v.Map, 2)
	assert.Equal(t, "a:1", v.Map[0].Key)
	assert.Equal(t, "y", v.Map[1].Value.Str)
}

func TestReassemble(t *testing.T) {
	parts := []splitPart{
		{slot: 1, positions: []int{0, 2}},
		{slot: 2, positions: []int{1}},
	}
	values := []common.Value{
		common.StringsValue("a", "c"),
		common.StringsValue("b"),
	}
	v, err := reassemble(3, parts, values)
	require.NoError(t, err)
	got, _ := v.AsStrings()
	assert.Equal(t, []string{"a", "b", "c"}, got)

	_, err = reassemble(3, parts, []common.Value{common.StringsValue("a"), common.StringsValue("b")})
	assert.Error(t, err)
}
