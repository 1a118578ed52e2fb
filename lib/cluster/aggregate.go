package cluster

import (
	"errors"
	"fmt"
	"math"

	"github.com/ValentinKolb/kvengine/rpc/common"
)

// nodeResult is the reply of one node to a fanned out command
type nodeResult struct {
	addr  string
	value common.Value
	err   error
}

var errAllEmpty = errors.New("no node returned a value")

// aggregate combines the replies of several nodes according to policy.
// results are ordered by address.
func aggregate(policy ResponsePolicy, results []nodeResult) (common.Value, error) {
	switch policy {
	case ResponseOneSucceeded:
		var lastErr error
		for _, r := range results {
			if r.err == nil {
				return r.value, nil
			}
			lastErr = r.err
		}
		return common.Value{}, lastErr

	case ResponseFirstSucceededNonEmpty:
		var lastErr error
		for _, r := range results {
			if r.err != nil {
				lastErr = r.err
				continue
			}
			if !r.value.IsNil() {
				return r.value, nil
			}
		}
		if lastErr != nil {
			return common.Value{}, lastErr
		}
		return common.NilValue(), nil
	}

	// every other policy fails on the first error
	for _, r := range results {
		if r.err != nil {
			return common.Value{}, r.err
		}
	}
	if len(results) == 0 {
		return common.Value{}, errAllEmpty
	}

	switch policy {
	case ResponseAllSucceeded:
		return results[0].value, nil

	case ResponseAggregateSum, ResponseAggregateMin:
		var acc int64
		if policy == ResponseAggregateMin {
			acc = math.MaxInt64
		}
		for _, r := range results {
			if r.value.Kind != common.KindInt {
				return common.Value{}, fmt.Errorf("%s: expected integer reply, got %s", r.addr, r.value.Kind)
			}
			if policy == ResponseAggregateSum {
				acc += r.value.Int
			} else {
				acc = min(acc, r.value.Int)
			}
		}
		return common.IntValue(acc), nil

	case ResponseLogicalAnd:
		var acc []bool
		for _, r := range results {
			if r.value.Kind != common.KindArray {
				return common.Value{}, fmt.Errorf("%s: expected array reply, got %s", r.addr, r.value.Kind)
			}
			if acc == nil {
				acc = make([]bool, len(r.value.Array))
				for i := range acc {
					acc[i] = true
				}
			}
			if len(r.value.Array) != len(acc) {
				return common.Value{}, fmt.Errorf("%s: array length mismatch", r.addr)
			}
			for i, e := range r.value.Array {
				if e.Kind != common.KindInt || (e.Int != 0 && e.Int != 1) {
					return common.Value{}, fmt.Errorf("%s: expected 0 or 1, got %s", r.addr, e)
				}
				acc[i] = acc[i] && e.Int == 1
			}
		}
		out := make([]common.Value, len(acc))
		for i, b := range acc {
			if b {
				out[i] = common.IntValue(1)
			} else {
				out[i] = common.IntValue(0)
			}
		}
		return common.ArrayValue(out...), nil

	case ResponseCombineArrays:
		var out []common.Value
		for _, r := range results {
			if r.value.Kind != common.KindArray {
				return common.Value{}, fmt.Errorf("%s: expected array reply, got %s", r.addr, r.value.Kind)
			}
			out = append(out, r.value.Array...)
		}
		return common.ArrayValue(out...), nil

	case ResponseCombineMaps:
		var (
			order  []string
			counts = make(map[string]int64)
		)
		for _, r := range results {
			if r.value.Kind != common.KindArray || len(r.value.Array)%2 != 0 {
				return common.Value{}, fmt.Errorf("%s: expected key/value array", r.addr)
			}
			for i := 0; i < len(r.value.Array); i += 2 {
				k, _ := r.value.Array[i].AsString()
				n, err := r.value.Array[i+1].AsInt()
				if err != nil {
					return common.Value{}, fmt.Errorf("%s: %w", r.addr, err)
				}
				if _, seen := counts[k]; !seen {
					order = append(order, k)
				}
				counts[k] += n
			}
		}
		entries := make([]common.MapEntry, len(order))
		for i, k := range order {
			entries[i] = common.MapEntry{Key: k, Value: common.IntValue(counts[k])}
		}
		return common.MapValue(entries...), nil

	default:
		entries := make([]common.MapEntry, len(results))
		for i, r := range results {
			entries[i] = common.MapEntry{Key: r.addr, Value: r.value}
		}
		return common.MapValue(entries...), nil
	}
}

// reassemble places the array replies of split sub-commands at the
// positions of their keys in the original command
func reassemble(total int, parts []splitPart, values []common.Value) (common.Value, error) {
	out := make([]common.Value, total)
	for i, p := range parts {
		v := values[i]
		if v.Kind != common.KindArray || len(v.Array) != len(p.positions) {
			return common.Value{}, fmt.Errorf("slot %d: expected %d replies, got %s", p.slot, len(p.positions), v.Kind)
		}
		for j, pos := range p.positions {
			out[pos] = v.Array[j]
		}
	}
	return common.ArrayValue(out...), nil
}
