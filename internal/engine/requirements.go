package engine

import (
	"github.com/spf13/cast"

	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
)

// evaluateRequirement applies one predicate to the slot bag. Slot
// values arrive from JSON, so the ordering operators compare
// numerically and fail when either side does not coerce to a number;
// equality and membership compare numerically where both sides coerce
// and as strings otherwise.
func evaluateRequirement(req policy.Requirement, slots shared.Slots) bool {
	actual, present := slots[req.Field]
	if actual == nil {
		present = false
	}
	switch req.Op {
	case policy.OpExists:
		return present
	case policy.OpGTE, policy.OpGT, policy.OpLTE:
		if !present {
			return false
		}
		a, errA := cast.ToFloat64E(actual)
		b, errB := cast.ToFloat64E(req.Value)
		if errA != nil || errB != nil {
			return false
		}
		switch req.Op {
		case policy.OpGTE:
			return a >= b
		case policy.OpGT:
			return a > b
		default:
			return a <= b
		}
	case policy.OpEq:
		return present && looselyEqual(actual, req.Value)
	case policy.OpNeq:
		return present && !looselyEqual(actual, req.Value)
	case policy.OpIn:
		return present && containsLoosely(req.Value, actual)
	case policy.OpNotIn:
		return present && !containsLoosely(req.Value, actual)
	}
	return false
}

func looselyEqual(a, b any) bool {
	if fa, errA := cast.ToFloat64E(a); errA == nil {
		if fb, errB := cast.ToFloat64E(b); errB == nil {
			return fa == fb
		}
	}
	sa, errA := cast.ToStringE(a)
	sb, errB := cast.ToStringE(b)
	return errA == nil && errB == nil && sa == sb
}

func containsLoosely(set, needle any) bool {
	items, err := cast.ToSliceE(set)
	if err != nil {
		return false
	}
	for _, item := range items {
		if looselyEqual(item, needle) {
			return true
		}
	}
	return false
}
