package shared

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlotsCoercion(t *testing.T) {
	slots := Slots{"attendees_count": float64(2), "purpose": "lunch", "rate": "12.5"}

	n, ok := slots.Int("attendees_count")
	require.True(t, ok)
	require.Equal(t, 2, n)

	s, ok := slots.String("purpose")
	require.True(t, ok)
	require.Equal(t, "lunch", s)

	f, ok := slots.Float("rate")
	require.True(t, ok)
	require.Equal(t, 12.5, f)

	_, ok = slots.Int("missing")
	require.False(t, ok)
}

func TestSlotsMergeDoesNotMutate(t *testing.T) {
	base := Slots{"a": 1}
	merged := base.Merge(map[string]any{"a": 2, "b": 3})
	require.Equal(t, 2, merged["a"])
	require.Equal(t, 3, merged["b"])
	require.Equal(t, 1, base["a"])
}

func TestFaultTagging(t *testing.T) {
	err := NewFault(TagProposalUnbalanced, "off by %s", "0.03")
	require.True(t, IsTag(err, TagProposalUnbalanced))
	require.False(t, IsTag(err, TagVATComputation))
	fault, ok := FaultFrom(err)
	require.True(t, ok)
	require.Equal(t, "off by 0.03", fault.Message)
}
