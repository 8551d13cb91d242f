package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autoledger/autoledger/internal/policy"
)

func TestDecideThresholdIsNonStrict(t *testing.T) {
	sl := policy.Stoplight{ConfidenceThreshold: 0.8}
	gate, question := Decide(Proposal{}, 0.8, sl, false)
	require.Equal(t, policy.GateAuto, gate)
	require.Nil(t, question)
}

func TestDecideLowConfidenceClarifies(t *testing.T) {
	sl := policy.Stoplight{ConfidenceThreshold: 0.8}
	gate, question := Decide(Proposal{}, 0.79, sl, false)
	require.Equal(t, policy.GateClarify, gate)
	require.NotNil(t, question)
	require.Empty(t, question.Slot)
}

func TestDecideMissingDefaultsToClarify(t *testing.T) {
	gate, question := Decide(Proposal{MissingRequired: []string{"attendees_count", "purpose"}}, 0.99, policy.Stoplight{}, false)
	require.Equal(t, policy.GateClarify, gate)
	require.NotNil(t, question)
	require.Equal(t, "attendees_count", question.Slot)
	require.Equal(t, "How many people attended?", question.Text)
}

func TestDecideQuestionIsDeterministic(t *testing.T) {
	proposal := Proposal{MissingRequired: []string{"purpose"}}
	_, first := Decide(proposal, 0.9, policy.Stoplight{}, false)
	_, second := Decide(proposal, 0.9, policy.Stoplight{}, false)
	require.Equal(t, first, second)
}

func TestDecideEngineFailureDefaultsToPark(t *testing.T) {
	gate, _ := Decide(Proposal{}, 0.99, policy.Stoplight{}, true)
	require.Equal(t, policy.GatePark, gate)

	gate, _ = Decide(Proposal{}, 0.99, policy.Stoplight{OnFail: policy.GateClarify}, true)
	require.Equal(t, policy.GateClarify, gate)
}

func TestDecideMissingRequiredParkOverridesConfidence(t *testing.T) {
	sl := policy.Stoplight{OnMissingRequired: policy.GatePark}
	gate, question := Decide(Proposal{MissingRequired: []string{"purpose"}}, 0.99, sl, false)
	require.Equal(t, policy.GatePark, gate)
	require.Nil(t, question)
}
