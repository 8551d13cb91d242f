package engine

import (
	"fmt"

	"github.com/autoledger/autoledger/internal/policy"
)

const defaultConfidenceThreshold = 0.8

// questionTexts gives well-known slots a human question; anything else
// falls back to a generic prompt. Selection is deterministic: the
// first missing field in requirement order always wins.
var questionTexts = map[string]string{
	"attendees_count":  "How many people attended?",
	"purpose":          "What was the business purpose?",
	"supplier_country": "Which country is the supplier registered in?",
	"service_period":   "Which period does the service cover?",
}

// Decide maps (completeness, rule outcome, confidence) onto the gate
// and, for CLARIFY, derives the single structured question.
func Decide(proposal Proposal, intentConfidence float64, sl policy.Stoplight, engineFailed bool) (policy.GateDecision, *Question) {
	if len(proposal.MissingRequired) > 0 {
		decision := sl.OnMissingRequired
		if decision == "" {
			decision = policy.GateClarify
		}
		if decision == policy.GateClarify {
			return decision, questionFor(proposal.MissingRequired[0])
		}
		return decision, nil
	}
	if engineFailed {
		if sl.OnFail == "" {
			return policy.GatePark, nil
		}
		return sl.OnFail, nil
	}
	threshold := sl.ConfidenceThreshold
	if threshold == 0 {
		threshold = defaultConfidenceThreshold
	}
	if intentConfidence < threshold {
		return policy.GateClarify, &Question{
			Text: fmt.Sprintf("The transaction was classified with low confidence (%.2f). Is the classification correct?", intentConfidence),
		}
	}
	return policy.GateAuto, nil
}

func questionFor(slot string) *Question {
	text, ok := questionTexts[slot]
	if !ok {
		text = fmt.Sprintf("Please provide a value for %q.", slot)
	}
	return &Question{Slot: slot, Text: text}
}
