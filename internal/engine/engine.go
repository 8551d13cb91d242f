package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/autoledger/autoledger/internal/catalog"
	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
)

// dimensionSlots are the slot names copied into line dimensions when a
// template names them without a literal value.
var dimensionSlots = []string{"project", "cost_center", "employee_id", "supplier_id"}

// Engine evaluates policies into posting proposals.
type Engine struct {
	// RoundingTolerance is the largest absolute imbalance absorbed by
	// a single rounding-difference line.
	RoundingTolerance decimal.Decimal
}

// New returns an engine with the default 0.02 rounding tolerance.
func New() *Engine {
	return &Engine{RoundingTolerance: decimal.New(2, -2)}
}

// Matches applies the policy's narrowing clauses (vendor patterns and
// amount bounds) against the extraction. Intent, country and date
// narrowing happen in the policy store.
func Matches(p policy.Policy, ext ExtractionRecord) bool {
	m := p.Rules.Match
	if len(m.VendorPatterns) > 0 {
		if ext.Vendor == "" {
			return false
		}
		vendor := strings.ToLower(ext.Vendor)
		hit := false
		for _, pattern := range m.VendorPatterns {
			if strings.Contains(vendor, strings.ToLower(pattern)) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if m.AmountMin != nil && ext.TotalGross.LessThan(*m.AmountMin) {
		return false
	}
	if m.AmountMax != nil && ext.TotalGross.GreaterThan(*m.AmountMax) {
		return false
	}
	return true
}

// MissingRequired evaluates the policy's requirement predicates over
// the slots and returns the failing fields in declaration order.
func MissingRequired(p policy.Policy, slots shared.Slots) []string {
	var missing []string
	for _, req := range p.Rules.Requires {
		if !evaluateRequirement(req, slots) {
			missing = append(missing, req.Field)
		}
	}
	return missing
}

// Evaluate computes a posting proposal in one pass. The returned
// proposal may carry gate PARK (missing requirements with a PARK
// stoplight) without an error; hard failures return a tagged Fault.
func (e *Engine) Evaluate(ext ExtractionRecord, intent IntentRecord, p policy.Policy, cat *catalog.Catalog) (Proposal, error) {
	missing := MissingRequired(p, intent.Slots)
	proposal := Proposal{
		PolicyID:        p.ID,
		Confidence:      intent.Confidence,
		MissingRequired: missing,
	}
	if len(missing) > 0 && p.Rules.Stoplight.OnMissingRequired == policy.GatePark {
		proposal.Gate = policy.GatePark
		proposal.ReasonCodes = reasonCodes(p, intent, nil, false)
		return proposal, nil
	}

	amts, err := computeAmounts(ext, p.Rules.VAT, intent.Slots)
	if err != nil {
		return Proposal{}, err
	}
	proposal.VATCode = p.Rules.VAT.Code
	proposal.VATModes = amts.modes
	if p.Rules.VAT.Mode == policy.VATModeReverseCharge {
		proposal.ReportBoxes = p.Rules.VAT.ReportBoxes
	}

	for i, t := range p.Rules.Posting {
		line, err := buildLine(t, i, amts, intent.Slots, p, cat)
		if err != nil {
			return Proposal{}, err
		}
		if line == nil {
			continue
		}
		proposal.Lines = append(proposal.Lines, *line)
	}

	rounded, err := e.balance(&proposal, p, cat)
	if err != nil {
		return Proposal{}, err
	}

	proposal.ReasonCodes = reasonCodes(p, intent, amts.modes, rounded)
	return proposal, nil
}

func buildLine(t policy.PostingTemplate, idx int, amts amounts, slots shared.Slots, p policy.Policy, cat *catalog.Catalog) (*Line, error) {
	number := t.Account
	if number == "" {
		resolved, ok := cat.ResolveTag(t.AccountRef)
		if !ok {
			return nil, shared.NewFault(shared.TagUnknownAccount,
				"policy %s: posting[%d]: tag %q unresolved in catalog %s", p.ID, idx, t.AccountRef, cat.Version)
		}
		number = resolved
	}
	acc, ok := cat.Account(number)
	if !ok {
		return nil, shared.NewFault(shared.TagUnknownAccount,
			"policy %s: posting[%d]: account %s not in catalog %s", p.ID, idx, number, cat.Version)
	}
	if !acc.AllowedIn(p.Country) {
		return nil, shared.NewFault(shared.TagUnknownAccount,
			"policy %s: posting[%d]: account %s not permitted in %s", p.ID, idx, number, p.Country)
	}
	amount, ok := amts.lookup(t.Amount)
	if !ok {
		return nil, shared.NewFault(shared.TagVATComputation,
			"policy %s: posting[%d]: formula %q unavailable under the computed VAT mode", p.ID, idx, t.Amount)
	}
	if amount.IsZero() {
		// Zero-amount template lines are dropped rather than posted.
		return nil, nil
	}
	line := &Line{
		Account:     number,
		Side:        t.Side,
		Amount:      amount,
		Description: t.Description,
	}
	if len(t.Dimensions) > 0 {
		dims := make(map[string]string, len(t.Dimensions))
		for name, value := range t.Dimensions {
			if value == "" && slices.Contains(dimensionSlots, name) {
				if slotValue, ok := slots.String(name); ok {
					value = slotValue
				}
			}
			if value != "" {
				dims[name] = value
			}
		}
		if len(dims) > 0 {
			line.Dimensions = dims
		}
	}
	return line, nil
}

// balance applies at most one rounding-difference line and reports
// whether it did. Imbalances beyond the tolerance are rejected.
func (e *Engine) balance(proposal *Proposal, p policy.Policy, cat *catalog.Catalog) (bool, error) {
	diff := proposal.Imbalance()
	if diff.IsZero() {
		return false, nil
	}
	if diff.Abs().GreaterThan(e.RoundingTolerance) {
		return false, shared.NewFault(shared.TagProposalUnbalanced,
			"policy %s: imbalance %s exceeds rounding tolerance %s", p.ID, diff, e.RoundingTolerance)
	}
	number, ok := cat.ResolveTag("rounding")
	if !ok {
		return false, shared.NewFault(shared.TagProposalUnbalanced,
			"policy %s: imbalance %s and catalog %s has no rounding account", p.ID, diff, cat.Version)
	}
	side := policy.SideCredit
	if diff.IsNegative() {
		side = policy.SideDebit
	}
	proposal.Lines = append(proposal.Lines, Line{
		Account:     number,
		Side:        side,
		Amount:      diff.Abs(),
		Description: "rounding difference",
	})
	return true, nil
}

// reasonCodes emits the ordered decision tags: policy, intent, vat,
// then one code per material decision.
func reasonCodes(p policy.Policy, intent IntentRecord, modes []policy.VATMode, rounded bool) []string {
	codes := []string{
		"policy:" + p.ID,
		fmt.Sprintf("intent:%s(conf=%.2f)", intent.Name, intent.Confidence),
	}
	if p.Rules.VAT.Code != "" {
		codes = append(codes, "vat:"+p.Rules.VAT.Code)
	} else {
		codes = append(codes, "vat:"+p.Rules.VAT.Rate.String())
	}
	for _, mode := range modes {
		switch mode {
		case policy.VATModeCapped:
			codes = append(codes, "cap-applied")
		case policy.VATModeSplitDeductible:
			codes = append(codes, "split-deductible")
		case policy.VATModeReverseCharge:
			codes = append(codes, "reverse-charge")
		}
	}
	if p.MigratedFrom != "" {
		codes = append(codes, "migrated-from:"+p.MigratedFrom)
	}
	if rounded {
		codes = append(codes, "rounding-adjusted")
	}
	return codes
}
