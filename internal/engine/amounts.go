package engine

import (
	"github.com/shopspring/decimal"

	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
)

var one = decimal.NewFromInt(1)

// amounts holds every named formula result a posting template may
// reference. All values carry banker's rounding to 2 places, applied
// at the final step of each formula only.
type amounts struct {
	values map[policy.AmountName]decimal.Decimal
	modes  []policy.VATMode
}

func (a amounts) lookup(name policy.AmountName) (decimal.Decimal, bool) {
	if name == policy.AmountNetAfterCap {
		name = policy.AmountDeductibleNet
	}
	v, ok := a.values[name]
	return v, ok
}

// computeAmounts evaluates the VAT formulas for one extraction under
// one policy's vat rule.
func computeAmounts(ext ExtractionRecord, vat policy.VATRule, slots shared.Slots) (amounts, error) {
	gross := ext.TotalGross.RoundBank(2)
	if vat.Rate.IsNegative() || vat.Rate.GreaterThan(decimal.NewFromInt(100)) {
		return amounts{}, shared.NewFault(shared.TagVATComputation, "vat rate %s out of range", vat.Rate)
	}
	rate := vat.Rate.Div(decimal.NewFromInt(100))

	if vat.Mode == policy.VATModeReverseCharge {
		// Reverse charge: the gross carries no VAT. Output VAT is
		// computed on top and mirrored as input VAT.
		net := gross
		vatOutput := net.Mul(rate).RoundBank(2)
		return amounts{
			values: map[policy.AmountName]decimal.Decimal{
				policy.AmountGross:     gross,
				policy.AmountNet:       net,
				policy.AmountVAT:       vatOutput,
				policy.AmountVATOutput: vatOutput,
				policy.AmountVATInput:  vatOutput,
			},
			modes: []policy.VATMode{policy.VATModeReverseCharge},
		}, nil
	}

	net := gross.Div(one.Add(rate)).RoundBank(2)
	vatAmount := gross.Sub(net)
	if net.IsNegative() || vatAmount.IsNegative() {
		return amounts{}, shared.NewFault(shared.TagVATComputation, "negative net %s or vat %s from gross %s", net, vatAmount, gross)
	}

	values := map[policy.AmountName]decimal.Decimal{
		policy.AmountGross: gross,
		policy.AmountNet:   net,
		policy.AmountVAT:   vatAmount,
	}
	modes := []policy.VATMode{policy.VATModeStandard}

	attendees, _ := slots.Int("attendees_count")
	if vat.CapPerPerson != nil && attendees >= 1 {
		capNet := vat.CapPerPerson.Mul(decimal.NewFromInt(int64(attendees))).RoundBank(2)
		deductibleNet := decimal.Min(net, capNet)
		nonDeductibleNet := net.Sub(deductibleNet)
		vatDeductible := deductibleNet.Mul(rate).RoundBank(2)
		vatNonDeductible := vatAmount.Sub(vatDeductible)
		values[policy.AmountDeductibleNet] = deductibleNet
		values[policy.AmountNonDeductibleNet] = nonDeductibleNet
		values[policy.AmountVATDeductible] = vatDeductible
		values[policy.AmountVATNonDeductible] = vatNonDeductible
		modes = []policy.VATMode{policy.VATModeCapped}
		if vat.DeductibleSplit {
			modes = append(modes, policy.VATModeSplitDeductible)
		}
	} else {
		// No cap in force: everything is deductible, so the split
		// formulas collapse onto the plain net and VAT.
		values[policy.AmountDeductibleNet] = net
		values[policy.AmountNonDeductibleNet] = decimal.Zero
		values[policy.AmountVATDeductible] = vatAmount
		values[policy.AmountVATNonDeductible] = decimal.Zero
	}

	return amounts{values: values, modes: modes}, nil
}
