package policy

import (
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Builtin returns the seed policy set used by the seed script and the
// test suite. Production deployments load policies from the repository.
func Builtin() []Policy {
	return []Policy{ReprMealSE(), SaaSReverseChargeSE(), TaxiSE()}
}

// ReprMealSE books Swedish representation meals with the per-person
// deduction cap split into deductible and non-deductible parts. The
// non-deductible VAT is carried as cost on 6072.
func ReprMealSE() Policy {
	return Policy{
		ID:             "SE_REPR_MEAL_V1",
		Version:        "V1",
		Country:        "SE",
		EffectiveFrom:  day(2025, 1, 1),
		Name:           "Representation meal (SE)",
		Description:    "Representation meals with per-person deduction cap",
		CatalogVersion: "2025_v1.0",
		Rules: Rules{
			Match: Match{Intent: "representation_meal"},
			Requires: []Requirement{
				{Field: "attendees_count", Op: OpGTE, Value: 1},
				{Field: "purpose", Op: OpExists},
			},
			VAT: VATRule{
				Rate:            dec("12"),
				CapPerPerson:    decPtr("300"),
				Code:            "12",
				DeductibleSplit: true,
			},
			Posting: []PostingTemplate{
				{Account: "6071", Side: SideDebit, Amount: AmountDeductibleNet, Description: "deductible net"},
				{Account: "6072", Side: SideDebit, Amount: AmountNonDeductibleNet, Description: "non-deductible net"},
				{Account: "2641", Side: SideDebit, Amount: AmountVATDeductible, Description: "deductible VAT"},
				{Account: "6072", Side: SideDebit, Amount: AmountVATNonDeductible, Description: "non-deductible VAT"},
				{AccountRef: "bank", Side: SideCredit, Amount: AmountGross, Description: "bank"},
			},
			Stoplight: Stoplight{
				OnMissingRequired:   GateClarify,
				OnFail:              GatePark,
				ConfidenceThreshold: 0.8,
			},
		},
	}
}

// SaaSReverseChargeSE books EU SaaS subscriptions under reverse charge
// with the Swedish VAT return boxes.
func SaaSReverseChargeSE() Policy {
	return Policy{
		ID:             "SE_SAAS_RC_V1",
		Version:        "V1",
		Country:        "SE",
		EffectiveFrom:  day(2025, 1, 1),
		Name:           "SaaS subscription, EU supplier (SE)",
		CatalogVersion: "2025_v1.0",
		Rules: Rules{
			Match: Match{Intent: "saas_subscription"},
			Requires: []Requirement{
				{Field: "supplier_country", Op: OpExists},
				{Field: "service_period", Op: OpExists},
			},
			VAT: VATRule{
				Rate: dec("25"),
				Code: "RC25",
				Mode: VATModeReverseCharge,
				ReportBoxes: map[string]string{
					"net":    "21",
					"output": "30",
					"input":  "48",
				},
			},
			Posting: []PostingTemplate{
				{Account: "6540", Side: SideDebit, Amount: AmountNet, Description: "service cost"},
				{Account: "2645", Side: SideDebit, Amount: AmountVATInput, Description: "input VAT"},
				{Account: "2614", Side: SideCredit, Amount: AmountVATOutput, Description: "output VAT"},
				{AccountRef: "bank", Side: SideCredit, Amount: AmountGross, Description: "bank"},
			},
			Stoplight: Stoplight{
				OnMissingRequired:   GateClarify,
				OnFail:              GatePark,
				ConfidenceThreshold: 0.85,
			},
		},
	}
}

// TaxiSE books domestic taxi receipts at the reduced transport rate.
func TaxiSE() Policy {
	return Policy{
		ID:             "SE_TAXI_V1",
		Version:        "V1",
		Country:        "SE",
		EffectiveFrom:  day(2025, 1, 1),
		Name:           "Taxi transport (SE)",
		CatalogVersion: "2025_v1.0",
		Rules: Rules{
			Match: Match{Intent: "taxi_transport"},
			VAT: VATRule{
				Rate: dec("6"),
				Code: "06",
			},
			Posting: []PostingTemplate{
				{Account: "5810", Side: SideDebit, Amount: AmountNet, Description: "travel cost"},
				{Account: "2640", Side: SideDebit, Amount: AmountVAT, Description: "input VAT"},
				{AccountRef: "bank", Side: SideCredit, Amount: AmountGross, Description: "bank"},
			},
			Stoplight: Stoplight{
				OnFail:              GatePark,
				ConfidenceThreshold: 0.7,
			},
		},
	}
}
