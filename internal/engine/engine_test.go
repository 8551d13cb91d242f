package engine

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/autoledger/autoledger/internal/catalog"
	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
)

func mustCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	store, err := catalog.NewStore(catalog.BAS2025v1(), catalog.BAS2025v2())
	require.NoError(t, err)
	cat, err := store.Get("2025_v1.0")
	require.NoError(t, err)
	return cat
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func mealExtraction(t *testing.T) ExtractionRecord {
	return ExtractionRecord{
		TotalGross: dec(t, "1176.00"),
		Currency:   "SEK",
		VATLines: []VATLine{
			{Rate: dec(t, "12"), Base: dec(t, "1050.00"), Amount: dec(t, "126.00")},
		},
		Vendor:       "Restaurang Prinsen",
		DocumentDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
	}
}

func requireLine(t *testing.T, line Line, account string, side policy.Side, amount string) {
	t.Helper()
	require.Equal(t, account, line.Account)
	require.Equal(t, side, line.Side)
	require.True(t, line.Amount.Equal(dec(t, amount)), "account %s: got %s want %s", account, line.Amount, amount)
}

func TestEvaluateRepresentationMealCapAndSplit(t *testing.T) {
	eng := New()
	intent := IntentRecord{
		Name:       "representation_meal",
		Confidence: 0.96,
		Slots:      shared.Slots{"attendees_count": 2, "purpose": "client lunch"},
	}

	proposal, err := eng.Evaluate(mealExtraction(t), intent, policy.ReprMealSE(), mustCatalog(t))
	require.NoError(t, err)

	require.Len(t, proposal.Lines, 5)
	requireLine(t, proposal.Lines[0], "6071", policy.SideDebit, "600.00")
	requireLine(t, proposal.Lines[1], "6072", policy.SideDebit, "450.00")
	requireLine(t, proposal.Lines[2], "2641", policy.SideDebit, "72.00")
	requireLine(t, proposal.Lines[3], "6072", policy.SideDebit, "54.00")
	requireLine(t, proposal.Lines[4], "1930", policy.SideCredit, "1176.00")

	require.True(t, proposal.Balanced())
	require.Equal(t, []policy.VATMode{policy.VATModeCapped, policy.VATModeSplitDeductible}, proposal.VATModes)
	require.Equal(t, []string{
		"policy:SE_REPR_MEAL_V1",
		"intent:representation_meal(conf=0.96)",
		"vat:12",
		"cap-applied",
		"split-deductible",
	}, proposal.ReasonCodes)
	require.Empty(t, proposal.MissingRequired)

	gate, question := Decide(proposal, intent.Confidence, policy.ReprMealSE().Rules.Stoplight, false)
	require.Equal(t, policy.GateAuto, gate)
	require.Nil(t, question)
}

func TestEvaluateSaaSReverseCharge(t *testing.T) {
	eng := New()
	ext := ExtractionRecord{
		TotalGross:   dec(t, "4500.00"),
		Currency:     "SEK",
		Vendor:       "CloudWorks Ltd",
		DocumentDate: time.Date(2025, 10, 2, 0, 0, 0, 0, time.UTC),
	}
	intent := IntentRecord{
		Name:       "saas_subscription",
		Confidence: 0.92,
		Slots:      shared.Slots{"supplier_country": "IE", "service_period": "2025-10"},
	}

	proposal, err := eng.Evaluate(ext, intent, policy.SaaSReverseChargeSE(), mustCatalog(t))
	require.NoError(t, err)

	require.Len(t, proposal.Lines, 4)
	requireLine(t, proposal.Lines[0], "6540", policy.SideDebit, "4500.00")
	requireLine(t, proposal.Lines[1], "2645", policy.SideDebit, "1125.00")
	requireLine(t, proposal.Lines[2], "2614", policy.SideCredit, "1125.00")
	requireLine(t, proposal.Lines[3], "1930", policy.SideCredit, "4500.00")

	require.True(t, proposal.Balanced())
	require.Equal(t, []policy.VATMode{policy.VATModeReverseCharge}, proposal.VATModes)
	require.Equal(t, map[string]string{"net": "21", "output": "30", "input": "48"}, proposal.ReportBoxes)
	require.Contains(t, proposal.ReasonCodes, "reverse-charge")

	gate, _ := Decide(proposal, intent.Confidence, policy.SaaSReverseChargeSE().Rules.Stoplight, false)
	require.Equal(t, policy.GateAuto, gate)
}

func TestEvaluateMissingSlotComputesTentativeProposal(t *testing.T) {
	eng := New()
	intent := IntentRecord{
		Name:       "representation_meal",
		Confidence: 0.96,
		Slots:      shared.Slots{"purpose": "client lunch"},
	}

	proposal, err := eng.Evaluate(mealExtraction(t), intent, policy.ReprMealSE(), mustCatalog(t))
	require.NoError(t, err)

	require.Equal(t, []string{"attendees_count"}, proposal.MissingRequired)
	// Without an attendee count the cap is not in force: everything is
	// deductible and the zero split lines drop out.
	require.Len(t, proposal.Lines, 3)
	requireLine(t, proposal.Lines[0], "6071", policy.SideDebit, "1050.00")
	requireLine(t, proposal.Lines[1], "2641", policy.SideDebit, "126.00")
	requireLine(t, proposal.Lines[2], "1930", policy.SideCredit, "1176.00")
	require.True(t, proposal.Balanced())

	gate, question := Decide(proposal, intent.Confidence, policy.ReprMealSE().Rules.Stoplight, false)
	require.Equal(t, policy.GateClarify, gate)
	require.NotNil(t, question)
	require.Equal(t, "attendees_count", question.Slot)
}

func TestEvaluateMissingSlotParksWhenPolicySaysSo(t *testing.T) {
	eng := New()
	p := policy.ReprMealSE()
	p.Rules.Stoplight.OnMissingRequired = policy.GatePark
	intent := IntentRecord{Name: "representation_meal", Confidence: 0.96, Slots: shared.Slots{}}

	proposal, err := eng.Evaluate(mealExtraction(t), intent, p, mustCatalog(t))
	require.NoError(t, err)
	require.Equal(t, policy.GatePark, proposal.Gate)
	require.Empty(t, proposal.Lines)
	require.ElementsMatch(t, []string{"attendees_count", "purpose"}, proposal.MissingRequired)
}

func TestEvaluateAttendeesZeroSkipsCap(t *testing.T) {
	eng := New()
	intent := IntentRecord{
		Name:       "representation_meal",
		Confidence: 0.96,
		Slots:      shared.Slots{"attendees_count": 0, "purpose": "client lunch"},
	}
	p := policy.ReprMealSE()
	p.Rules.Requires = nil

	proposal, err := eng.Evaluate(mealExtraction(t), intent, p, mustCatalog(t))
	require.NoError(t, err)
	requireLine(t, proposal.Lines[0], "6071", policy.SideDebit, "1050.00")
	requireLine(t, proposal.Lines[1], "2641", policy.SideDebit, "126.00")
	require.True(t, proposal.Balanced())
	require.Equal(t, []policy.VATMode{policy.VATModeStandard}, proposal.VATModes)
	require.NotContains(t, proposal.ReasonCodes, "cap-applied")
}

// unbalancedPolicy posts net against gross with no VAT line, leaving
// the VAT amount as the imbalance.
func unbalancedPolicy(t *testing.T) policy.Policy {
	p := policy.TaxiSE()
	p.Rules.Posting = []policy.PostingTemplate{
		{Account: "5810", Side: policy.SideDebit, Amount: policy.AmountNet, Description: "travel cost"},
		{AccountRef: "bank", Side: policy.SideCredit, Amount: policy.AmountGross, Description: "bank"},
	}
	return p
}

func TestEvaluateRoundingAbsorbsSmallImbalance(t *testing.T) {
	eng := New()
	// 0.19 at 6%: net 0.18, vat 0.01.
	ext := ExtractionRecord{TotalGross: dec(t, "0.19"), Currency: "SEK", DocumentDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	intent := IntentRecord{Name: "taxi_transport", Confidence: 0.9}

	proposal, err := eng.Evaluate(ext, intent, unbalancedPolicy(t), mustCatalog(t))
	require.NoError(t, err)
	last := proposal.Lines[len(proposal.Lines)-1]
	requireLine(t, last, "3740", policy.SideDebit, "0.01")
	require.Equal(t, "rounding difference", last.Description)
	require.True(t, proposal.Balanced())
	require.Contains(t, proposal.ReasonCodes, "rounding-adjusted")
}

func TestEvaluateLargeImbalanceFails(t *testing.T) {
	eng := New()
	// 0.53 at 6%: net 0.50, vat 0.03.
	ext := ExtractionRecord{TotalGross: dec(t, "0.53"), Currency: "SEK", DocumentDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	intent := IntentRecord{Name: "taxi_transport", Confidence: 0.9}

	_, err := eng.Evaluate(ext, intent, unbalancedPolicy(t), mustCatalog(t))
	require.Error(t, err)
	require.True(t, shared.IsTag(err, shared.TagProposalUnbalanced))
}

func TestEvaluateUnknownAccount(t *testing.T) {
	eng := New()
	p := policy.TaxiSE()
	p.Rules.Posting[0].Account = "9999"
	ext := ExtractionRecord{TotalGross: dec(t, "106.00"), Currency: "SEK", DocumentDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}

	_, err := eng.Evaluate(ext, IntentRecord{Name: "taxi_transport", Confidence: 0.9}, p, mustCatalog(t))
	require.True(t, shared.IsTag(err, shared.TagUnknownAccount))
}

func TestEvaluateIsPure(t *testing.T) {
	eng := New()
	intent := IntentRecord{
		Name:       "representation_meal",
		Confidence: 0.96,
		Slots:      shared.Slots{"attendees_count": 2, "purpose": "client lunch"},
	}

	first, err := eng.Evaluate(mealExtraction(t), intent, policy.ReprMealSE(), mustCatalog(t))
	require.NoError(t, err)
	second, err := eng.Evaluate(mealExtraction(t), intent, policy.ReprMealSE(), mustCatalog(t))
	require.NoError(t, err)
	require.True(t, reflect.DeepEqual(first, second))
}

func TestEvaluateMigratedPolicyEmitsReasonCode(t *testing.T) {
	eng := New()
	p := policy.ReprMealSE()
	p.CatalogVersion = "2025_v2.0"
	p.MigratedFrom = "2025_v1.0"
	store, err := catalog.NewStore(catalog.BAS2025v1(), catalog.BAS2025v2())
	require.NoError(t, err)
	cat, err := store.Get("2025_v2.0")
	require.NoError(t, err)
	intent := IntentRecord{Name: "representation_meal", Confidence: 0.96, Slots: shared.Slots{"attendees_count": 2, "purpose": "client lunch"}}

	proposal, err := eng.Evaluate(mealExtraction(t), intent, p, cat)
	require.NoError(t, err)
	require.Contains(t, proposal.ReasonCodes, "migrated-from:2025_v1.0")
}

func TestMatchesNarrowingClauses(t *testing.T) {
	min := dec(t, "100")
	max := dec(t, "2000")
	p := policy.ReprMealSE()
	p.Rules.Match.VendorPatterns = []string{"restaurang"}
	p.Rules.Match.AmountMin = &min
	p.Rules.Match.AmountMax = &max

	require.True(t, Matches(p, mealExtraction(t)))

	other := mealExtraction(t)
	other.Vendor = "Taxi Stockholm"
	require.False(t, Matches(p, other))

	tooBig := mealExtraction(t)
	tooBig.TotalGross = dec(t, "2500.00")
	require.False(t, Matches(p, tooBig))
}

func TestExtractionValidate(t *testing.T) {
	ext := mealExtraction(t)
	require.NoError(t, ext.Validate())

	ext.Currency = "NOPE"
	require.True(t, shared.IsTag(ext.Validate(), shared.TagInputInvalid))

	over := mealExtraction(t)
	over.VATLines[0].Base = dec(t, "2000.00")
	require.True(t, shared.IsTag(over.Validate(), shared.TagInputInvalid))
}
