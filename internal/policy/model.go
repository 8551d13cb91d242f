package policy

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side marks a posting line as debit or credit.
type Side string

const (
	SideDebit  Side = "D"
	SideCredit Side = "K"
)

// GateDecision is the tri-state outcome governing what happens to a
// proposal: auto-post, hold for one clarifying question, or park.
type GateDecision string

const (
	GateAuto    GateDecision = "AUTO"
	GateClarify GateDecision = "CLARIFY"
	GatePark    GateDecision = "PARK"
)

// VATMode enumerates the supported VAT treatments.
type VATMode string

const (
	VATModeStandard        VATMode = "STANDARD"
	VATModeReverseCharge   VATMode = "REVERSE_CHARGE"
	VATModeCapped          VATMode = "CAPPED"
	VATModeSplitDeductible VATMode = "SPLIT_DEDUCTIBLE"
)

// RequireOp is the closed operator set for requirement predicates.
type RequireOp string

const (
	OpExists RequireOp = "exists"
	OpGTE    RequireOp = ">="
	OpLTE    RequireOp = "<="
	OpGT     RequireOp = ">"
	OpEq     RequireOp = "=="
	OpNeq    RequireOp = "!="
	OpIn     RequireOp = "in"
	OpNotIn  RequireOp = "not_in"
)

// AmountName is the closed set of posting-template amount formulas.
// Adding a formula requires an engine change; that is the intended
// governance boundary.
type AmountName string

const (
	AmountGross            AmountName = "gross"
	AmountNet              AmountName = "net"
	AmountVAT              AmountName = "vat"
	AmountDeductibleNet    AmountName = "deductible_net"
	AmountNonDeductibleNet AmountName = "non_deductible_net"
	AmountVATDeductible    AmountName = "vat_deductible"
	AmountVATNonDeductible AmountName = "vat_non_deductible"
	AmountVATOutput        AmountName = "vat_output"
	AmountVATInput         AmountName = "vat_input"
	// AmountNetAfterCap aliases deductible_net for older documents.
	AmountNetAfterCap AmountName = "net_after_cap"
)

// Policy is one versioned rule document bound to a catalog version.
type Policy struct {
	ID             string     `json:"id"`
	Version        string     `json:"version"`
	Country        string     `json:"country"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveTo    *time.Time `json:"effective_to,omitempty"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	CatalogVersion string     `json:"bas_version"`
	Rules          Rules      `json:"rules"`

	// MigratedFrom records the catalog version a migrated policy came
	// from; empty for policies loaded directly.
	MigratedFrom string `json:"migrated_from,omitempty"`
}

// Rules is the policy DSL body.
type Rules struct {
	Match     Match             `json:"match"`
	Requires  []Requirement     `json:"requires,omitempty"`
	VAT       VATRule           `json:"vat"`
	Posting   []PostingTemplate `json:"posting"`
	Stoplight Stoplight         `json:"stoplight"`
}

// Match narrows which inputs a policy applies to. Intent is mandatory;
// vendor patterns and amount bounds narrow further and raise the
// policy's specificity in selection order.
type Match struct {
	Intent         string           `json:"intent"`
	VendorPatterns []string         `json:"vendor_patterns,omitempty"`
	AmountMin      *decimal.Decimal `json:"amount_min,omitempty"`
	AmountMax      *decimal.Decimal `json:"amount_max,omitempty"`
}

// Specificity counts narrowing clauses beyond the intent itself.
func (m Match) Specificity() int {
	n := 0
	if len(m.VendorPatterns) > 0 {
		n++
	}
	if m.AmountMin != nil {
		n++
	}
	if m.AmountMax != nil {
		n++
	}
	return n
}

// Requirement is one predicate over the intent slots.
type Requirement struct {
	Field string    `json:"field"`
	Op    RequireOp `json:"op"`
	Value any       `json:"value,omitempty"`
}

// VATRule configures VAT treatment for matched inputs.
type VATRule struct {
	Rate            decimal.Decimal   `json:"rate"`
	CapPerPerson    *decimal.Decimal  `json:"cap_per_person,omitempty"`
	Code            string            `json:"code,omitempty"`
	Mode            VATMode           `json:"mode,omitempty"`
	DeductibleSplit bool              `json:"deductible_split,omitempty"`
	ReportBoxes     map[string]string `json:"report_boxes,omitempty"`
}

// PostingTemplate is one template line. Either Account (literal number)
// or AccountRef (semantic tag resolved against the catalog) is set.
type PostingTemplate struct {
	Account     string            `json:"account,omitempty"`
	AccountRef  string            `json:"account_ref,omitempty"`
	Side        Side              `json:"side"`
	Amount      AmountName        `json:"amount"`
	Description string            `json:"description,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
}

// Stoplight configures the gate for this policy.
type Stoplight struct {
	OnMissingRequired   GateDecision `json:"on_missing_required,omitempty"`
	OnFail              GateDecision `json:"on_fail,omitempty"`
	ConfidenceThreshold float64      `json:"confidence_threshold,omitempty"`
}

// EffectiveOn reports whether the policy window contains d.
func (p Policy) EffectiveOn(d time.Time) bool {
	day := d.Truncate(24 * time.Hour)
	if day.Before(p.EffectiveFrom) {
		return false
	}
	if p.EffectiveTo != nil && day.After(*p.EffectiveTo) {
		return false
	}
	return true
}

// Accounts lists every literal account number referenced by the
// posting templates.
func (p Policy) Accounts() []string {
	var out []string
	for _, t := range p.Rules.Posting {
		if t.Account != "" {
			out = append(out, t.Account)
		}
	}
	return out
}
