package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/autoledger/autoledger/internal/shared"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	return v
}

// document is the wire shape of a policy. Validation tags cover the
// field-level schema; cross-field rules live in CheckDocument.
type document struct {
	ID             string        `json:"id" validate:"required"`
	Version        string        `json:"version" validate:"required"`
	Country        string        `json:"country" validate:"required,iso3166_1_alpha2"`
	EffectiveFrom  string        `json:"effective_from" validate:"required,datetime=2006-01-02"`
	EffectiveTo    string        `json:"effective_to,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Name           string        `json:"name" validate:"required"`
	Description    string        `json:"description,omitempty"`
	CatalogVersion string        `json:"bas_version" validate:"required"`
	Rules          documentRules `json:"rules" validate:"required"`
	MigratedFrom   string        `json:"migrated_from,omitempty"`
}

type documentRules struct {
	Match     Match             `json:"match"`
	Requires  []Requirement     `json:"requires,omitempty" validate:"dive"`
	VAT       VATRule           `json:"vat"`
	Posting   []PostingTemplate `json:"posting" validate:"required,min=1,dive"`
	Stoplight Stoplight         `json:"stoplight"`
}

// ParseDocument decodes and validates one policy document. Unknown
// schema fields are rejected.
func ParseDocument(raw []byte) (Policy, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return Policy{}, shared.NewFault(shared.TagPolicyInvalid, "decode policy: %v", err)
	}
	if err := validate.Struct(doc); err != nil {
		return Policy{}, shared.NewFault(shared.TagPolicyInvalid, "policy %s: %v", doc.ID, err)
	}
	p, err := doc.toPolicy()
	if err != nil {
		return Policy{}, err
	}
	if err := CheckDocument(p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (d document) toPolicy() (Policy, error) {
	from, err := parseDate(d.EffectiveFrom)
	if err != nil {
		return Policy{}, shared.NewFault(shared.TagPolicyInvalid, "policy %s: effective_from: %v", d.ID, err)
	}
	p := Policy{
		ID:             d.ID,
		Version:        d.Version,
		Country:        d.Country,
		EffectiveFrom:  from,
		Name:           d.Name,
		Description:    d.Description,
		CatalogVersion: d.CatalogVersion,
		Rules: Rules{
			Match:     d.Rules.Match,
			Requires:  d.Rules.Requires,
			VAT:       d.Rules.VAT,
			Posting:   d.Rules.Posting,
			Stoplight: d.Rules.Stoplight,
		},
		MigratedFrom: d.MigratedFrom,
	}
	if d.EffectiveTo != "" {
		to, err := parseDate(d.EffectiveTo)
		if err != nil {
			return Policy{}, shared.NewFault(shared.TagPolicyInvalid, "policy %s: effective_to: %v", d.ID, err)
		}
		p.EffectiveTo = &to
	}
	return p, nil
}

// Document renders the policy in its wire shape, with date-only
// effective fields.
func (p Policy) Document() ([]byte, error) {
	doc := document{
		ID:             p.ID,
		Version:        p.Version,
		Country:        p.Country,
		EffectiveFrom:  p.EffectiveFrom.Format("2006-01-02"),
		Name:           p.Name,
		Description:    p.Description,
		CatalogVersion: p.CatalogVersion,
		Rules: documentRules{
			Match:     p.Rules.Match,
			Requires:  p.Rules.Requires,
			VAT:       p.Rules.VAT,
			Posting:   p.Rules.Posting,
			Stoplight: p.Rules.Stoplight,
		},
		MigratedFrom: p.MigratedFrom,
	}
	if p.EffectiveTo != nil {
		doc.EffectiveTo = p.EffectiveTo.Format("2006-01-02")
	}
	return json.Marshal(doc)
}

// CheckDocument enforces the cross-field schema rules the tag-based
// validator cannot express: closed enum membership, amount bounds and
// the account/account_ref exclusivity of template lines.
func CheckDocument(p Policy) error {
	fail := func(format string, args ...any) error {
		return shared.NewFault(shared.TagPolicyInvalid, "policy %s: "+format, append([]any{p.ID}, args...)...)
	}
	if p.Rules.Match.Intent == "" {
		return fail("match.intent required")
	}
	if p.Rules.VAT.Rate.IsNegative() || p.Rules.VAT.Rate.GreaterThan(decimal.NewFromInt(100)) {
		return fail("vat.rate %s out of range", p.Rules.VAT.Rate)
	}
	if cap := p.Rules.VAT.CapPerPerson; cap != nil && cap.IsNegative() {
		return fail("vat.cap_per_person must not be negative")
	}
	switch p.Rules.VAT.Mode {
	case "", VATModeStandard, VATModeReverseCharge:
	default:
		return fail("vat.mode %q not supported in a policy document", p.Rules.VAT.Mode)
	}
	for _, req := range p.Rules.Requires {
		if req.Field == "" {
			return fail("requires entry missing field")
		}
		switch req.Op {
		case OpExists:
		case OpGTE, OpLTE, OpGT, OpEq, OpNeq, OpIn, OpNotIn:
			if req.Value == nil {
				return fail("requires %s: op %q needs a value", req.Field, req.Op)
			}
		default:
			return fail("requires %s: unknown op %q", req.Field, req.Op)
		}
	}
	for i, t := range p.Rules.Posting {
		if (t.Account == "") == (t.AccountRef == "") {
			return fail("posting[%d]: exactly one of account or account_ref required", i)
		}
		if t.Side != SideDebit && t.Side != SideCredit {
			return fail("posting[%d]: side %q invalid", i, t.Side)
		}
		if !knownAmount(t.Amount) {
			return fail("posting[%d]: unknown amount formula %q", i, t.Amount)
		}
	}
	if err := checkGateValue(p.Rules.Stoplight.OnMissingRequired); err != nil {
		return fail("stoplight.on_missing_required: %v", err)
	}
	if err := checkGateValue(p.Rules.Stoplight.OnFail); err != nil {
		return fail("stoplight.on_fail: %v", err)
	}
	if th := p.Rules.Stoplight.ConfidenceThreshold; th < 0 || th > 1 {
		return fail("stoplight.confidence_threshold %v out of [0,1]", th)
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

func knownAmount(a AmountName) bool {
	switch a {
	case AmountGross, AmountNet, AmountVAT, AmountDeductibleNet, AmountNonDeductibleNet,
		AmountVATDeductible, AmountVATNonDeductible, AmountVATOutput, AmountVATInput, AmountNetAfterCap:
		return true
	}
	return false
}

func checkGateValue(g GateDecision) error {
	switch g {
	case "", GateAuto, GateClarify, GatePark:
		return nil
	}
	return fmt.Errorf("unknown gate value %q", g)
}
