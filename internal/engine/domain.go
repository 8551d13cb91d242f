// Package engine computes balanced posting proposals from extraction
// and intent records under a selected policy. It is pure: no I/O, no
// clocks, and identical inputs always yield identical proposals.
package engine

import (
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
)

// VATLine is one VAT breakdown row from a receipt.
type VATLine struct {
	Rate   decimal.Decimal `json:"rate"`
	Base   decimal.Decimal `json:"base"`
	Amount decimal.Decimal `json:"amount"`
}

// ExtractionRecord is the normalized receipt produced by the external
// extractor. The engine consumes it and never mutates it.
type ExtractionRecord struct {
	TotalGross   decimal.Decimal `json:"total_gross"`
	Currency     string          `json:"currency"`
	VATLines     []VATLine       `json:"vat_lines,omitempty"`
	Vendor       string          `json:"vendor,omitempty"`
	DocumentDate time.Time       `json:"document_date"`
	RawText      string          `json:"raw_text,omitempty"`
}

// Validate enforces the extraction schema: a real ISO-4217 currency,
// a non-negative total, and VAT lines that fit inside the gross.
func (e ExtractionRecord) Validate() error {
	if _, err := currency.ParseISO(e.Currency); err != nil {
		return shared.NewFault(shared.TagInputInvalid, "currency %q: %v", e.Currency, err)
	}
	if e.TotalGross.IsNegative() {
		return shared.NewFault(shared.TagInputInvalid, "total_gross %s negative", e.TotalGross)
	}
	sum := decimal.Zero
	for _, l := range e.VATLines {
		if l.Base.IsNegative() || l.Amount.IsNegative() {
			return shared.NewFault(shared.TagInputInvalid, "vat line with negative base or amount")
		}
		sum = sum.Add(l.Base).Add(l.Amount)
	}
	if sum.GreaterThan(e.TotalGross) {
		return shared.NewFault(shared.TagInputInvalid, "vat lines sum %s exceeds total_gross %s", sum, e.TotalGross)
	}
	return nil
}

// IntentRecord is the classified transaction kind produced by the
// external classifier.
type IntentRecord struct {
	Name       string       `json:"name"`
	Confidence float64      `json:"confidence"`
	Slots      shared.Slots `json:"slots,omitempty"`
}

// Validate enforces the intent schema.
func (i IntentRecord) Validate() error {
	if i.Name == "" {
		return shared.NewFault(shared.TagInputInvalid, "intent name required")
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return shared.NewFault(shared.TagInputInvalid, "intent confidence %v out of [0,1]", i.Confidence)
	}
	return nil
}

// Line is one proposed posting line.
type Line struct {
	Account     string            `json:"account"`
	Side        policy.Side       `json:"side"`
	Amount      decimal.Decimal   `json:"amount"`
	Description string            `json:"description,omitempty"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
}

// Proposal is the engine output: a balanced set of lines plus the
// decisions that produced them.
type Proposal struct {
	Lines           []Line              `json:"lines"`
	VATCode         string              `json:"vat_code,omitempty"`
	VATModes        []policy.VATMode    `json:"vat_modes"`
	ReportBoxes     map[string]string   `json:"report_boxes,omitempty"`
	Confidence      float64             `json:"confidence"`
	ReasonCodes     []string            `json:"reason_codes"`
	Gate            policy.GateDecision `json:"gate,omitempty"`
	PolicyID        string              `json:"policy_id"`
	MissingRequired []string            `json:"missing_required,omitempty"`
}

// Balanced reports exact decimal equality of debit and credit sums.
func (p Proposal) Balanced() bool {
	return p.Imbalance().IsZero()
}

// Imbalance returns sum(D) - sum(K).
func (p Proposal) Imbalance() decimal.Decimal {
	diff := decimal.Zero
	for _, l := range p.Lines {
		if l.Side == policy.SideDebit {
			diff = diff.Add(l.Amount)
		} else {
			diff = diff.Sub(l.Amount)
		}
	}
	return diff
}

// Question is the single structured clarification carried by a
// CLARIFY outcome.
type Question struct {
	Slot string `json:"slot,omitempty"`
	Text string `json:"text"`
}
