package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType enumerates chart-of-accounts categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeIncome    AccountType = "income"
	AccountTypeExpense   AccountType = "expense"
)

// Account models one chart-of-accounts node inside a catalog version.
type Account struct {
	Number         string           `json:"number" validate:"required"`
	Name           string           `json:"name" validate:"required"`
	Class          string           `json:"class" validate:"required"`
	Type           AccountType      `json:"type" validate:"required,oneof=asset liability equity income expense"`
	DefaultVATRate *decimal.Decimal `json:"default_vat_rate,omitempty"`
	AllowedRegions []string         `json:"allowed_regions,omitempty"`
	Description    string           `json:"description,omitempty"`
}

// AllowedIn reports whether the account may be posted in the region.
// An empty region list means unrestricted.
func (a Account) AllowedIn(region string) bool {
	if len(a.AllowedRegions) == 0 {
		return true
	}
	for _, r := range a.AllowedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// Catalog is one immutable, date-bound chart-of-accounts version.
// Tags map semantic names (e.g. "bank", "rounding") to account numbers.
type Catalog struct {
	Version       string            `json:"bas_version"`
	Country       string            `json:"country"`
	EffectiveFrom time.Time         `json:"effective_from"`
	EffectiveTo   *time.Time        `json:"effective_to,omitempty"`
	Accounts      []Account         `json:"accounts"`
	Tags          map[string]string `json:"tags,omitempty"`

	byNumber map[string]Account
}

// Account returns the account with the given number.
func (c *Catalog) Account(number string) (Account, bool) {
	acc, ok := c.byNumber[number]
	return acc, ok
}

// ResolveTag maps a semantic tag to its account number.
func (c *Catalog) ResolveTag(tag string) (string, bool) {
	number, ok := c.Tags[tag]
	return number, ok
}

// Covers reports whether the catalog's effective window contains d.
// effective_to is inclusive; an absent effective_to is open-ended.
func (c *Catalog) Covers(d time.Time) bool {
	day := d.Truncate(24 * time.Hour)
	if day.Before(c.EffectiveFrom) {
		return false
	}
	if c.EffectiveTo != nil && day.After(*c.EffectiveTo) {
		return false
	}
	return true
}
