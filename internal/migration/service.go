// Package migration translates policies between account-catalog
// versions using explicit pairwise rulesets. Multi-hop migrations are
// explicit sequences; no chain traversal happens implicitly.
package migration

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/autoledger/autoledger/internal/catalog"
	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
)

// Ruleset describes one version-to-version migration.
type Ruleset struct {
	From               string                     `json:"from"`
	To                 string                     `json:"to"`
	AccountMappings    map[string]string          `json:"account_mappings,omitempty"`
	NewAccounts        []string                   `json:"new_accounts,omitempty"`
	DeprecatedAccounts []string                   `json:"deprecated_accounts,omitempty"`
	VATRateChanges     map[string]decimal.Decimal `json:"vat_rate_changes,omitempty"`
}

func (r Ruleset) key() string { return r.From + "_to_" + r.To }

// Service migrates policies between catalog versions.
type Service struct {
	catalogs *catalog.Store
	rules    map[string]Ruleset
}

// NewService indexes the rulesets by version pair.
func NewService(catalogs *catalog.Store, rules ...Ruleset) *Service {
	indexed := make(map[string]Ruleset, len(rules))
	for _, r := range rules {
		indexed[r.key()] = r
	}
	return &Service{catalogs: catalogs, rules: indexed}
}

// Builtin is the shipped pair of rulesets between 2025_v1.0 and
// 2025_v2.0: the forward ruleset (no renumbered accounts, two additions,
// nothing deprecated) and its inverse with no mappings.
func Builtin() []Ruleset {
	return []Ruleset{
		{
			From:            "2025_v1.0",
			To:              "2025_v2.0",
			AccountMappings: map[string]string{},
			NewAccounts:     []string{"6073", "6542"},
		},
		{
			From:            "2025_v2.0",
			To:              "2025_v1.0",
			AccountMappings: map[string]string{},
		},
	}
}

// Migrate rewrites the policy's posting accounts onto the target
// catalog version and validates the result. The id is preserved and
// the version bumped; the source catalog version is recorded so the
// engine can emit its migration reason code.
func (s *Service) Migrate(p policy.Policy, targetVersion string) (policy.Policy, error) {
	if p.CatalogVersion == targetVersion {
		return p, nil
	}
	rs, ok := s.rules[p.CatalogVersion+"_to_"+targetVersion]
	if !ok {
		return policy.Policy{}, shared.NewFault(shared.TagMigrationBlocked,
			"no migration ruleset from %s to %s", p.CatalogVersion, targetVersion)
	}
	target, err := s.catalogs.Get(targetVersion)
	if err != nil {
		return policy.Policy{}, err
	}

	migrated := p
	migrated.Rules.Posting = append([]policy.PostingTemplate(nil), p.Rules.Posting...)
	deprecated := make(map[string]bool, len(rs.DeprecatedAccounts))
	for _, number := range rs.DeprecatedAccounts {
		deprecated[number] = true
	}
	for i := range migrated.Rules.Posting {
		t := &migrated.Rules.Posting[i]
		if t.Account == "" {
			continue
		}
		if mapped, ok := rs.AccountMappings[t.Account]; ok {
			t.Account = mapped
		} else if deprecated[t.Account] {
			return policy.Policy{}, shared.NewFault(shared.TagMigrationBlocked,
				"policy %s: account %s deprecated in %s with no mapping", p.ID, t.Account, targetVersion)
		}
		if err := s.catalogs.ValidateNumber(target, t.Account, p.Country); err != nil {
			return policy.Policy{}, err
		}
	}
	for i, t := range migrated.Rules.Posting {
		if t.AccountRef == "" {
			continue
		}
		number, ok := target.ResolveTag(t.AccountRef)
		if !ok {
			return policy.Policy{}, shared.NewFault(shared.TagMigrationBlocked,
				"policy %s: posting[%d]: tag %q unresolved in catalog %s", p.ID, i, t.AccountRef, targetVersion)
		}
		if err := s.catalogs.ValidateNumber(target, number, p.Country); err != nil {
			return policy.Policy{}, err
		}
	}
	if rate, ok := vatRateOverride(rs, migrated.Rules.Posting); ok {
		migrated.Rules.VAT.Rate = rate
	}

	migrated.MigratedFrom = p.CatalogVersion
	migrated.CatalogVersion = targetVersion
	migrated.Version = bumpVersion(p.Version)
	return migrated, nil
}

// vatRateOverride returns the ruleset's rate change for the first
// literal posting account, in posting order, that the ruleset lists.
func vatRateOverride(rs Ruleset, posting []policy.PostingTemplate) (decimal.Decimal, bool) {
	for _, t := range posting {
		if t.Account == "" {
			continue
		}
		if rate, ok := rs.VATRateChanges[t.Account]; ok {
			return rate, true
		}
	}
	return decimal.Decimal{}, false
}

func bumpVersion(v string) string {
	if strings.HasPrefix(v, "V") {
		if n, err := strconv.Atoi(v[1:]); err == nil {
			return fmt.Sprintf("V%d", n+1)
		}
	}
	return v + ".migrated"
}
