package policy

import (
	"log/slog"
	"sort"
	"time"

	"github.com/autoledger/autoledger/internal/catalog"
	"github.com/autoledger/autoledger/internal/shared"
)

// Store indexes validated policies by country, intent and effective
// date. Policies are frozen after construction and safe for concurrent
// reads.
type Store struct {
	policies []Policy
	logger   *slog.Logger
}

// NewStore validates each policy against the catalog store and keeps
// the valid ones. A policy referencing an unknown or region-blocked
// account is excluded from selection and logged, not fatal. Admitted
// policies whose selection order is ambiguous (same country, intent,
// specificity and version with overlapping windows) are logged as a
// warning and kept.
func NewStore(logger *slog.Logger, catalogs *catalog.Store, policies ...Policy) *Store {
	s := &Store{logger: logger}
	for _, p := range policies {
		if err := s.admissible(catalogs, p); err != nil {
			logger.Warn("policy excluded", slog.String("policy", p.ID), slog.Any("error", err))
			continue
		}
		s.policies = append(s.policies, p)
	}
	for i, a := range s.policies {
		for _, b := range s.policies[i+1:] {
			if a.Country != b.Country || a.Rules.Match.Intent != b.Rules.Match.Intent ||
				a.Rules.Match.Specificity() != b.Rules.Match.Specificity() || a.Version != b.Version {
				continue
			}
			if (a.EffectiveTo == nil || !a.EffectiveTo.Before(b.EffectiveFrom)) &&
				(b.EffectiveTo == nil || !b.EffectiveTo.Before(a.EffectiveFrom)) {
				logger.Warn("ambiguous policy overlap", slog.String("policy", a.ID), slog.String("other", b.ID), slog.String("version", a.Version))
			}
		}
	}
	return s
}

func (s *Store) admissible(catalogs *catalog.Store, p Policy) error {
	if err := CheckDocument(p); err != nil {
		return err
	}
	cat, err := catalogs.Get(p.CatalogVersion)
	if err != nil {
		return err
	}
	for _, number := range p.Accounts() {
		if err := catalogs.ValidateNumber(cat, number, p.Country); err != nil {
			return shared.NewFault(shared.TagPolicyInvalid, "policy %s: %v", p.ID, err)
		}
	}
	for i, t := range p.Rules.Posting {
		if t.AccountRef == "" {
			continue
		}
		number, ok := cat.ResolveTag(t.AccountRef)
		if !ok {
			return shared.NewFault(shared.TagPolicyInvalid, "policy %s: posting[%d]: tag %q unresolved in catalog %s", p.ID, i, t.AccountRef, cat.Version)
		}
		if err := catalogs.ValidateNumber(cat, number, p.Country); err != nil {
			return shared.NewFault(shared.TagPolicyInvalid, "policy %s: %v", p.ID, err)
		}
	}
	return nil
}

// Select returns the policies matching (country, intent name) whose
// effective window contains d, narrower match first, then newer
// version. The caller applies any vendor or amount narrowing against
// the extraction before settling on one.
func (s *Store) Select(country, intent string, d time.Time) []Policy {
	var out []Policy
	for _, p := range s.policies {
		if p.Country != country || p.Rules.Match.Intent != intent || !p.EffectiveOn(d) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Rules.Match.Specificity(), out[j].Rules.Match.Specificity()
		if si != sj {
			return si > sj
		}
		return out[i].Version > out[j].Version
	})
	return out
}

// Get returns a policy by id, preferring the newest version when the
// same id was loaded more than once (e.g. after migration).
func (s *Store) Get(id string) (Policy, error) {
	var found *Policy
	for i := range s.policies {
		p := &s.policies[i]
		if p.ID != id {
			continue
		}
		if found == nil || p.Version > found.Version {
			found = p
		}
	}
	if found == nil {
		return Policy{}, shared.ErrNotFound
	}
	return *found, nil
}

// All returns every admitted policy.
func (s *Store) All() []Policy {
	return append([]Policy(nil), s.policies...)
}

// Add admits a policy after validation, used when a migration result
// is registered under a new catalog version.
func (s *Store) Add(catalogs *catalog.Store, p Policy) error {
	if err := s.admissible(catalogs, p); err != nil {
		return err
	}
	s.policies = append(s.policies, p)
	return nil
}
