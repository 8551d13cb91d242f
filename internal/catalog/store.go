package catalog

import (
	"fmt"
	"time"

	"github.com/autoledger/autoledger/internal/shared"
)

// Store holds every loaded catalog version. Catalogs are frozen after
// construction and safe for concurrent reads.
type Store struct {
	byVersion map[string]*Catalog
	ordered   []*Catalog
}

// NewStore indexes and validates the given catalog versions. Load
// defects (missing fields, duplicate numbers, dangling tags) are fatal.
func NewStore(catalogs ...Catalog) (*Store, error) {
	s := &Store{byVersion: make(map[string]*Catalog, len(catalogs))}
	for i := range catalogs {
		c := catalogs[i]
		if err := freeze(&c); err != nil {
			return nil, err
		}
		if _, dup := s.byVersion[c.Version]; dup {
			return nil, fmt.Errorf("catalog: duplicate version %q", c.Version)
		}
		s.byVersion[c.Version] = &c
		s.ordered = append(s.ordered, &c)
	}
	return s, nil
}

func freeze(c *Catalog) error {
	if c.Version == "" {
		return fmt.Errorf("catalog: version required")
	}
	if c.Country == "" {
		return fmt.Errorf("catalog %s: country required", c.Version)
	}
	if c.EffectiveFrom.IsZero() {
		return fmt.Errorf("catalog %s: effective_from required", c.Version)
	}
	c.byNumber = make(map[string]Account, len(c.Accounts))
	for _, acc := range c.Accounts {
		if acc.Number == "" || acc.Name == "" || acc.Type == "" {
			return fmt.Errorf("catalog %s: account %q missing required fields", c.Version, acc.Number)
		}
		if _, dup := c.byNumber[acc.Number]; dup {
			return fmt.Errorf("catalog %s: duplicate account number %q", c.Version, acc.Number)
		}
		c.byNumber[acc.Number] = acc
	}
	for tag, number := range c.Tags {
		if _, ok := c.byNumber[number]; !ok {
			return fmt.Errorf("catalog %s: tag %q points at unknown account %q", c.Version, tag, number)
		}
	}
	return nil
}

// Get returns the catalog with the given version label.
func (s *Store) Get(version string) (*Catalog, error) {
	c, ok := s.byVersion[version]
	if !ok {
		return nil, shared.NewFault(shared.TagCatalogMissing, "catalog version %q not loaded", version)
	}
	return c, nil
}

// ResolveForDate picks the catalog whose effective window contains d
// for the given country. When windows overlap on the cutover day the
// newer catalog (latest effective_from) wins.
func (s *Store) ResolveForDate(country string, d time.Time) (*Catalog, error) {
	var best *Catalog
	for _, c := range s.ordered {
		if c.Country != country || !c.Covers(d) {
			continue
		}
		if best == nil || c.EffectiveFrom.After(best.EffectiveFrom) {
			best = c
		}
	}
	if best == nil {
		return nil, shared.NewFault(shared.TagCatalogMissing, "no catalog for %s on %s", country, d.Format("2006-01-02"))
	}
	return best, nil
}

// ValidateNumber checks that number exists in the catalog and is
// permitted for the country.
func (s *Store) ValidateNumber(c *Catalog, number, country string) error {
	acc, ok := c.Account(number)
	if !ok {
		return shared.NewFault(shared.TagUnknownAccount, "account %s not in catalog %s", number, c.Version)
	}
	if !acc.AllowedIn(country) {
		return shared.NewFault(shared.TagUnknownAccount, "account %s not permitted in %s", number, country)
	}
	return nil
}

// Versions lists the loaded version labels in load order.
func (s *Store) Versions() []string {
	out := make([]string, 0, len(s.ordered))
	for _, c := range s.ordered {
		out = append(out, c.Version)
	}
	return out
}
