package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository loads and persists policy documents.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns a policy repository over the pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadAll reads every stored policy document, parsing each through the
// schema validator. An invalid stored document fails the load.
func (r *Repository) LoadAll(ctx context.Context) ([]Policy, error) {
	rows, err := r.pool.Query(ctx, `SELECT document FROM policies ORDER BY id, version`)
	if err != nil {
		return nil, fmt.Errorf("policy: load: %w", err)
	}
	defer rows.Close()
	var policies []Policy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		p, err := ParseDocument(doc)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// List reads policy documents filtered by country and effective date.
func (r *Repository) List(ctx context.Context, country string, d time.Time) ([]Policy, error) {
	all, err := r.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []Policy
	for _, p := range all {
		if country != "" && p.Country != country {
			continue
		}
		if !d.IsZero() && !p.EffectiveOn(d) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Save upserts one policy keyed by (id, version).
func (r *Repository) Save(ctx context.Context, p Policy) error {
	doc, err := p.Document()
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO policies (id, version, country, effective_from, effective_to, catalog_version, document)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id, version) DO UPDATE SET country=$3, effective_from=$4, effective_to=$5, catalog_version=$6, document=$7`,
		p.ID, p.Version, p.Country, p.EffectiveFrom, p.EffectiveTo, p.CatalogVersion, doc)
	return err
}
