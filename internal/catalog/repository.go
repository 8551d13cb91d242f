package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository loads persisted catalog versions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns a catalog repository over the pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadAll reads every stored catalog version. The accounts and tags are
// stored as a single JSON document per version.
func (r *Repository) LoadAll(ctx context.Context) ([]Catalog, error) {
	rows, err := r.pool.Query(ctx, `SELECT document FROM account_catalogs ORDER BY effective_from ASC`)
	if err != nil {
		return nil, fmt.Errorf("catalog: load: %w", err)
	}
	defer rows.Close()
	var catalogs []Catalog
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var c Catalog
		dec := json.NewDecoder(bytes.NewReader(doc))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("catalog: decode document: %w", err)
		}
		catalogs = append(catalogs, c)
	}
	return catalogs, rows.Err()
}

// Save persists one catalog version document.
func (r *Repository) Save(ctx context.Context, c Catalog) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO account_catalogs (version, country, effective_from, effective_to, document)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (version) DO UPDATE SET country=$2, effective_from=$3, effective_to=$4, document=$5`,
		c.Version, c.Country, c.EffectiveFrom, c.EffectiveTo, doc)
	return err
}
