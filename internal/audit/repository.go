package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the pgx-backed audit repository. The table
// carries no update or delete path.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) Append(ctx context.Context, rec Record) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO audit (id, run_id, step, ts, actor, digest) VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ID, rec.RunID, rec.Step, rec.Timestamp, rec.Actor, rec.PayloadDigest)
	return err
}

func (r *pgRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, run_id, step, ts, actor, digest FROM audit WHERE run_id=$1 ORDER BY ts ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Step, &rec.Timestamp, &rec.Actor, &rec.PayloadDigest); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
