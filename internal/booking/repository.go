package booking

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autoledger/autoledger/internal/platform/db"
	"github.com/autoledger/autoledger/internal/shared"
)

// Repository encapsulates DB operations for journal entries.
type Repository interface {
	GetEntry(ctx context.Context, id uuid.UUID) (JournalEntry, error)
	ByPipeline(ctx context.Context, runID uuid.UUID) (JournalEntry, error)
	List(ctx context.Context, companyID uuid.UUID, page shared.Pagination) ([]JournalEntry, int, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the write operations available inside one
// transaction. Number allocation and entry insertion share the
// transaction so allocations roll back with it.
type TxRepository interface {
	AllocateNumber(ctx context.Context, companyID uuid.UUID, series string) (int64, error)
	InsertEntry(ctx context.Context, entry JournalEntry) error
	InsertLines(ctx context.Context, entryID uuid.UUID, lines []JournalLine) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the pgx-backed booking repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *repository) GetEntry(ctx context.Context, id uuid.UUID) (JournalEntry, error) {
	return scanEntry(ctx, r.db, `SELECT id, company_id, entry_date, series, number, notes, created_at, created_by, source_pipeline_run
FROM journal_entries WHERE id=$1`, id)
}

func (r *repository) ByPipeline(ctx context.Context, runID uuid.UUID) (JournalEntry, error) {
	return scanEntry(ctx, r.db, `SELECT id, company_id, entry_date, series, number, notes, created_at, created_by, source_pipeline_run
FROM journal_entries WHERE source_pipeline_run=$1`, runID)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanEntry(ctx context.Context, q queryer, sql string, arg any) (JournalEntry, error) {
	var e JournalEntry
	err := q.QueryRow(ctx, sql, arg).
		Scan(&e.ID, &e.CompanyID, &e.EntryDate, &e.Series, &e.Number, &e.Notes, &e.CreatedAt, &e.CreatedBy, &e.SourcePipelineRun)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrEntryNotFound
		}
		return JournalEntry{}, err
	}
	lines, err := loadLines(ctx, q, e.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	e.Lines = lines
	return e, nil
}

func loadLines(ctx context.Context, q queryer, entryID uuid.UUID) ([]JournalLine, error) {
	rows, err := q.Query(ctx, `SELECT id, entry_id, ordinal, account, side, amount, description, dimensions
FROM journal_lines WHERE entry_id=$1 ORDER BY ordinal ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []JournalLine
	for rows.Next() {
		var l JournalLine
		var dims []byte
		if err := rows.Scan(&l.ID, &l.EntryID, &l.Ordinal, &l.Account, &l.Side, &l.Amount, &l.Description, &dims); err != nil {
			return nil, err
		}
		if len(dims) > 0 {
			if err := json.Unmarshal(dims, &l.Dimensions); err != nil {
				return nil, err
			}
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *repository) List(ctx context.Context, companyID uuid.UUID, page shared.Pagination) ([]JournalEntry, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM journal_entries WHERE company_id=$1`, companyID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT id, company_id, entry_date, series, number, notes, created_at, created_by, source_pipeline_run
FROM journal_entries WHERE company_id=$1 ORDER BY series ASC, number DESC LIMIT $2 OFFSET $3`,
		companyID, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.EntryDate, &e.Series, &e.Number, &e.Notes, &e.CreatedAt, &e.CreatedBy, &e.SourcePipelineRun); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

// AllocateNumber hands out the next number in (company, series) under
// a row lock, so concurrent bookings serialize and failed transactions
// leave no gap.
func (r *txRepository) AllocateNumber(ctx context.Context, companyID uuid.UUID, series string) (int64, error) {
	_, err := r.tx.Exec(ctx, `INSERT INTO journal_series (company_id, series, last_number) VALUES ($1,$2,0)
ON CONFLICT (company_id, series) DO NOTHING`, companyID, series)
	if err != nil {
		return 0, err
	}
	var number int64
	err = r.tx.QueryRow(ctx, `UPDATE journal_series SET last_number = last_number + 1
WHERE company_id=$1 AND series=$2 RETURNING last_number`, companyID, series).Scan(&number)
	if err != nil {
		return 0, err
	}
	return number, nil
}

func (r *txRepository) InsertEntry(ctx context.Context, entry JournalEntry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO journal_entries (id, company_id, entry_date, series, number, notes, created_at, created_by, source_pipeline_run)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.ID, entry.CompanyID, entry.EntryDate, entry.Series, entry.Number, entry.Notes, entry.CreatedAt, entry.CreatedBy, entry.SourcePipelineRun)
	return err
}

func (r *txRepository) InsertLines(ctx context.Context, entryID uuid.UUID, lines []JournalLine) error {
	for _, line := range lines {
		dims, err := json.Marshal(line.Dimensions)
		if err != nil {
			return err
		}
		if line.Dimensions == nil {
			dims = nil
		}
		if _, err := r.tx.Exec(ctx, `INSERT INTO journal_lines (id, entry_id, ordinal, account, side, amount, description, dimensions)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			line.ID, entryID, line.Ordinal, line.Account, line.Side, line.Amount, line.Description, dims); err != nil {
			return err
		}
	}
	return nil
}
