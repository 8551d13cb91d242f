package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autoledger/autoledger/internal/booking"
	"github.com/autoledger/autoledger/internal/shared"
)

var (
	// ErrRunNotFound occurs when a run id is unknown.
	ErrRunNotFound = errors.New("pipeline: run not found")
	// ErrNotClaimable occurs when a run cannot be claimed: it is not
	// PENDING and holds no expired lease.
	ErrNotClaimable = errors.New("pipeline: run not claimable")
)

// InputKind distinguishes staged input records.
type InputKind string

const (
	InputExtraction InputKind = "extraction"
	InputIntent     InputKind = "intent"
)

// Repository is the transactional persistence port for runs. Claims
// are compare-and-swap state transitions carrying a lease so crashed
// workers can be recovered.
type Repository interface {
	SaveRun(ctx context.Context, run Run) error
	LoadRun(ctx context.Context, id uuid.UUID) (Run, error)
	ClaimRun(ctx context.Context, id uuid.UUID, token string, lease time.Duration) (Run, error)
	ReleaseRun(ctx context.Context, id uuid.UUID, token string) error
	ListRuns(ctx context.Context, companyID uuid.UUID, page shared.Pagination) ([]Run, int, error)
	ExpiredClaims(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	SaveInput(ctx context.Context, ref string, kind InputKind, doc []byte) error
	LoadInput(ctx context.Context, ref string) ([]byte, error)

	// BookAndComplete allocates the entry number, inserts the entry
	// with its lines and saves the completed run in one transaction.
	BookAndComplete(ctx context.Context, run *Run, entry *booking.JournalEntry) error
}

type pgRepository struct {
	db *pgxpool.Pool
}

// NewRepository returns the pgx-backed run repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &pgRepository{db: db}
}

func (r *pgRepository) SaveRun(ctx context.Context, run Run) error {
	payload, err := json.Marshal(run.Payload)
	if err != nil {
		return err
	}
	var runErr []byte
	if run.Error != nil {
		if runErr, err = json.Marshal(run.Error); err != nil {
			return err
		}
	}
	_, err = r.db.Exec(ctx, `INSERT INTO pipeline_runs
(id, company_id, country, transaction_date, series, actor, state, current_step, payload, error, journal_entry_id, started_at, updated_at, completed_at, claimed_by, claim_expires_at, cancel_requested)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (id) DO UPDATE SET
state=$7, current_step=$8, payload=$9, error=$10, journal_entry_id=$11, updated_at=$13, completed_at=$14, claimed_by=$15, claim_expires_at=$16, cancel_requested=$17`,
		run.ID, run.CompanyID, run.Country, run.TransactionDate, run.Series, run.Actor,
		run.State, run.CurrentStep, payload, runErr, run.JournalEntryID,
		run.StartedAt, run.UpdatedAt, run.CompletedAt, nullString(run.ClaimedBy), run.ClaimExpiresAt, run.CancelRequested)
	return err
}

func (r *pgRepository) LoadRun(ctx context.Context, id uuid.UUID) (Run, error) {
	return scanRun(r.db.QueryRow(ctx, `SELECT id, company_id, country, transaction_date, series, actor, state, current_step, payload, error, journal_entry_id, started_at, updated_at, completed_at, claimed_by, claim_expires_at, cancel_requested
FROM pipeline_runs WHERE id=$1`, id))
}

// ClaimRun swaps a claimable run into RUNNING under the caller's
// token. A run is claimable while PENDING, or while RUNNING with an
// expired lease (crashed worker recovery).
func (r *pgRepository) ClaimRun(ctx context.Context, id uuid.UUID, token string, lease time.Duration) (Run, error) {
	expires := time.Now().Add(lease)
	tag, err := r.db.Exec(ctx, `UPDATE pipeline_runs SET state=$2, claimed_by=$3, claim_expires_at=$4, updated_at=NOW()
WHERE id=$1 AND (state='PENDING' OR (state='RUNNING' AND claim_expires_at < NOW()))`,
		id, StateRunning, token, expires)
	if err != nil {
		return Run{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.LoadRun(ctx, id); err != nil {
			return Run{}, err
		}
		return Run{}, ErrNotClaimable
	}
	return r.LoadRun(ctx, id)
}

func (r *pgRepository) ReleaseRun(ctx context.Context, id uuid.UUID, token string) error {
	_, err := r.db.Exec(ctx, `UPDATE pipeline_runs SET claimed_by=NULL, claim_expires_at=NULL, updated_at=NOW()
WHERE id=$1 AND claimed_by=$2`, id, token)
	return err
}

func (r *pgRepository) ListRuns(ctx context.Context, companyID uuid.UUID, page shared.Pagination) ([]Run, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM pipeline_runs WHERE company_id=$1`, companyID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT id, company_id, country, transaction_date, series, actor, state, current_step, payload, error, journal_entry_id, started_at, updated_at, completed_at, claimed_by, claim_expires_at, cancel_requested
FROM pipeline_runs WHERE company_id=$1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`, companyID, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (r *pgRepository) ExpiredClaims(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM pipeline_runs WHERE state='RUNNING' AND claim_expires_at < $1 ORDER BY claim_expires_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *pgRepository) SaveInput(ctx context.Context, ref string, kind InputKind, doc []byte) error {
	_, err := r.db.Exec(ctx, `INSERT INTO input_records (ref, kind, document, created_at) VALUES ($1,$2,$3,NOW())
ON CONFLICT (ref) DO NOTHING`, ref, kind, doc)
	return err
}

func (r *pgRepository) LoadInput(ctx context.Context, ref string) ([]byte, error) {
	var doc []byte
	err := r.db.QueryRow(ctx, `SELECT document FROM input_records WHERE ref=$1`, ref).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	return doc, err
}

// BookAndComplete performs the only externalizing step atomically:
// number allocation, entry insert and the COMPLETED run save share one
// transaction, so a crash never leaves a booked entry on a live run.
// The allocation and insert statements mirror the booking repository;
// they are duplicated here because they must run in this transaction.
func (r *pgRepository) BookAndComplete(ctx context.Context, run *Run, entry *booking.JournalEntry) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `INSERT INTO journal_series (company_id, series, last_number) VALUES ($1,$2,0)
ON CONFLICT (company_id, series) DO NOTHING`, entry.CompanyID, entry.Series); err != nil {
		return err
	}
	if err := tx.QueryRow(ctx, `UPDATE journal_series SET last_number = last_number + 1
WHERE company_id=$1 AND series=$2 RETURNING last_number`, entry.CompanyID, entry.Series).Scan(&entry.Number); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO journal_entries (id, company_id, entry_date, series, number, notes, created_at, created_by, source_pipeline_run)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.ID, entry.CompanyID, entry.EntryDate, entry.Series, entry.Number, entry.Notes, entry.CreatedAt, entry.CreatedBy, entry.SourcePipelineRun); err != nil {
		return err
	}
	for _, line := range entry.Lines {
		dims, err := json.Marshal(line.Dimensions)
		if err != nil {
			return err
		}
		if line.Dimensions == nil {
			dims = nil
		}
		if _, err := tx.Exec(ctx, `INSERT INTO journal_lines (id, entry_id, ordinal, account, side, amount, description, dimensions)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			line.ID, entry.ID, line.Ordinal, line.Account, line.Side, line.Amount, line.Description, dims); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(run.Payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE pipeline_runs SET state=$2, current_step=$3, payload=$4, journal_entry_id=$5, updated_at=$6, completed_at=$7, claimed_by=NULL, claim_expires_at=NULL
WHERE id=$1`, run.ID, run.State, run.CurrentStep, payload, run.JournalEntryID, run.UpdatedAt, run.CompletedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var payload, runErr []byte
	var claimedBy *string
	err := row.Scan(&run.ID, &run.CompanyID, &run.Country, &run.TransactionDate, &run.Series, &run.Actor,
		&run.State, &run.CurrentStep, &payload, &runErr, &run.JournalEntryID,
		&run.StartedAt, &run.UpdatedAt, &run.CompletedAt, &claimedBy, &run.ClaimExpiresAt, &run.CancelRequested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &run.Payload); err != nil {
			return Run{}, err
		}
	}
	if len(runErr) > 0 {
		if err := json.Unmarshal(runErr, &run.Error); err != nil {
			return Run{}, err
		}
	}
	if claimedBy != nil {
		run.ClaimedBy = *claimedBy
	}
	return run, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
