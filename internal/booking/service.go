package booking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/autoledger/autoledger/internal/engine"
	"github.com/autoledger/autoledger/internal/shared"
)

// AuditPort records booking events on the audit trail.
type AuditPort interface {
	Record(ctx context.Context, runID uuid.UUID, step, actor string, payload any) error
}

// CreateInput carries everything needed to persist one entry.
type CreateInput struct {
	Proposal  engine.Proposal
	CompanyID uuid.UUID
	EntryDate time.Time
	Series    string
	Notes     string
	Actor     string
	RunID     uuid.UUID
}

// Service persists balanced journal entries.
type Service struct {
	repo  Repository
	audit AuditPort
	now   func() time.Time
	newID func() uuid.UUID
}

// NewService returns the booking service.
func NewService(repo Repository, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now, newID: uuid.New}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create allocates the next (series, number) and persists the entry
// with its lines in a single transaction. The balance check here is
// defense in depth; the engine enforces it first.
func (s *Service) Create(ctx context.Context, in CreateInput) (JournalEntry, error) {
	entry, err := BuildEntry(in, s.newID, s.now())
	if err != nil {
		return JournalEntry{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.AllocateNumber(ctx, in.CompanyID, entry.Series)
		if err != nil {
			return err
		}
		entry.Number = number
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return tx.InsertLines(ctx, entry.ID, entry.Lines)
	})
	if err != nil {
		return JournalEntry{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, in.RunID, "BOOK", in.Actor, map[string]any{
			"entry_id": entry.ID.String(),
			"series":   entry.Series,
			"number":   entry.Number,
		})
	}
	return entry, nil
}

// BuildEntry materializes a journal entry from a proposal without
// persisting it. The pipeline uses it to book inside its own
// transaction.
func BuildEntry(in CreateInput, newID func() uuid.UUID, now time.Time) (JournalEntry, error) {
	series := in.Series
	if series == "" {
		series = DefaultSeries
	}
	entry := JournalEntry{
		ID:                newID(),
		CompanyID:         in.CompanyID,
		EntryDate:         in.EntryDate,
		Series:            series,
		Notes:             in.Notes,
		CreatedAt:         now,
		CreatedBy:         in.Actor,
		SourcePipelineRun: in.RunID,
	}
	for i, l := range in.Proposal.Lines {
		entry.Lines = append(entry.Lines, JournalLine{
			ID:          newID(),
			EntryID:     entry.ID,
			Ordinal:     i,
			Account:     l.Account,
			Side:        l.Side,
			Amount:      l.Amount,
			Description: l.Description,
			Dimensions:  l.Dimensions,
		})
	}
	if !entry.Balanced() {
		return JournalEntry{}, shared.NewFault(shared.TagNotBalancedOnBook,
			"proposal from policy %s does not balance", in.Proposal.PolicyID)
	}
	return entry, nil
}

// Get loads one entry with its lines.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (JournalEntry, error) {
	return s.repo.GetEntry(ctx, id)
}

// ByPipeline loads the entry booked by a pipeline run.
func (s *Service) ByPipeline(ctx context.Context, runID uuid.UUID) (JournalEntry, error) {
	return s.repo.ByPipeline(ctx, runID)
}

// List pages through a company's entries.
func (s *Service) List(ctx context.Context, companyID uuid.UUID, page, perPage int) ([]JournalEntry, shared.Pagination, error) {
	p := shared.NewPagination(page, perPage, 0)
	entries, total, err := s.repo.List(ctx, companyID, p)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return entries, shared.NewPagination(page, perPage, total), nil
}
