package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/autoledger/autoledger/internal/booking"
	"github.com/autoledger/autoledger/internal/catalog"
	"github.com/autoledger/autoledger/internal/engine"
	"github.com/autoledger/autoledger/internal/migration"
	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
)

// AuditPort records step outputs on the append-only trail.
type AuditPort interface {
	Record(ctx context.Context, runID uuid.UUID, step, actor string, payload any) error
}

// Enqueuer hands runs to the worker pool.
type Enqueuer interface {
	EnqueueAdvance(ctx context.Context, runID uuid.UUID) error
}

// MetricsPort observes terminal outcomes; nil disables observation.
type MetricsPort interface {
	RunFinished(state string)
	GateDecided(decision string)
	StepObserved(step string, d time.Duration)
}

// Config tunes the orchestrator.
type Config struct {
	// RunDeadline is the soft end-to-end budget per run.
	RunDeadline time.Duration
	// ClaimLease bounds how long a crashed worker blocks a run.
	ClaimLease time.Duration
	// RetryAttempts bounds repository retries within a step.
	RetryAttempts int
	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay time.Duration
	// DefaultSeries is used when a run names no journal series.
	DefaultSeries string
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		RunDeadline:    15 * time.Second,
		ClaimLease:     time.Minute,
		RetryAttempts:  3,
		RetryBaseDelay: 100 * time.Millisecond,
		DefaultSeries:  booking.DefaultSeries,
	}
}

var (
	// ErrNotAwaitingClarification occurs when clarification arrives
	// for a run that is not waiting for one.
	ErrNotAwaitingClarification = errors.New("pipeline: run is not awaiting clarification")
	// ErrRunTerminal occurs when cancelling a finished run.
	ErrRunTerminal = errors.New("pipeline: run already terminal")
)

// Service is the pipeline orchestrator: a deterministic step machine
// persisted after each step. All I/O happens at step boundaries; the
// engine in the middle is pure.
type Service struct {
	repo     Repository
	catalogs *catalog.Store
	policies *policy.Store
	migrator *migration.Service
	engine   *engine.Engine
	audit    AuditPort
	enqueue  Enqueuer
	metrics  MetricsPort
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	newID    func() uuid.UUID
}

// NewService wires the orchestrator. enqueue and metrics may be nil;
// runs are then advanced by direct Advance calls, unobserved.
func NewService(repo Repository, catalogs *catalog.Store, policies *policy.Store, migrator *migration.Service, eng *engine.Engine, audit AuditPort, enqueue Enqueuer, metrics MetricsPort, logger *slog.Logger, cfg Config) *Service {
	if cfg.RunDeadline <= 0 {
		cfg = DefaultConfig()
	}
	return &Service{
		repo:     repo,
		catalogs: catalogs,
		policies: policies,
		migrator: migrator,
		engine:   eng,
		audit:    audit,
		enqueue:  enqueue,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.New,
	}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// StartInput carries everything needed to open a run. Inputs may be
// referenced by handle or supplied inline; inline documents are staged
// under generated refs.
type StartInput struct {
	CompanyID       uuid.UUID
	Actor           string
	Country         string
	TransactionDate time.Time
	Series          string
	ExtractionRef   string
	IntentRef       string
	Extraction      json.RawMessage
	Intent          json.RawMessage
}

// Start persists a new PENDING run and hands it to the worker pool.
func (s *Service) Start(ctx context.Context, in StartInput) (uuid.UUID, error) {
	if in.CompanyID == uuid.Nil {
		return uuid.Nil, shared.NewFault(shared.TagInputInvalid, "company id required")
	}
	if in.Country == "" {
		return uuid.Nil, shared.NewFault(shared.TagInputInvalid, "country required")
	}
	if in.TransactionDate.IsZero() {
		return uuid.Nil, shared.NewFault(shared.TagInputInvalid, "transaction date required")
	}
	extractionRef, err := s.stageInput(ctx, in.ExtractionRef, InputExtraction, in.Extraction)
	if err != nil {
		return uuid.Nil, err
	}
	intentRef, err := s.stageInput(ctx, in.IntentRef, InputIntent, in.Intent)
	if err != nil {
		return uuid.Nil, err
	}
	series := in.Series
	if series == "" {
		series = s.cfg.DefaultSeries
	}
	now := s.now()
	run := Run{
		ID:              s.newID(),
		CompanyID:       in.CompanyID,
		Country:         in.Country,
		TransactionDate: in.TransactionDate,
		Series:          series,
		Actor:           in.Actor,
		State:           StatePending,
		CurrentStep:     StepLoad,
		Payload:         Payload{ExtractionRef: extractionRef, IntentRef: intentRef},
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.SaveRun(ctx, run); err != nil {
		return uuid.Nil, err
	}
	s.enqueueAdvance(ctx, run.ID)
	return run.ID, nil
}

func (s *Service) stageInput(ctx context.Context, ref string, kind InputKind, doc json.RawMessage) (string, error) {
	if ref != "" {
		return ref, nil
	}
	if len(doc) == 0 {
		return "", shared.NewFault(shared.TagInputInvalid, "%s: ref or inline document required", kind)
	}
	ref = string(kind) + "_" + s.newID().String()
	if err := s.repo.SaveInput(ctx, ref, kind, doc); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *Service) enqueueAdvance(ctx context.Context, runID uuid.UUID) {
	if s.enqueue == nil {
		return
	}
	if err := s.enqueue.EnqueueAdvance(ctx, runID); err != nil {
		s.logger.Error("enqueue advance", slog.String("run", runID.String()), slog.Any("error", err))
	}
}

// Advance claims the run and executes steps until it suspends or
// reaches a terminal state. Safe to call for runs that are already
// claimed or terminal; those return without effect.
func (s *Service) Advance(ctx context.Context, runID uuid.UUID) error {
	token := s.newID().String()
	run, err := s.repo.ClaimRun(ctx, runID, token, s.cfg.ClaimLease)
	if err != nil {
		if errors.Is(err, ErrNotClaimable) {
			return nil
		}
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunDeadline)
	defer cancel()

	for {
		if run.CancelRequested {
			return s.finish(ctx, run, StateFailed, &RunError{Kind: KindCancelled, Tag: shared.TagCancelled, Step: run.CurrentStep, Message: "cancelled by control plane"})
		}
		if ctx.Err() != nil {
			return s.finish(ctx, run, StateFailed, &RunError{Kind: KindTimeout, Tag: shared.TagTimeout, Step: run.CurrentStep, Message: "run deadline exceeded"})
		}

		step := run.CurrentStep
		started := s.now()
		next, suspended, err := s.executeStep(ctx, &run)
		if s.metrics != nil {
			s.metrics.StepObserved(string(step), s.now().Sub(started))
		}
		if err != nil {
			return s.routeError(ctx, run, step, err)
		}
		if suspended {
			return nil
		}
		s.recordAudit(ctx, run, step)
		run.CurrentStep = next
		run.UpdatedAt = s.now()
		if err := s.persistRun(ctx, run); err != nil {
			return s.routeError(ctx, run, step, err)
		}
		s.refreshCancelFlag(ctx, &run)
	}
}

// executeStep runs one step against the run payload. BOOK is the only
// externalizing step and persists the run itself, as does GATE when it
// suspends the run for CLARIFY or PARK; every other step leaves
// persistence to the caller.
func (s *Service) executeStep(ctx context.Context, run *Run) (Step, bool, error) {
	switch run.CurrentStep {
	case StepLoad:
		for _, ref := range []string{run.Payload.ExtractionRef, run.Payload.IntentRef} {
			if err := s.checkInput(ctx, ref); err != nil {
				return "", false, err
			}
		}
		return StepExtractConsume, false, nil

	case StepExtractConsume:
		var rec engine.ExtractionRecord
		if err := s.loadInputInto(ctx, run.Payload.ExtractionRef, &rec); err != nil {
			return "", false, err
		}
		if err := rec.Validate(); err != nil {
			return "", false, err
		}
		run.Payload.Extraction = &rec
		return StepIntentConsume, false, nil

	case StepIntentConsume:
		var rec engine.IntentRecord
		if err := s.loadInputInto(ctx, run.Payload.IntentRef, &rec); err != nil {
			return "", false, err
		}
		if err := rec.Validate(); err != nil {
			return "", false, err
		}
		run.Payload.Intent = &rec
		return StepPolicySelect, false, nil

	case StepPolicySelect:
		cat, err := s.catalogs.ResolveForDate(run.Country, run.TransactionDate)
		if err != nil {
			return "", false, err
		}
		intent := run.Payload.EffectiveIntent()
		chosen, err := s.choosePolicy(run.Country, intent, *run.Payload.Extraction, run.TransactionDate)
		if err != nil {
			return "", false, err
		}
		run.Payload.Policy = &chosen
		run.Payload.CatalogVersion = cat.Version
		if chosen.CatalogVersion != cat.Version {
			return StepMigrate, false, nil
		}
		return StepPropose, false, nil

	case StepMigrate:
		migrated, err := s.migrator.Migrate(*run.Payload.Policy, run.Payload.CatalogVersion)
		if err != nil {
			return "", false, err
		}
		run.Payload.Policy = &migrated
		return StepPropose, false, nil

	case StepPropose:
		cat, err := s.catalogs.Get(run.Payload.CatalogVersion)
		if err != nil {
			return "", false, err
		}
		intent := run.Payload.EffectiveIntent()
		proposal, err := s.engine.Evaluate(*run.Payload.Extraction, intent, *run.Payload.Policy, cat)
		if err != nil {
			return "", false, err
		}
		run.Payload.Proposal = &proposal
		return StepGate, false, nil

	case StepGate:
		proposal := run.Payload.Proposal
		stoplight := run.Payload.Policy.Rules.Stoplight
		decision := proposal.Gate
		var question *engine.Question
		if decision == "" {
			decision, question = engine.Decide(*proposal, run.Payload.EffectiveIntent().Confidence, stoplight, false)
			proposal.Gate = decision
		}
		if s.metrics != nil {
			s.metrics.GateDecided(string(decision))
		}
		switch decision {
		case policy.GateClarify:
			run.Payload.Question = question
			run.State = StateAwaitingClarification
			run.ClaimedBy = ""
			run.ClaimExpiresAt = nil
			run.UpdatedAt = s.now()
			if err := s.persistRun(ctx, *run); err != nil {
				return "", false, err
			}
			s.recordAudit(ctx, *run, StepGate)
			s.observeState(run.State)
			return "", true, nil
		case policy.GatePark:
			run.State = StateParked
			run.ClaimedBy = ""
			run.ClaimExpiresAt = nil
			run.UpdatedAt = s.now()
			if err := s.persistRun(ctx, *run); err != nil {
				return "", false, err
			}
			s.recordAudit(ctx, *run, StepGate)
			s.observeState(run.State)
			return "", true, nil
		default:
			return StepBook, false, nil
		}

	case StepBook:
		entry, err := booking.BuildEntry(booking.CreateInput{
			Proposal:  *run.Payload.Proposal,
			CompanyID: run.CompanyID,
			EntryDate: run.TransactionDate,
			Series:    run.Series,
			Notes:     "booked by pipeline " + run.ID.String(),
			Actor:     run.Actor,
			RunID:     run.ID,
		}, s.newID, s.now())
		if err != nil {
			return "", false, err
		}
		now := s.now()
		run.State = StateCompleted
		run.CurrentStep = StepComplete
		run.JournalEntryID = &entry.ID
		run.UpdatedAt = now
		run.CompletedAt = &now
		run.ClaimedBy = ""
		run.ClaimExpiresAt = nil
		if err := s.withRetry(ctx, func() error {
			return s.repo.BookAndComplete(ctx, run, &entry)
		}); err != nil {
			return "", false, err
		}
		s.recordAudit(ctx, *run, StepBook)
		s.recordAudit(ctx, *run, StepComplete)
		s.observeState(run.State)
		return "", true, nil
	}
	return "", false, fmt.Errorf("pipeline: unknown step %q", run.CurrentStep)
}

// choosePolicy walks the store's specificity-ordered candidates and
// settles on the first whose narrowing clauses accept the extraction.
func (s *Service) choosePolicy(country string, intent engine.IntentRecord, ext engine.ExtractionRecord, d time.Time) (policy.Policy, error) {
	for _, candidate := range s.policies.Select(country, intent.Name, d) {
		if engine.Matches(candidate, ext) {
			return candidate, nil
		}
	}
	return policy.Policy{}, shared.NewFault(shared.TagPolicyNotApplicable,
		"no policy for intent %q in %s on %s", intent.Name, country, d.Format("2006-01-02"))
}

func (s *Service) checkInput(ctx context.Context, ref string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.repo.LoadInput(ctx, ref)
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NewFault(shared.TagInputInvalid, "input %q not found", ref)
		}
		return err
	})
}

func (s *Service) loadInputInto(ctx context.Context, ref string, target any) error {
	var doc []byte
	err := s.withRetry(ctx, func() error {
		var loadErr error
		doc, loadErr = s.repo.LoadInput(ctx, ref)
		if errors.Is(loadErr, shared.ErrNotFound) {
			return shared.NewFault(shared.TagInputInvalid, "input %q not found", ref)
		}
		return loadErr
	})
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return shared.NewFault(shared.TagInputInvalid, "input %q: %v", ref, err)
	}
	return nil
}

// routeError translates a step failure into the run's terminal state
// per the error taxonomy.
func (s *Service) routeError(ctx context.Context, run Run, step Step, err error) error {
	if fault, ok := shared.FaultFrom(err); ok {
		runErr := &RunError{Tag: fault.Tag, Step: step, Message: fault.Message}
		switch fault.Tag {
		case shared.TagPolicyNotApplicable:
			runErr.Kind = KindEngineRejection
			if run.Payload.Proposal == nil {
				run.Payload.Proposal = &engine.Proposal{}
			}
			run.Payload.Proposal.Gate = policy.GatePark
			return s.finish(ctx, run, StateParked, runErr)
		case shared.TagProposalUnbalanced, shared.TagVATComputation, shared.TagNotBalancedOnBook:
			runErr.Kind = KindEngineRejection
			return s.finish(ctx, run, StateParked, runErr)
		case shared.TagInputInvalid:
			runErr.Kind = KindInputInvalid
			return s.finish(ctx, run, StateFailed, runErr)
		default:
			// MIGRATION_BLOCKED, UNKNOWN_ACCOUNT, POLICY_INVALID,
			// CATALOG_MISSING: broken configuration, not broken input.
			runErr.Kind = KindConfigError
			return s.finish(ctx, run, StateFailed, runErr)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return s.finish(ctx, run, StateFailed, &RunError{Kind: KindTimeout, Tag: shared.TagTimeout, Step: step, Message: "run deadline exceeded"})
	}
	return s.finish(ctx, run, StateFailed, &RunError{Kind: KindInfrastructure, Tag: shared.TagInfrastructure, Step: step, Message: err.Error()})
}

// finish records a terminal state. Persistence runs on a detached
// context so an expired run deadline cannot block the final save.
func (s *Service) finish(ctx context.Context, run Run, state State, runErr *RunError) error {
	run.State = state
	run.Error = runErr
	run.ClaimedBy = ""
	run.ClaimExpiresAt = nil
	now := s.now()
	run.UpdatedAt = now
	if state == StateCompleted || state == StateFailed {
		run.CompletedAt = &now
	}
	saveCtx := context.WithoutCancel(ctx)
	if err := s.persistRun(saveCtx, run); err != nil {
		s.logger.Error("persist terminal run", slog.String("run", run.ID.String()), slog.Any("error", err))
		return err
	}
	s.observeState(state)
	if runErr != nil {
		s.logger.Warn("run finished with error",
			slog.String("run", run.ID.String()),
			slog.String("state", string(state)),
			slog.String("kind", string(runErr.Kind)),
			slog.String("step", string(runErr.Step)),
			slog.String("message", runErr.Message))
	}
	return nil
}

func (s *Service) persistRun(ctx context.Context, run Run) error {
	return s.withRetry(ctx, func() error {
		return s.repo.SaveRun(ctx, run)
	})
}

// withRetry retries infrastructural failures with bounded exponential
// backoff. Domain faults pass through untouched.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	attempts := s.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := s.cfg.RetryBaseDelay
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if _, ok := shared.FaultFrom(err); ok {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (s *Service) recordAudit(ctx context.Context, run Run, step Step) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, run.ID, string(step), run.Actor, run.Payload); err != nil {
		s.logger.Warn("audit record", slog.String("run", run.ID.String()), slog.String("step", string(step)), slog.Any("error", err))
	}
}

func (s *Service) refreshCancelFlag(ctx context.Context, run *Run) {
	current, err := s.repo.LoadRun(ctx, run.ID)
	if err != nil {
		return
	}
	run.CancelRequested = current.CancelRequested
}

func (s *Service) observeState(state State) {
	if s.metrics != nil {
		s.metrics.RunFinished(string(state))
	}
}

// ProvideClarification injects slot updates into a waiting run and
// resumes it from POLICY_SELECT. The extraction is immutable; only
// slots change.
func (s *Service) ProvideClarification(ctx context.Context, runID uuid.UUID, updates map[string]any, actor string) error {
	run, err := s.repo.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != StateAwaitingClarification {
		return ErrNotAwaitingClarification
	}
	if len(updates) == 0 {
		return shared.NewFault(shared.TagInputInvalid, "clarification requires at least one slot update")
	}
	merged := shared.Slots(run.Payload.SlotUpdates).Merge(updates)
	run.Payload.SlotUpdates = merged
	run.Payload.Question = nil
	run.Payload.Proposal = nil
	run.State = StatePending
	run.CurrentStep = StepPolicySelect
	run.UpdatedAt = s.now()
	if err := s.repo.SaveRun(ctx, run); err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, run.ID, "CLARIFICATION", actor, updates)
	}
	s.enqueueAdvance(ctx, run.ID)
	return nil
}

// Cancel requests cooperative cancellation. Idle runs transition
// immediately; running workers observe the flag between steps.
func (s *Service) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := s.repo.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return ErrRunTerminal
	}
	if run.State == StatePending || run.State == StateAwaitingClarification {
		return s.finish(ctx, run, StateFailed, &RunError{Kind: KindCancelled, Tag: shared.TagCancelled, Step: run.CurrentStep, Message: "cancelled by control plane"})
	}
	run.CancelRequested = true
	run.UpdatedAt = s.now()
	return s.repo.SaveRun(ctx, run)
}

// GetRun loads one run.
func (s *Service) GetRun(ctx context.Context, runID uuid.UUID) (Run, error) {
	return s.repo.LoadRun(ctx, runID)
}

// ListRuns pages through a company's runs.
func (s *Service) ListRuns(ctx context.Context, companyID uuid.UUID, page, perPage int) ([]Run, shared.Pagination, error) {
	p := shared.NewPagination(page, perPage, 0)
	runs, total, err := s.repo.ListRuns(ctx, companyID, p)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return runs, shared.NewPagination(page, perPage, total), nil
}

// Reclaim re-enqueues runs whose worker lease expired.
func (s *Service) Reclaim(ctx context.Context, limit int) (int, error) {
	ids, err := s.repo.ExpiredClaims(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.enqueueAdvance(ctx, id)
	}
	return len(ids), nil
}
