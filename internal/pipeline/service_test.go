package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/autoledger/autoledger/internal/booking"
	"github.com/autoledger/autoledger/internal/catalog"
	"github.com/autoledger/autoledger/internal/engine"
	"github.com/autoledger/autoledger/internal/migration"
	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
)

// memoryRepo is the in-memory Repository used by orchestrator tests.
type memoryRepo struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]Run
	inputs  map[string][]byte
	entries map[uuid.UUID]booking.JournalEntry
	numbers map[string]int64

	saveFailures int
	now          func() time.Time
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		runs:    make(map[uuid.UUID]Run),
		inputs:  make(map[string][]byte),
		entries: make(map[uuid.UUID]booking.JournalEntry),
		numbers: make(map[string]int64),
		now:     time.Now,
	}
}

func (r *memoryRepo) SaveRun(ctx context.Context, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveFailures > 0 {
		r.saveFailures--
		return errors.New("simulated storage outage")
	}
	r.runs[run.ID] = run
	return nil
}

func (r *memoryRepo) LoadRun(ctx context.Context, id uuid.UUID) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return run, nil
}

func (r *memoryRepo) ClaimRun(ctx context.Context, id uuid.UUID, token string, lease time.Duration) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	now := r.now()
	expired := run.State == StateRunning && run.ClaimExpiresAt != nil && run.ClaimExpiresAt.Before(now)
	if run.State != StatePending && !expired {
		return Run{}, ErrNotClaimable
	}
	expires := now.Add(lease)
	run.State = StateRunning
	run.ClaimedBy = token
	run.ClaimExpiresAt = &expires
	r.runs[id] = run
	return run, nil
}

func (r *memoryRepo) ReleaseRun(ctx context.Context, id uuid.UUID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok || run.ClaimedBy != token {
		return nil
	}
	run.ClaimedBy = ""
	run.ClaimExpiresAt = nil
	r.runs[id] = run
	return nil
}

func (r *memoryRepo) ListRuns(ctx context.Context, companyID uuid.UUID, page shared.Pagination) ([]Run, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Run
	for _, run := range r.runs {
		if run.CompanyID == companyID {
			out = append(out, run)
		}
	}
	return out, len(out), nil
}

func (r *memoryRepo) ExpiredClaims(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id, run := range r.runs {
		if run.State == StateRunning && run.ClaimExpiresAt != nil && run.ClaimExpiresAt.Before(now) {
			ids = append(ids, id)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (r *memoryRepo) SaveInput(ctx context.Context, ref string, kind InputKind, doc []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inputs[ref]; !ok {
		r.inputs[ref] = doc
	}
	return nil
}

func (r *memoryRepo) LoadInput(ctx context.Context, ref string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.inputs[ref]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return doc, nil
}

func (r *memoryRepo) BookAndComplete(ctx context.Context, run *Run, entry *booking.JournalEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := entry.CompanyID.String() + "/" + entry.Series
	r.numbers[key]++
	entry.Number = r.numbers[key]
	r.entries[entry.ID] = *entry
	r.runs[run.ID] = *run
	return nil
}

type recordedAudit struct {
	mu      sync.Mutex
	records []string
}

func (a *recordedAudit) Record(ctx context.Context, runID uuid.UUID, step, actor string, payload any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, step)
	return nil
}

func testService(t *testing.T, repo Repository) *Service {
	t.Helper()
	catalogs, err := catalog.NewStore(catalog.BAS2025v1(), catalog.BAS2025v2())
	require.NoError(t, err)
	policies := policy.NewStore(slog.Default(), catalogs, policy.Builtin()...)
	migrator := migration.NewService(catalogs, migration.Builtin()...)
	return NewService(repo, catalogs, policies, migrator, engine.New(), &recordedAudit{}, nil, nil, slog.Default(), DefaultConfig())
}

func mealExtractionDoc(t *testing.T) json.RawMessage {
	t.Helper()
	return json.RawMessage(`{
		"total_gross": "1176.00",
		"currency": "SEK",
		"vat_lines": [{"rate": "12", "base": "1050.00", "amount": "126.00"}],
		"vendor": "Restaurang Prinsen",
		"document_date": "2025-03-14T00:00:00Z"
	}`)
}

func mealIntentDoc(t *testing.T, slots string) json.RawMessage {
	t.Helper()
	return json.RawMessage(`{"name": "representation_meal", "confidence": 0.96, "slots": ` + slots + `}`)
}

func startMealRun(t *testing.T, svc *Service, slots string) uuid.UUID {
	t.Helper()
	runID, err := svc.Start(context.Background(), StartInput{
		CompanyID:       uuid.New(),
		Actor:           "tester",
		Country:         "SE",
		TransactionDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		Extraction:      mealExtractionDoc(t),
		Intent:          mealIntentDoc(t, slots),
	})
	require.NoError(t, err)
	return runID
}

func TestRunCompletesAndBooks(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)

	runID := startMealRun(t, svc, `{"attendees_count": 2, "purpose": "client lunch"}`)
	require.NoError(t, svc.Advance(context.Background(), runID))

	run, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, run.State)
	require.Equal(t, StepComplete, run.CurrentStep)
	require.NotNil(t, run.JournalEntryID)
	require.NotNil(t, run.CompletedAt)
	require.Equal(t, policy.GateAuto, run.Gate())

	entry, ok := repo.entries[*run.JournalEntryID]
	require.True(t, ok)
	require.True(t, entry.Balanced())
	require.Equal(t, int64(1), entry.Number)
	require.Equal(t, runID, entry.SourcePipelineRun)
}

func TestRunAuditTrailFollowsStepOrder(t *testing.T) {
	repo := newMemoryRepo()
	trail := &recordedAudit{}
	svc := testService(t, repo)
	svc.audit = trail

	runID := startMealRun(t, svc, `{"attendees_count": 2, "purpose": "client lunch"}`)
	require.NoError(t, svc.Advance(context.Background(), runID))

	require.Equal(t, []string{"LOAD", "EXTRACT_CONSUME", "INTENT_CONSUME", "POLICY_SELECT", "PROPOSE", "GATE", "BOOK", "COMPLETE"}, trail.records)
	last := -1
	for _, step := range trail.records {
		idx := Step(step).Index()
		require.Greater(t, idx, last)
		last = idx
	}
}

func TestMissingSlotSuspendsAndResumes(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)

	runID := startMealRun(t, svc, `{"purpose": "client lunch"}`)
	require.NoError(t, svc.Advance(context.Background(), runID))

	run, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingClarification, run.State)
	require.NotNil(t, run.Payload.Question)
	require.Equal(t, "attendees_count", run.Payload.Question.Slot)
	require.Equal(t, []string{"attendees_count"}, run.Payload.Proposal.MissingRequired)

	require.NoError(t, svc.ProvideClarification(context.Background(), runID, map[string]any{"attendees_count": 3}, "tester"))
	run, err = svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, StatePending, run.State)
	require.Equal(t, StepPolicySelect, run.CurrentStep)

	require.NoError(t, svc.Advance(context.Background(), runID))
	run, err = svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, run.State)

	// Three attendees raise the cap to 900: 900 deductible, 150 not.
	var deductible string
	for _, line := range run.Payload.Proposal.Lines {
		if line.Account == "6071" {
			deductible = line.Amount.String()
		}
	}
	require.Equal(t, "900", deductible)
}

func TestClarificationRejectedWhenNotAwaiting(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)

	runID := startMealRun(t, svc, `{"attendees_count": 2, "purpose": "client lunch"}`)
	require.NoError(t, svc.Advance(context.Background(), runID))
	err := svc.ProvideClarification(context.Background(), runID, map[string]any{"attendees_count": 3}, "tester")
	require.ErrorIs(t, err, ErrNotAwaitingClarification)
}

func TestUnknownIntentParksRun(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)

	runID, err := svc.Start(context.Background(), StartInput{
		CompanyID:       uuid.New(),
		Actor:           "tester",
		Country:         "SE",
		TransactionDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		Extraction:      mealExtractionDoc(t),
		Intent:          json.RawMessage(`{"name": "yacht_purchase", "confidence": 0.9}`),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Advance(context.Background(), runID))

	run, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, StateParked, run.State)
	require.NotNil(t, run.Error)
	require.Equal(t, shared.TagPolicyNotApplicable, run.Error.Tag)
	require.Equal(t, policy.GatePark, run.Gate())
}

func TestMalformedIntentFailsRun(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)

	runID, err := svc.Start(context.Background(), StartInput{
		CompanyID:       uuid.New(),
		Actor:           "tester",
		Country:         "SE",
		TransactionDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		Extraction:      mealExtractionDoc(t),
		Intent:          json.RawMessage(`{"name": "representation_meal", "confidence": 1.4}`),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Advance(context.Background(), runID))

	run, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, run.State)
	require.Equal(t, KindInputInvalid, run.Error.Kind)
	require.Equal(t, StepIntentConsume, run.Error.Step)
}

func TestMigrationStepRunsForNewerCatalog(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)

	runID, err := svc.Start(context.Background(), StartInput{
		CompanyID:       uuid.New(),
		Actor:           "tester",
		Country:         "SE",
		TransactionDate: time.Date(2025, 8, 5, 0, 0, 0, 0, time.UTC),
		Extraction:      mealExtractionDoc(t),
		Intent:          mealIntentDoc(t, `{"attendees_count": 2, "purpose": "client lunch"}`),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Advance(context.Background(), runID))

	run, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, run.State)
	require.Equal(t, "2025_v2.0", run.Payload.Policy.CatalogVersion)
	require.Equal(t, "2025_v1.0", run.Payload.Policy.MigratedFrom)
	require.Contains(t, run.Payload.Proposal.ReasonCodes, "migrated-from:2025_v1.0")
}

func TestCrashedWorkerRunIsReclaimedAndResumes(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)

	runID := startMealRun(t, svc, `{"attendees_count": 2, "purpose": "client lunch"}`)

	// Simulate a worker that died mid-run: claim held, lease expired,
	// progress persisted through INTENT_CONSUME.
	run, err := repo.LoadRun(context.Background(), runID)
	require.NoError(t, err)
	run.State = StateRunning
	run.CurrentStep = StepPolicySelect
	expired := time.Now().Add(-time.Minute)
	run.ClaimedBy = "dead-worker"
	run.ClaimExpiresAt = &expired
	var ext engine.ExtractionRecord
	require.NoError(t, json.Unmarshal(mealExtractionDoc(t), &ext))
	var intent engine.IntentRecord
	require.NoError(t, json.Unmarshal(mealIntentDoc(t, `{"attendees_count": 2, "purpose": "client lunch"}`), &intent))
	run.Payload.Extraction = &ext
	run.Payload.Intent = &intent
	require.NoError(t, repo.SaveRun(context.Background(), run))

	ids, err := repo.ExpiredClaims(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	require.Contains(t, ids, runID)

	require.NoError(t, svc.Advance(context.Background(), runID))
	run, err = svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, run.State)
}

func TestAdvanceIsIdempotentOnTerminalRuns(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)

	runID := startMealRun(t, svc, `{"attendees_count": 2, "purpose": "client lunch"}`)
	require.NoError(t, svc.Advance(context.Background(), runID))
	require.NoError(t, svc.Advance(context.Background(), runID))

	require.Len(t, repo.entries, 1)
}

func TestCancelIdleRun(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)

	runID := startMealRun(t, svc, `{"purpose": "client lunch"}`)
	require.NoError(t, svc.Advance(context.Background(), runID))
	require.NoError(t, svc.Cancel(context.Background(), runID))

	run, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, run.State)
	require.Equal(t, KindCancelled, run.Error.Kind)

	require.ErrorIs(t, svc.Cancel(context.Background(), runID), ErrRunTerminal)
}

func TestTransientStorageErrorsAreRetried(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)

	runID := startMealRun(t, svc, `{"attendees_count": 2, "purpose": "client lunch"}`)
	repo.mu.Lock()
	repo.saveFailures = 2
	repo.mu.Unlock()

	require.NoError(t, svc.Advance(context.Background(), runID))
	run, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, run.State)
}

func TestDeadlineBreachFailsWithTimeout(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)
	svc.cfg.RunDeadline = time.Nanosecond

	runID := startMealRun(t, svc, `{"attendees_count": 2, "purpose": "client lunch"}`)
	require.NoError(t, svc.Advance(context.Background(), runID))

	run, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, run.State)
	require.Equal(t, KindTimeout, run.Error.Kind)
}

func TestConcurrentRunsBookDistinctContiguousNumbers(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)

	companyID := uuid.New()
	var runIDs []uuid.UUID
	for i := 0; i < 2; i++ {
		runID, err := svc.Start(context.Background(), StartInput{
			CompanyID:       companyID,
			Actor:           "tester",
			Country:         "SE",
			TransactionDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
			Extraction:      mealExtractionDoc(t),
			Intent:          mealIntentDoc(t, `{"attendees_count": 2, "purpose": "client lunch"}`),
		})
		require.NoError(t, err)
		runIDs = append(runIDs, runID)
	}

	var wg sync.WaitGroup
	for _, runID := range runIDs {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_ = svc.Advance(context.Background(), id)
		}(runID)
	}
	wg.Wait()

	numbers := make(map[int64]bool)
	for _, entry := range repo.entries {
		numbers[entry.Number] = true
	}
	require.Len(t, numbers, 2)
	require.True(t, numbers[1])
	require.True(t, numbers[2])
}

func TestEngineRejectionParksRun(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(t, repo)

	// A receipt whose VAT lines exceed the gross fails input
	// validation; an inconsistent but schema-valid input must instead
	// reach the engine. Force an engine rejection with an unbalanced
	// policy: gross 0.53 at 6% leaves a 0.03 gap, over the tolerance.
	catalogs, err := catalog.NewStore(catalog.BAS2025v1(), catalog.BAS2025v2())
	require.NoError(t, err)
	broken := policy.TaxiSE()
	broken.Rules.Posting = []policy.PostingTemplate{
		{Account: "5810", Side: policy.SideDebit, Amount: policy.AmountNet},
		{AccountRef: "bank", Side: policy.SideCredit, Amount: policy.AmountGross},
	}
	svc.policies = policy.NewStore(slog.Default(), catalogs, broken)

	runID, err := svc.Start(context.Background(), StartInput{
		CompanyID:       uuid.New(),
		Actor:           "tester",
		Country:         "SE",
		TransactionDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		Extraction:      json.RawMessage(`{"total_gross": "0.53", "currency": "SEK", "document_date": "2025-03-14T00:00:00Z"}`),
		Intent:          json.RawMessage(`{"name": "taxi_transport", "confidence": 0.9}`),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Advance(context.Background(), runID))

	run, err := svc.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, StateParked, run.State)
	require.Equal(t, KindEngineRejection, run.Error.Kind)
	require.Equal(t, shared.TagProposalUnbalanced, run.Error.Tag)
}
