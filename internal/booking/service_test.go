package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/autoledger/autoledger/internal/engine"
	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
)

type memoryRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]JournalEntry
	byRun   map[uuid.UUID]uuid.UUID
	numbers map[string]int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		entries: make(map[uuid.UUID]JournalEntry),
		byRun:   make(map[uuid.UUID]uuid.UUID),
		numbers: make(map[string]int64),
	}
}

type memoryTx struct {
	repo *memoryRepo
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetEntry(ctx context.Context, id uuid.UUID) (JournalEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return JournalEntry{}, ErrEntryNotFound
	}
	return entry, nil
}

func (r *memoryRepo) ByPipeline(ctx context.Context, runID uuid.UUID) (JournalEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byRun[runID]
	if !ok {
		return JournalEntry{}, ErrEntryNotFound
	}
	return r.entries[id], nil
}

func (r *memoryRepo) List(ctx context.Context, companyID uuid.UUID, page shared.Pagination) ([]JournalEntry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []JournalEntry
	for _, entry := range r.entries {
		if entry.CompanyID == companyID {
			out = append(out, entry)
		}
	}
	return out, len(out), nil
}

func (t *memoryTx) AllocateNumber(ctx context.Context, companyID uuid.UUID, series string) (int64, error) {
	key := companyID.String() + "/" + series
	t.repo.numbers[key]++
	return t.repo.numbers[key], nil
}

func (t *memoryTx) InsertEntry(ctx context.Context, entry JournalEntry) error {
	t.repo.entries[entry.ID] = entry
	t.repo.byRun[entry.SourcePipelineRun] = entry.ID
	return nil
}

func (t *memoryTx) InsertLines(ctx context.Context, entryID uuid.UUID, lines []JournalLine) error {
	entry := t.repo.entries[entryID]
	entry.Lines = lines
	t.repo.entries[entryID] = entry
	return nil
}

func balancedProposal(t *testing.T) engine.Proposal {
	t.Helper()
	amount := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		require.NoError(t, err)
		return d
	}
	return engine.Proposal{
		PolicyID: "SE_TAXI_V1",
		Lines: []engine.Line{
			{Account: "5810", Side: policy.SideDebit, Amount: amount("100.00")},
			{Account: "2640", Side: policy.SideDebit, Amount: amount("6.00")},
			{Account: "1930", Side: policy.SideCredit, Amount: amount("106.00")},
		},
	}
}

func TestCreatePersistsBalancedEntry(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	svc.WithNow(func() time.Time { return time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC) })

	companyID := uuid.New()
	runID := uuid.New()
	entry, err := svc.Create(context.Background(), CreateInput{
		Proposal:  balancedProposal(t),
		CompanyID: companyID,
		EntryDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		Actor:     "tester",
		RunID:     runID,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), entry.Number)
	require.Equal(t, DefaultSeries, entry.Series)
	require.True(t, entry.Balanced())
	require.Len(t, entry.Lines, 3)
	require.Equal(t, 2, entry.Lines[2].Ordinal)

	byRun, err := svc.ByPipeline(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, entry.ID, byRun.ID)
}

func TestCreateRejectsUnbalancedProposal(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)

	proposal := balancedProposal(t)
	proposal.Lines = proposal.Lines[:2]
	_, err := svc.Create(context.Background(), CreateInput{
		Proposal:  proposal,
		CompanyID: uuid.New(),
		EntryDate: time.Now(),
		RunID:     uuid.New(),
	})
	require.True(t, shared.IsTag(err, shared.TagNotBalancedOnBook))
	require.Empty(t, repo.entries)
}

func TestConcurrentBookingsGetContiguousNumbers(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	companyID := uuid.New()

	const workers = 8
	var wg sync.WaitGroup
	numbers := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := svc.Create(context.Background(), CreateInput{
				Proposal:  balancedProposal(t),
				CompanyID: companyID,
				EntryDate: time.Now(),
				RunID:     uuid.New(),
			})
			require.NoError(t, err)
			numbers <- entry.Number
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int64]bool)
	for n := range numbers {
		require.False(t, seen[n], "duplicate number %d", n)
		seen[n] = true
	}
	for n := int64(1); n <= workers; n++ {
		require.True(t, seen[n], "gap at number %d", n)
	}
}

func TestSeriesAreIndependent(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	companyID := uuid.New()

	a, err := svc.Create(context.Background(), CreateInput{Proposal: balancedProposal(t), CompanyID: companyID, EntryDate: time.Now(), Series: "A", RunID: uuid.New()})
	require.NoError(t, err)
	b, err := svc.Create(context.Background(), CreateInput{Proposal: balancedProposal(t), CompanyID: companyID, EntryDate: time.Now(), Series: "B", RunID: uuid.New()})
	require.NoError(t, err)
	require.Equal(t, int64(1), a.Number)
	require.Equal(t, int64(1), b.Number)
}
