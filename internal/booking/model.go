package booking

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/autoledger/autoledger/internal/policy"
)

// DefaultSeries is the journal series used when the caller names none.
const DefaultSeries = "A"

// JournalEntry is an immutable double-entry posting. Corrections are
// new entries whose notes reference the original id.
type JournalEntry struct {
	ID                uuid.UUID
	CompanyID         uuid.UUID
	EntryDate         time.Time
	Series            string
	Number            int64
	Notes             string
	CreatedAt         time.Time
	CreatedBy         string
	SourcePipelineRun uuid.UUID
	Lines             []JournalLine
}

// JournalLine is one debit or credit row of an entry. Ordinal
// preserves insertion order.
type JournalLine struct {
	ID          uuid.UUID
	EntryID     uuid.UUID
	Ordinal     int
	Account     string
	Side        policy.Side
	Amount      decimal.Decimal
	Description string
	Dimensions  map[string]string
}

// Balanced reports exact decimal equality of debit and credit sums.
func (e JournalEntry) Balanced() bool {
	diff := decimal.Zero
	for _, l := range e.Lines {
		if l.Side == policy.SideDebit {
			diff = diff.Add(l.Amount)
		} else {
			diff = diff.Sub(l.Amount)
		}
	}
	return diff.IsZero()
}

var (
	// ErrEntryNotFound occurs when an entry is missing.
	ErrEntryNotFound = errors.New("booking: entry not found")
)
