// Package pipeline drives each input through extraction consumption,
// intent consumption, policy resolution, proposal construction, the
// gate and booking, persisting the run after every step.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/autoledger/autoledger/internal/engine"
	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
)

// State enumerates run lifecycle values.
type State string

const (
	StatePending               State = "PENDING"
	StateRunning               State = "RUNNING"
	StateAwaitingClarification State = "AWAITING_CLARIFICATION"
	StateParked                State = "PARKED"
	StateCompleted             State = "COMPLETED"
	StateFailed                State = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateParked || s == StateCompleted || s == StateFailed
}

// Step enumerates the orchestrator steps in execution order.
type Step string

const (
	StepLoad           Step = "LOAD"
	StepExtractConsume Step = "EXTRACT_CONSUME"
	StepIntentConsume  Step = "INTENT_CONSUME"
	StepPolicySelect   Step = "POLICY_SELECT"
	StepMigrate        Step = "MIGRATE"
	StepPropose        Step = "PROPOSE"
	StepGate           Step = "GATE"
	StepBook           Step = "BOOK"
	StepComplete       Step = "COMPLETE"
)

// stepOrder backs the audit ordering invariant.
var stepOrder = map[Step]int{
	StepLoad:           0,
	StepExtractConsume: 1,
	StepIntentConsume:  2,
	StepPolicySelect:   3,
	StepMigrate:        4,
	StepPropose:        5,
	StepGate:           6,
	StepBook:           7,
	StepComplete:       8,
}

// Index returns the step's position in execution order.
func (s Step) Index() int { return stepOrder[s] }

// ErrorKind classifies terminal run errors.
type ErrorKind string

const (
	KindInputInvalid    ErrorKind = "INPUT_INVALID"
	KindConfigError     ErrorKind = "CONFIG_ERROR"
	KindEngineRejection ErrorKind = "ENGINE_REJECTION"
	KindInfrastructure  ErrorKind = "INFRASTRUCTURE"
	KindTimeout         ErrorKind = "TIMEOUT"
	KindCancelled       ErrorKind = "CANCELLED"
)

// RunError is the terminal error recorded on a run.
type RunError struct {
	Kind    ErrorKind       `json:"kind"`
	Tag     shared.ErrorTag `json:"tag,omitempty"`
	Step    Step            `json:"step"`
	Message string          `json:"message"`
}

// Payload is the structured bag each step writes its output into,
// keyed by step. Re-running a step over the same payload yields the
// same output.
type Payload struct {
	ExtractionRef  string                   `json:"extraction_ref,omitempty"`
	IntentRef      string                   `json:"intent_ref,omitempty"`
	Extraction     *engine.ExtractionRecord `json:"extraction,omitempty"`
	Intent         *engine.IntentRecord     `json:"intent,omitempty"`
	SlotUpdates    map[string]any           `json:"slot_updates,omitempty"`
	CatalogVersion string                   `json:"catalog_version,omitempty"`
	Policy         *policy.Policy           `json:"policy,omitempty"`
	Proposal       *engine.Proposal         `json:"proposal,omitempty"`
	Question       *engine.Question         `json:"question,omitempty"`
}

// EffectiveIntent overlays clarification slot updates on the consumed
// intent record. The extraction is immutable; only slots may change.
func (p Payload) EffectiveIntent() engine.IntentRecord {
	intent := *p.Intent
	if len(p.SlotUpdates) > 0 {
		intent.Slots = intent.Slots.Merge(p.SlotUpdates)
	}
	return intent
}

// Run is the persistent record of one end-to-end processing attempt.
type Run struct {
	ID              uuid.UUID  `json:"id"`
	CompanyID       uuid.UUID  `json:"company_id"`
	Country         string     `json:"country"`
	TransactionDate time.Time  `json:"transaction_date"`
	Series          string     `json:"series"`
	Actor           string     `json:"actor"`
	State           State      `json:"state"`
	CurrentStep     Step       `json:"current_step"`
	Payload         Payload    `json:"payload"`
	Error           *RunError  `json:"error,omitempty"`
	JournalEntryID  *uuid.UUID `json:"journal_entry_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ClaimedBy       string     `json:"claimed_by,omitempty"`
	ClaimExpiresAt  *time.Time `json:"claim_expires_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
}

// Gate returns the gate decision of the last computed proposal.
func (r Run) Gate() policy.GateDecision {
	if r.Payload.Proposal == nil {
		return ""
	}
	return r.Payload.Proposal.Gate
}
