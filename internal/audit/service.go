// Package audit keeps the append-only trail of pipeline step outputs.
// Records carry a content-addressed digest of the step payload so any
// later tampering with run payloads is detectable.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Record is one immutable audit row. Rows are never updated or
// deleted.
type Record struct {
	ID            uuid.UUID `json:"id"`
	RunID         uuid.UUID `json:"run_id"`
	Step          string    `json:"step"`
	Timestamp     time.Time `json:"ts"`
	Actor         string    `json:"actor"`
	PayloadDigest string    `json:"digest"`
}

// Repository persists audit rows.
type Repository interface {
	Append(ctx context.Context, rec Record) error
	ListByRun(ctx context.Context, runID uuid.UUID) ([]Record, error)
}

// Service writes and reads the trail.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService returns the audit service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Record appends one row for a step output.
func (s *Service) Record(ctx context.Context, runID uuid.UUID, step, actor string, payload any) error {
	digest, err := Digest(payload)
	if err != nil {
		return err
	}
	return s.repo.Append(ctx, Record{
		ID:            uuid.New(),
		RunID:         runID,
		Step:          step,
		Timestamp:     s.now(),
		Actor:         actor,
		PayloadDigest: digest,
	})
}

// ListByRun returns a run's records ordered by step sequence.
func (s *Service) ListByRun(ctx context.Context, runID uuid.UUID) ([]Record, error) {
	return s.repo.ListByRun(ctx, runID)
}

// Digest hashes the canonical JSON form of a step payload.
func Digest(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
