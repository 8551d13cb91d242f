// Command seed creates the schema and loads the builtin BAS catalogs
// and policies into the database. Migration rulesets are compiled into
// the migration package and are not stored.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/autoledger/autoledger/internal/app"
	"github.com/autoledger/autoledger/internal/catalog"
	"github.com/autoledger/autoledger/internal/platform/db"
	"github.com/autoledger/autoledger/internal/policy"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS account_catalogs (
		version TEXT PRIMARY KEY,
		country TEXT NOT NULL,
		effective_from DATE NOT NULL,
		effective_to DATE,
		document JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS policies (
		id TEXT NOT NULL,
		version TEXT NOT NULL,
		country TEXT NOT NULL,
		effective_from DATE NOT NULL,
		effective_to DATE,
		catalog_version TEXT NOT NULL,
		document JSONB NOT NULL,
		PRIMARY KEY (id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS input_records (
		ref TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		document JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id UUID PRIMARY KEY,
		company_id UUID NOT NULL,
		country TEXT NOT NULL,
		transaction_date DATE NOT NULL,
		series TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		current_step TEXT NOT NULL,
		payload JSONB,
		error JSONB,
		journal_entry_id UUID,
		started_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		claimed_by TEXT,
		claim_expires_at TIMESTAMPTZ,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_company ON pipeline_runs (company_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_claims ON pipeline_runs (state, claim_expires_at)`,
	`CREATE TABLE IF NOT EXISTS journal_series (
		company_id UUID NOT NULL,
		series TEXT NOT NULL,
		last_number BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (company_id, series)
	)`,
	`CREATE TABLE IF NOT EXISTS journal_entries (
		id UUID PRIMARY KEY,
		company_id UUID NOT NULL,
		entry_date DATE NOT NULL,
		series TEXT NOT NULL,
		number BIGINT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		source_pipeline_run UUID NOT NULL,
		UNIQUE (company_id, series, number)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_journal_entries_run ON journal_entries (source_pipeline_run)`,
	`CREATE TABLE IF NOT EXISTS journal_lines (
		id UUID PRIMARY KEY,
		entry_id UUID NOT NULL REFERENCES journal_entries (id),
		ordinal INT NOT NULL,
		account TEXT NOT NULL,
		side TEXT NOT NULL CHECK (side IN ('D','K')),
		amount NUMERIC(14,2) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		dimensions JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		module TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit (
		id UUID PRIMARY KEY,
		run_id UUID NOT NULL,
		step TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		digest TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_run ON audit (run_id, ts)`,
}

func main() {
	_ = godotenv.Load()

	logger := slog.Default()

	cfg, err := app.LoadConfig()
	if err != nil {
		logger.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			logger.Error("apply schema", slog.Any("error", err))
			os.Exit(1)
		}
	}

	catalogRepo := catalog.NewRepository(pool)
	for _, c := range []catalog.Catalog{catalog.BAS2025v1(), catalog.BAS2025v2()} {
		if err := catalogRepo.Save(ctx, c); err != nil {
			logger.Error("seed catalog", slog.String("version", c.Version), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("seeded catalog", slog.String("version", c.Version))
	}

	policyRepo := policy.NewRepository(pool)
	for _, p := range policy.Builtin() {
		if err := policyRepo.Save(ctx, p); err != nil {
			logger.Error("seed policy", slog.String("policy", p.ID), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("seeded policy", slog.String("policy", p.ID))
	}
}
